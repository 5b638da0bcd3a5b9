package souk

import "sync"

// Pool is an explicit cache of client connections keyed by server
// address.  It replaces any notion of a process-global connection
// table: whoever needs connection reuse owns a Pool, shares it, and
// closes it when done.
//
// The pool only guards its own map; a pooled Client still must not be
// used from two goroutines at once.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Open returns the pooled client for addr, dialing on first use.
func (p *Pool) Open(addr string) (c *Client, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err = Dial(addr)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

// Close disconnects every pooled client and empties the pool.
func (p *Pool) Close() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.clients {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
		delete(p.clients, addr)
	}
	return
}
