package souk

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// StreamServer handles protocol commands arriving over a stream.
//
// The stream may be a pipe connected to sshd, a tcp socket, or an
// in-process pipe for testing.  One instance is created per connected
// client and serves any number of requests over the connection's
// lifetime; each request is stateless against the backing store.
type StreamServer struct {
	in    *bufio.Reader
	out   *bufio.Writer
	store Store
}

func NewStreamServer(in io.Reader, out io.Writer, store Store) *StreamServer {
	return &StreamServer{
		in:    bufio.NewReader(in),
		out:   bufio.NewWriter(out),
		store: store,
	}
}

// Serve handles requests until the client disconnects.  On the first
// failed request it sends an error tuple, flushes, and returns the
// failure; there is no recovery mid-connection.
func (s *StreamServer) Serve() error {
	for {
		req, err := RecvTuple(s.in)
		if err == io.EOF {
			// client closed the connection
			return nil
		}
		if err == nil {
			err = s.dispatch(req[0], req[1:])
		}
		if err != nil {
			// pass it to the client and hang up
			_ = SendTuple(s.out, "error", err.Error())
			return err
		}
	}
}

func (s *StreamServer) dispatch(cmd string, args []string) error {
	log.Debugf("request %q %v", cmd, args)
	switch {
	case cmd == "hello":
		return SendTuple(s.out, "bzr server", "1")
	case cmd == "has" && len(args) == 1:
		return s.doHas(args[0])
	case cmd == "get" && len(args) == 1:
		return s.doGet(args[0])
	}
	return &ProtocolError{fmt.Sprintf("bad request %q", cmd)}
}

func (s *StreamServer) doHas(relpath string) (err error) {
	defer Return(&err)
	found, err := s.store.Has(relpath)
	Ck(err)
	r := "no"
	if found {
		r = "yes"
	}
	return SendTuple(s.out, r)
}

func (s *StreamServer) doGet(relpath string) (err error) {
	defer Return(&err)
	fh, err := s.store.Get(relpath)
	if errors.Is(err, syscall.ENOENT) {
		// expected condition, not a connection-fatal error
		return SendTuple(s.out, "enoent", relpath)
	}
	Ck(err)
	defer fh.Close()
	body, err := io.ReadAll(fh)
	Ck(err)
	err = SendTuple(s.out, "ok")
	Ck(err)
	return SendBulk(s.out, body)
}

// TCPServer listens on a tcp socket and accepts connections from
// protocol clients, serving each connection in its own goroutine.
// Per-connection failures are isolated; they never take down the
// accept loop or other connections.
type TCPServer struct {
	listener *net.TCPListener
	store    Store
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTCPServer binds addr immediately; port 0 allocates a transient
// port.  An empty addr means localhost on DefaultPort.  Call Serve or
// Start to begin accepting.
func NewTCPServer(store Store, addr string) (srv *TCPServer, err error) {
	defer Return(&err)
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", DefaultPort)
	}
	l, err := net.Listen("tcp", addr)
	Ck(err)
	return &TCPServer{
		listener: l.(*net.TCPListener),
		store:    store,
		stop:     make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (srv *TCPServer) Addr() string {
	return srv.listener.Addr().String()
}

// URL returns the url of the server.
func (srv *TCPServer) URL() string {
	return fmt.Sprintf("%s://%s/", Scheme, srv.Addr())
}

// Serve accepts connections until Stop is called.  Accepts time out
// every second so the stop flag is checked with bounded latency
// rather than the loop being torn down mid-accept.
func (srv *TCPServer) Serve() error {
	defer srv.listener.Close()
	for {
		select {
		case <-srv.stop:
			srv.wg.Wait()
			return nil
		default:
		}
		if err := srv.listener.SetDeadline(time.Now().Add(time.Second)); err != nil {
			return err
		}
		conn, err := srv.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Warnf("accept: %v", err)
			continue
		}
		srv.wg.Add(1)
		go srv.handle(conn)
	}
}

func (srv *TCPServer) handle(conn net.Conn) {
	defer srv.wg.Done()
	defer conn.Close()
	log.Debugf("client connected: %s", conn.RemoteAddr())
	if err := NewStreamServer(conn, conn, srv.store).Serve(); err != nil {
		log.Warnf("client %s: %v", conn.RemoteAddr(), err)
		return
	}
	log.Debugf("client disconnected: %s", conn.RemoteAddr())
}

// Start runs Serve in a background goroutine.
func (srv *TCPServer) Start() {
	go func() {
		if err := srv.Serve(); err != nil {
			log.Errorf("server %s: %v", srv.URL(), err)
		}
	}()
}

// Stop asks a serving loop to terminate.  The loop notices within one
// accept timeout, drains its connection handlers, and closes the
// listener on the way out.
func (srv *TCPServer) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.stop)
	})
}
