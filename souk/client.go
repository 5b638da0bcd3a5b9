package souk

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"path"
	"syscall"

	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
)

// ReadOnlyError is returned by every mutating operation: this
// protocol profile cannot write to the server.
type ReadOnlyError struct {
	Op string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("smart transport is read-only: %s", e.Op)
}

// respKind enumerates the closed set of response shapes the server
// can produce.  Responses are decoded into it once, at the protocol
// boundary; nothing above this layer branches on raw tuple tags.
type respKind int

const (
	respVersion respKind = iota
	respYes
	respNo
	respOK
	respDone
	respEnoent
	respError
)

type response struct {
	kind respKind
	arg  string
}

func decodeResponse(fields []string) (resp response, err error) {
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "bzr server":
		return response{respVersion, arg}, nil
	case "yes":
		return response{respYes, ""}, nil
	case "no":
		return response{respNo, ""}, nil
	case "ok":
		return response{respOK, ""}, nil
	case "done":
		return response{respDone, ""}, nil
	case "enoent":
		return response{respEnoent, arg}, nil
	case "error":
		return response{respError, arg}, nil
	}
	return resp, &ProtocolError{fmt.Sprintf("bad response %q", fields[0])}
}

// Client is a connection to a smart server.  It holds the two halves
// of a single duplex byte stream and a notion of the remote directory
// requests are resolved against; clones share the stream and differ
// only in that directory.
//
// A Client is not safe for concurrent calls; requests and responses
// are correlated only by their order on the shared connection.
type Client struct {
	conn io.Closer // underlying socket, nil when running over pipes
	in   *bufio.Reader
	out  *bufio.Writer
	base string
}

// Dial connects to a smart server at host:port over plain tcp.
func Dial(addr string) (c *Client, err error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	c = NewStreamClient(conn, conn)
	c.conn = conn
	return c, nil
}

// NewStreamClient wraps an externally provided stream pair, such as
// pipes to an ssh subprocess or an in-process test fixture.
func NewStreamClient(in io.Reader, out io.Writer) *Client {
	return &Client{
		in:  bufio.NewReader(in),
		out: bufio.NewWriter(out),
	}
}

// Clone returns a handle on a different remote directory sharing this
// client's connection.  Cloned handles never open a new socket.
func (c *Client) Clone(relpath string) *Client {
	clone := *c
	clone.base = c.remotePath(relpath)
	return &clone
}

func (c *Client) remotePath(relpath string) string {
	if c.base == "" {
		return relpath
	}
	return path.Join(c.base, relpath)
}

// IsReadOnly reports whether the transport rejects writes.  It always
// does.
func (c *Client) IsReadOnly() bool {
	return true
}

func (c *Client) call(fields ...string) (resp response, err error) {
	defer Return(&err)
	err = SendTuple(c.out, fields...)
	Ck(err)
	got, err := RecvTuple(c.in)
	Ck(err)
	return decodeResponse(got)
}

// QueryVersion returns the protocol version number of the server.
func (c *Client) QueryVersion() (version int, err error) {
	defer Return(&err)
	resp, err := c.call("hello", "1")
	Ck(err)
	if resp.kind != respVersion || resp.arg != "1" {
		return 0, &ProtocolError{fmt.Sprintf("bad response %q to hello", resp.arg)}
	}
	return 1, nil
}

// Has reports whether relpath exists on the server.
func (c *Client) Has(relpath string) (found bool, err error) {
	defer Return(&err)
	resp, err := c.call("has", c.remotePath(relpath))
	Ck(err)
	switch resp.kind {
	case respYes:
		return true, nil
	case respNo:
		return false, nil
	}
	return false, translateError(resp)
}

// Get returns a reader on the contents of a remote file.  A missing
// path is reported by wrapping syscall.ENOENT.
func (c *Client) Get(relpath string) (rc io.ReadCloser, err error) {
	defer Return(&err)
	resp, err := c.call("get", c.remotePath(relpath))
	Ck(err)
	if resp.kind != respOK {
		return nil, translateError(resp)
	}
	body, err := RecvBulk(c.in)
	Ck(err)
	trailer, err := RecvTuple(c.in)
	Ck(err)
	tresp, err := decodeResponse(trailer)
	Ck(err)
	if tresp.kind != respDone {
		return nil, translateError(tresp)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func translateError(resp response) error {
	switch resp.kind {
	case respEnoent:
		return fmt.Errorf("%w: %s", syscall.ENOENT, resp.arg)
	case respError:
		return &ProtocolError{fmt.Sprintf("server error: %s", resp.arg)}
	}
	return &ProtocolError{fmt.Sprintf("unexpected response kind %d", resp.kind)}
}

func (c *Client) Put(relpath string, r io.Reader) error {
	return &ReadOnlyError{"put"}
}

func (c *Client) Append(relpath string, r io.Reader) error {
	return &ReadOnlyError{"append"}
}

func (c *Client) Delete(relpath string) error {
	return &ReadOnlyError{"delete"}
}

func (c *Client) Mkdir(relpath string) error {
	return &ReadOnlyError{"mkdir"}
}

func (c *Client) Rmdir(relpath string) error {
	return &ReadOnlyError{"rmdir"}
}

// Close tears down the underlying socket, if any.  Clones sharing the
// connection become unusable too.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
