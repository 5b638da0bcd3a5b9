// Package souk implements the smart-server protocol: a small
// stateless command set moved between peers as Ctrl-A separated
// tuples with length-prefixed bulk bodies, over any duplex byte
// stream.
//
//	SEP := '\x01'
//	TUPLE := FIELD (SEP FIELD)* NEWLINE
//	BULK := CHUNK TRAILER
//	CHUNK := DIGIT+ NEWLINE BYTE[n]
//	TRAILER := 'done' NEWLINE
//
// Requests are a command tuple, optionally followed by bulk data.
// Responses are a tuple, optionally followed by bulk data and a
// trailer.  Commands: hello, has PATH, get PATH.  The server answers
// requests against a backing Store; paths are resolved by the server,
// and the connection carries no session state beyond the optional
// version handshake.  The protocol profile is read-only.
package souk

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	. "github.com/stevegt/goadapt"
)

const (
	sep = "\x01"

	// DefaultPort is the TCP port the protocol is served on when no
	// explicit address is given.
	DefaultPort = 4155

	// Scheme is the URL scheme reserved for this protocol.
	Scheme = "bzr"
)

// ProtocolError reports a malformed tuple, bulk chunk, or command.
// It terminates the connection it occurred on; other connections are
// unaffected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// SendTuple writes fields as one request or response line and
// flushes.  Fields must not contain the separator or a newline; that
// is the caller's constraint, not something the codec validates.
func SendTuple(w *bufio.Writer, fields ...string) (err error) {
	defer Return(&err)
	_, err = w.WriteString(strings.Join(fields, sep) + "\n")
	Ck(err)
	return w.Flush()
}

// RecvTuple reads one tuple line from r.  It returns io.EOF when the
// peer has cleanly closed the stream, and a ProtocolError when the
// stream ends mid-line.
func RecvTuple(r *bufio.Reader) (fields []string, err error) {
	line, err := r.ReadString('\n')
	if err == io.EOF {
		if line == "" {
			return nil, io.EOF
		}
		return nil, &ProtocolError{fmt.Sprintf("request %q not terminated", line)}
	}
	if err != nil {
		return nil, err
	}
	return strings.Split(line[:len(line)-1], sep), nil
}

// SendBulk writes body as a single length-prefixed chunk followed by
// the done trailer, and flushes.
func SendBulk(w *bufio.Writer, body []byte) (err error) {
	defer Return(&err)
	_, err = fmt.Fprintf(w, "%d\n", len(body))
	Ck(err)
	_, err = w.Write(body)
	Ck(err)
	_, err = w.WriteString("done\n")
	Ck(err)
	return w.Flush()
}

// RecvBulk reads one length-prefixed chunk from r.  The trailer that
// follows it is a normal tuple and is left for the caller.  Only one
// chunk per transfer is produced or consumed; multi-chunk bodies are
// an additive extension this codec does not implement.
func RecvBulk(r *bufio.Reader) (body []byte, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, &ProtocolError{fmt.Sprintf("bad chunk length line %q", line)}
	}
	n, err := strconv.Atoi(strings.TrimSuffix(line, "\n"))
	if err != nil || n < 0 {
		return nil, &ProtocolError{fmt.Sprintf("bad chunk length line %q", line)}
	}
	body = make([]byte, n)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, &ProtocolError{"short read fetching bulk data chunk"}
	}
	return body, nil
}
