package souk

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stevegt/readercomp"

	"github.com/anlambert/breezy/revfile"
)

// dirStore builds a DirStore over a fresh directory populated with
// the given files.
func dirStore(t *testing.T, files map[string]string) *DirStore {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		abs := filepath.Join(dir, name)
		err := os.MkdirAll(filepath.Dir(abs), 0755)
		tassert(t, err == nil, "%v", err)
		err = os.WriteFile(abs, []byte(content), 0644)
		tassert(t, err == nil, "%v", err)
	}
	ds, err := NewDirStore(dir)
	tassert(t, err == nil, "%v", err)
	return ds
}

// pipeClient wires a client to a StreamServer over in-process pipes,
// the way an ssh subprocess would be wired to sshd's stdio.
func pipeClient(t *testing.T, store Store) *Client {
	t.Helper()
	reqR, reqW := io.Pipe()   // client -> server
	respR, respW := io.Pipe() // server -> client
	srv := NewStreamServer(reqR, respW, store)
	go func() {
		_ = srv.Serve()
		respW.Close()
	}()
	c := NewStreamClient(respR, reqW)
	t.Cleanup(func() {
		reqW.Close()
		respR.Close()
	})
	return c
}

func TestQueryVersion(t *testing.T) {
	c := pipeClient(t, dirStore(t, nil))
	version, err := c.QueryVersion()
	tassert(t, err == nil, "%v", err)
	tassert(t, version == 1, "got %d", version)
}

func TestHas(t *testing.T) {
	c := pipeClient(t, dirStore(t, map[string]string{"foo.txt": "hello world"}))

	found, err := c.Has("foo.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, found, "foo.txt should exist")

	found, err = c.Has("bar.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, !found, "bar.txt should not exist")
}

func TestGet(t *testing.T) {
	store := dirStore(t, map[string]string{"foo.txt": "hello world"})
	c := pipeClient(t, store)

	got, err := c.Get("foo.txt")
	tassert(t, err == nil, "%v", err)
	defer got.Close()

	fh, err := os.Open(filepath.Join(store.Dir, "foo.txt"))
	tassert(t, err == nil, "%v", err)
	defer fh.Close()
	ok, err := readercomp.Equal(fh, got, 4096)
	tassert(t, err == nil, "%v", err)
	tassert(t, ok, "got wrong file contents")
}

func TestGetEnoent(t *testing.T) {
	c := pipeClient(t, dirStore(t, map[string]string{"foo.txt": "hello world"}))

	_, err := c.Get("nope.txt")
	tassert(t, errors.Is(err, syscall.ENOENT), "expected ENOENT, got %v", err)

	// enoent is an expected condition; the connection stays usable
	found, err := c.Has("foo.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, found, "connection should have survived the enoent")
}

// an unknown command terminates the connection with one error tuple
func TestUnknownCommand(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	srv := NewStreamServer(reqR, respW, dirStore(t, nil))
	go func() {
		_ = srv.Serve()
		respW.Close()
	}()
	defer reqW.Close()

	out := bufio.NewWriter(reqW)
	in := bufio.NewReader(respR)
	err := SendTuple(out, "frobnicate", "arg")
	tassert(t, err == nil, "%v", err)

	resp, err := RecvTuple(in)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(resp) == 2 && resp[0] == "error", "got %#v", resp)

	_, err = RecvTuple(in)
	tassert(t, err == io.EOF, "expected connection teardown, got %v", err)
}

func TestReadOnly(t *testing.T) {
	c := pipeClient(t, dirStore(t, nil))
	tassert(t, c.IsReadOnly(), "transport should be read-only")

	var roe *ReadOnlyError
	err := c.Put("x", nil)
	tassert(t, errors.As(err, &roe), "put: got %v", err)
	err = c.Append("x", nil)
	tassert(t, errors.As(err, &roe), "append: got %v", err)
	err = c.Delete("x")
	tassert(t, errors.As(err, &roe), "delete: got %v", err)
	err = c.Mkdir("x")
	tassert(t, errors.As(err, &roe), "mkdir: got %v", err)
	err = c.Rmdir("x")
	tassert(t, errors.As(err, &roe), "rmdir: got %v", err)
}

func TestClone(t *testing.T) {
	c := pipeClient(t, dirStore(t, map[string]string{
		"top.txt":      "top",
		"sub/leaf.txt": "leaf",
	}))

	clone := c.Clone("sub")
	// same connection, different base
	tassert(t, clone.in == c.in && clone.out == c.out, "clone must share the connection")

	found, err := clone.Has("leaf.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, found, "leaf.txt should exist under sub/")

	found, err = clone.Has("top.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, !found, "top.txt should not resolve under sub/")

	// the original handle is unaffected
	found, err = c.Has("top.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, found, "top.txt should still resolve at the root")
}

// a revision store can back the server directly, addressed by hex
// sha1
func TestRevStore(t *testing.T) {
	rf, err := revfile.Open(filepath.Join(t.TempDir(), "served"))
	tassert(t, err == nil, "%v", err)
	defer rf.Close()

	idx, err := rf.Add([]byte("hello\n"), revfile.NoRecord, true)
	tassert(t, err == nil, "%v", err)
	_, err = rf.Add([]byte("hello world\n"), idx, true)
	tassert(t, err == nil, "%v", err)

	c := pipeClient(t, NewRevStore(rf))

	// sha1 of "hello\n"
	sha := "f572d396fae9206628714fb2ce00f72e94f2258f"
	found, err := c.Has(sha)
	tassert(t, err == nil, "%v", err)
	tassert(t, found, "stored revision should be visible")

	got, err := c.Get(sha)
	tassert(t, err == nil, "%v", err)
	body, err := io.ReadAll(got)
	tassert(t, err == nil, "%v", err)
	tassert(t, string(body) == "hello\n", "got %q", body)

	found, err = c.Has("da39a3ee5e6b4b0d3255bfef95601890afd80709")
	tassert(t, err == nil, "%v", err)
	tassert(t, !found, "absent sha should answer no")

	_, err = c.Get("not-a-sha")
	tassert(t, errors.Is(err, syscall.ENOENT), "expected ENOENT, got %v", err)
}

func TestTCPServer(t *testing.T) {
	store := dirStore(t, map[string]string{"foo.txt": "hello world"})
	srv, err := NewTCPServer(store, "127.0.0.1:0")
	tassert(t, err == nil, "%v", err)
	srv.Start()
	defer srv.Stop()

	c, err := Dial(srv.Addr())
	tassert(t, err == nil, "%v", err)
	defer c.Close()

	version, err := c.QueryVersion()
	tassert(t, err == nil, "%v", err)
	tassert(t, version == 1, "got %d", version)

	// a second simultaneous connection is served independently
	c2, err := Dial(srv.Addr())
	tassert(t, err == nil, "%v", err)
	defer c2.Close()

	got, err := c2.Get("foo.txt")
	tassert(t, err == nil, "%v", err)
	body, err := io.ReadAll(got)
	tassert(t, err == nil, "%v", err)
	tassert(t, string(body) == "hello world", "got %q", body)

	found, err := c.Has("foo.txt")
	tassert(t, err == nil, "%v", err)
	tassert(t, found, "first connection should still work")
}

func TestTCPServerURL(t *testing.T) {
	srv, err := NewTCPServer(dirStore(t, nil), "127.0.0.1:0")
	tassert(t, err == nil, "%v", err)
	defer srv.Stop()
	url := srv.URL()
	tassert(t, len(url) > len("bzr://") && url[:6] == "bzr://", "got %q", url)
}

func TestDialRefused(t *testing.T) {
	// nothing listens on the discard port
	_, err := Dial("127.0.0.1:1")
	tassert(t, err != nil, "expected connection error")
}

func TestPool(t *testing.T) {
	srv, err := NewTCPServer(dirStore(t, nil), "127.0.0.1:0")
	tassert(t, err == nil, "%v", err)
	srv.Start()
	defer srv.Stop()

	pool := NewPool()
	defer pool.Close()

	c1, err := pool.Open(srv.Addr())
	tassert(t, err == nil, "%v", err)
	c2, err := pool.Open(srv.Addr())
	tassert(t, err == nil, "%v", err)
	tassert(t, c1 == c2, "pool should reuse the connection")

	version, err := c1.QueryVersion()
	tassert(t, err == nil, "%v", err)
	tassert(t, version == 1, "got %d", version)

	err = pool.Close()
	tassert(t, err == nil, "%v", err)
}
