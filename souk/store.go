package souk

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"

	"github.com/anlambert/breezy/revfile"
)

// Store is the backing abstraction the server dispatches to:
// anything that can answer existence and content queries for
// path-addressed resources.  Absence is reported by wrapping
// syscall.ENOENT.  Implementations are not assumed safe for
// concurrent use across connections; serialize in a wrapper before
// sharing a mutable store.
type Store interface {
	Has(relpath string) (bool, error)
	Get(relpath string) (io.ReadCloser, error)
}

// DirStore serves the files under a local directory.
type DirStore struct {
	Dir string
}

func NewDirStore(dir string) (ds *DirStore, err error) {
	defer Return(&err)
	dir, err = filepath.Abs(dir)
	Ck(err)
	ErrnoIf(!exists(dir), syscall.ENOENT, "not found: %s", dir)
	return &DirStore{Dir: dir}, nil
}

// abspath rebases relpath under the served directory; rooting the
// path before joining keeps ../ from escaping it.
func (ds *DirStore) abspath(relpath string) string {
	return filepath.Join(ds.Dir, filepath.Clean("/"+relpath))
}

func (ds *DirStore) Has(relpath string) (bool, error) {
	_, err := os.Stat(ds.abspath(relpath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (ds *DirStore) Get(relpath string) (io.ReadCloser, error) {
	fh, err := os.Open(ds.abspath(relpath))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", syscall.ENOENT, relpath)
	}
	if err != nil {
		return nil, err
	}
	return fh, nil
}

// RevStore exposes the revisions of a Revfile to the protocol,
// addressed by their hex SHA-1.
type RevStore struct {
	rf *revfile.Revfile
}

func NewRevStore(rf *revfile.Revfile) *RevStore {
	return &RevStore{rf: rf}
}

func (rs *RevStore) lookup(relpath string) (idx uint32, err error) {
	name := strings.Trim(relpath, "/")
	bin, err := hex.DecodeString(name)
	if err != nil || len(bin) != sha1.Size {
		return 0, fmt.Errorf("%w: %s", syscall.ENOENT, relpath)
	}
	var sha [20]byte
	copy(sha[:], bin)
	idx, err = rs.rf.FindSha(sha)
	if _, ok := errors.Cause(err).(*revfile.NotFoundError); ok {
		return 0, fmt.Errorf("%w: %s", syscall.ENOENT, relpath)
	}
	return idx, err
}

func (rs *RevStore) Has(relpath string) (bool, error) {
	_, err := rs.lookup(relpath)
	if errors.Is(err, syscall.ENOENT) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (rs *RevStore) Get(relpath string) (io.ReadCloser, error) {
	idx, err := rs.lookup(relpath)
	if err != nil {
		return nil, err
	}
	text, err := rs.rf.Get(idx)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(text)), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
