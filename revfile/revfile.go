// Package revfile implements packed single-file revision storage.
//
// A Revfile holds the text history of a particular logical file, such
// as a Makefile, as an append-only pair of disk files: a short index
// file that is cheap to scan, and a data file of which only the byte
// ranges named by the index ever need to be read.
//
// Each text version is identified by the SHA-1 of its full content
// and by its sequence number within the file.  A version is stored
// either as a full text or as a binary delta against an earlier
// version, and either payload may be zlib compressed when that is a
// size win.
//
// The index file is a 48-byte header followed by fixed 48-byte
// records:
//
//	sha1[20] | base u32 | flags u32 | offset u32 | length u32 | reserved[12]
//
// All integers are big-endian.  Both files are only ever appended to,
// so sequence numbers are stable references within one revfile; the
// SHA-1 is the only universally unique reference.
package revfile

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/anlambert/breezy/delta"
)

const (
	// RecordSize is the width of one index record; the header is the
	// same size for tidiness and easy offset calculation.
	RecordSize = 48

	// NoRecord is the sentinel base index of a full-text record.  It
	// is also returned by FindSha when no record matches.
	NoRecord = uint32(0xFFFFFFFF)

	// FlagZlib marks a zlib-compressed payload.
	FlagZlib = uint32(0x1)

	// ChainLimit is the maximum number of delta hops Add will stack
	// before falling back to a full text.  Intentionally low so the
	// worst-case reconstruction cost stays bounded.
	ChainLimit = 2

	// IndexSuffix and DataSuffix name the two files of a pair.
	IndexSuffix = ".irev"
	DataSuffix  = ".drev"

	// payloads at or below this size are never compressed; the win is
	// unlikely to cover the bookkeeping
	compressMin = 50
)

var headerMagic = func() []byte {
	h := []byte("bzr revfile v1\n")
	for len(h) < RecordSize {
		h = append(h, 0xFF)
	}
	return h
}()

// CorruptError reports unrecoverable damage to a revfile pair: a bad
// header, an index size that is not a whole number of records, a
// forward base reference, or a content hash mismatch.  It is never
// auto-repaired.
type CorruptError struct {
	Basename string
	Reason   string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt revfile %s: %s", e.Basename, e.Reason)
}

// NotFoundError reports that no record carries the requested content
// hash.  Unlike corruption it is an expected, recoverable condition.
type NotFoundError struct {
	Sha [20]byte
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no record with sha1 %x", e.Sha)
}

// errLimitHit signals the writer path that reconstructing a base
// would walk more than ChainLimit deltas.  It never escapes Add.
var errLimitHit = errors.New("delta chain limit hit")

// Record is one parsed index entry.
type Record struct {
	Sha    [20]byte
	Base   uint32 // index this record is stored relative to, or NoRecord
	Flags  uint32
	Offset uint32 // payload position in the data file
	Length uint32 // payload length in the data file
}

// Revfile is an open index/data file pair.  It owns both file handles
// until Close and assumes it is the only writer; locking against
// other processes is the caller's business.
type Revfile struct {
	Basename string
	idx      *os.File
	data     *os.File
}

// Open opens the revfile pair at basename, creating an empty pair if
// neither file exists.  A half-present pair or a bad header is a
// CorruptError.
func Open(basename string) (rf *Revfile, err error) {
	defer Return(&err)

	idxname := basename + IndexSuffix
	dataname := basename + DataSuffix

	idxExists := exists(idxname)
	dataExists := exists(dataname)
	if idxExists != dataExists {
		return nil, &CorruptError{basename, "index and data files must both exist or both be absent"}
	}

	rf = &Revfile{Basename: basename}
	if !idxExists {
		rf.idx, err = os.OpenFile(idxname, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		Ck(err)
		rf.data, err = os.OpenFile(dataname, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		Ck(err)
		_, err = rf.idx.Write(headerMagic)
		Ck(err)
		err = rf.idx.Sync()
		Ck(err)
		log.Debugf("created empty revfile %s", basename)
		return rf, nil
	}

	rf.idx, err = os.OpenFile(idxname, os.O_RDWR, 0644)
	Ck(err)
	rf.data, err = os.OpenFile(dataname, os.O_RDWR, 0644)
	Ck(err)
	hdr := make([]byte, RecordSize)
	_, err = io.ReadFull(rf.idx, hdr)
	if err != nil || !bytes.Equal(hdr, headerMagic) {
		rf.Close()
		return nil, &CorruptError{basename, fmt.Sprintf("bad header %q in index", hdr)}
	}
	return rf, nil
}

// Close releases both file handles.
func (rf *Revfile) Close() (err error) {
	if rf.idx != nil {
		err = rf.idx.Close()
		rf.idx = nil
	}
	if rf.data != nil {
		e := rf.data.Close()
		if err == nil {
			err = e
		}
		rf.data = nil
	}
	return
}

// Len returns the number of revisions in the file, derived from the
// index file size.
func (rf *Revfile) Len() (n uint32, err error) {
	defer Return(&err)
	info, err := rf.idx.Stat()
	Ck(err)
	l := info.Size()
	if l < RecordSize {
		return 0, &CorruptError{rf.Basename, "no header present in index"}
	}
	if l%RecordSize != 0 {
		return 0, &CorruptError{rf.Basename, fmt.Sprintf("bad length %d on index", l)}
	}
	return uint32(l/RecordSize) - 1, nil
}

// Record returns the parsed index record for idx.
func (rf *Revfile) Record(idx uint32) (rec Record, err error) {
	defer Return(&err)
	n, err := rf.Len()
	Ck(err)
	if idx >= n {
		return rec, errors.Errorf("invalid index %d of %d", idx, n)
	}
	buf := make([]byte, RecordSize)
	// pread keeps the append position alone
	_, err = rf.idx.ReadAt(buf, int64(idx+1)*RecordSize)
	if err != nil {
		return rec, &CorruptError{rf.Basename, fmt.Sprintf("short read getting index %d", idx)}
	}
	copy(rec.Sha[:], buf[:20])
	rec.Base = binary.BigEndian.Uint32(buf[20:])
	rec.Flags = binary.BigEndian.Uint32(buf[24:])
	rec.Offset = binary.BigEndian.Uint32(buf[28:])
	rec.Length = binary.BigEndian.Uint32(buf[32:])
	return rec, nil
}

// payload reads the raw (but decompressed) payload bytes of rec.
func (rf *Revfile) payload(idx uint32, rec Record) (data []byte, err error) {
	defer Return(&err)
	if rec.Flags&^FlagZlib != 0 {
		return nil, &CorruptError{rf.Basename, fmt.Sprintf("unsupported flags %#x on record %d", rec.Flags, idx)}
	}
	if rec.Length == 0 {
		return []byte{}, nil
	}
	data = make([]byte, rec.Length)
	n, err := rf.data.ReadAt(data, int64(rec.Offset))
	if err != nil {
		return nil, &CorruptError{rf.Basename, fmt.Sprintf("short read %d of %d getting text for record %d", n, rec.Length, idx)}
	}
	if rec.Flags&FlagZlib != 0 {
		var zr io.ReadCloser
		zr, err = zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &CorruptError{rf.Basename, fmt.Sprintf("bad zlib payload on record %d: %v", idx, err)}
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, &CorruptError{rf.Basename, fmt.Sprintf("bad zlib payload on record %d: %v", idx, err)}
		}
	}
	return data, nil
}

// Get retrieves the full text of revision idx, walking the delta
// chain as needed and re-verifying the content hash of the result.  A
// hash mismatch is a CorruptError, never wrong bytes.
func (rf *Revfile) Get(idx uint32) ([]byte, error) {
	return rf.get(idx, -1)
}

// get reconstructs idx with an explicit hop budget; a negative budget
// means unlimited.  Only the writer path passes a budget, to decide
// when a delta chain is too long to extend.
func (rf *Revfile) get(idx uint32, budget int) (text []byte, err error) {
	defer Return(&err)
	rec, err := rf.Record(idx)
	Ck(err)
	if rec.Base == NoRecord {
		text, err = rf.payload(idx, rec)
		Ck(err)
	} else {
		if rec.Base >= idx {
			// no cycles
			return nil, &CorruptError{rf.Basename, fmt.Sprintf("record %d based on %d", idx, rec.Base)}
		}
		if budget >= 0 {
			budget--
			if budget < 0 {
				return nil, errLimitHit
			}
		}
		var baseText, patch []byte
		baseText, err = rf.get(rec.Base, budget)
		if err != nil {
			return nil, err
		}
		patch, err = rf.payload(idx, rec)
		Ck(err)
		text, err = delta.Apply(baseText, patch)
		if err != nil {
			return nil, &CorruptError{rf.Basename, fmt.Sprintf("bad delta on record %d: %v", idx, err)}
		}
	}
	if sha1.Sum(text) != rec.Sha {
		return nil, &CorruptError{rf.Basename, fmt.Sprintf("sha1 mismatch on record %d", idx)}
	}
	return text, nil
}

// FindSha returns the index of the record whose content hash is sha,
// or a NotFoundError.  This is a linear scan; the reserved record
// fields leave room for a real secondary index if a file ever grows
// past the ~100k revisions this is meant to scale to.
func (rf *Revfile) FindSha(sha [20]byte) (idx uint32, err error) {
	defer Return(&err)
	n, err := rf.Len()
	Ck(err)
	for i := uint32(0); i < n; i++ {
		rec, err := rf.Record(i)
		Ck(err)
		if rec.Sha == sha {
			return i, nil
		}
	}
	return NoRecord, &NotFoundError{Sha: sha}
}

// Add stores text and returns its index.
//
// If the text is already present its existing index is returned and
// the file is not changed.  If base is not NoRecord the new text may
// be stored as a delta against that revision; a delta is only used
// when it is a size win and the base is not already at the end of a
// chain ChainLimit hops long.  If compress is true, zlib is applied
// to whichever payload was chosen when it shrinks it.  Both files are
// flushed before Add returns.
func (rf *Revfile) Add(text []byte, base uint32, compress bool) (idx uint32, err error) {
	defer Return(&err)

	sha := sha1.Sum(text)

	idx, err = rf.FindSha(sha)
	if err == nil {
		return idx, nil // already present
	}
	if _, ok := errors.Cause(err).(*NotFoundError); !ok {
		return 0, err
	}

	if base == NoRecord {
		return rf.addFullText(sha, text, compress)
	}
	return rf.addDelta(sha, text, base, compress)
}

func (rf *Revfile) addFullText(sha [20]byte, text []byte, compress bool) (uint32, error) {
	return rf.addCompressed(sha, text, NoRecord, compress)
}

func (rf *Revfile) addDelta(sha [20]byte, text []byte, base uint32, compress bool) (idx uint32, err error) {
	defer Return(&err)

	n, err := rf.Len()
	Ck(err)
	if base >= n {
		return 0, errors.Errorf("invalid base index %d of %d", base, n)
	}

	baseText, err := rf.get(base, ChainLimit)
	if errors.Cause(err) == errLimitHit {
		return rf.addFullText(sha, text, compress)
	}
	Ck(err)

	patch := delta.Diff(baseText, text)

	// A delta no smaller than the text it encodes is pointless; the
	// delta might compress better, but finding out costs compressing
	// both, and applying it costs the whole chain walk anyway.
	if len(patch) >= len(text) {
		return rf.addFullText(sha, text, compress)
	}
	return rf.addCompressed(sha, patch, base, compress)
}

// addCompressed maybe compresses data, then appends it.
func (rf *Revfile) addCompressed(sha [20]byte, data []byte, base uint32, compress bool) (idx uint32, err error) {
	defer Return(&err)
	flags := uint32(0)
	if compress && len(data) > compressMin {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err = zw.Write(data)
		Ck(err)
		err = zw.Close()
		Ck(err)
		if buf.Len() < len(data) {
			data = buf.Bytes()
			flags = FlagZlib
		}
	}
	return rf.addRaw(sha, data, base, flags)
}

// addRaw appends pre-processed payload bytes, either a full text or a
// delta, and the index record describing them.
func (rf *Revfile) addRaw(sha [20]byte, data []byte, base, flags uint32) (idx uint32, err error) {
	defer Return(&err)

	idx, err = rf.Len()
	Ck(err)

	offset, err := rf.data.Seek(0, io.SeekEnd)
	Ck(err)
	Assert(offset+int64(len(data)) <= int64(NoRecord), "data file full")

	_, err = rf.data.Write(data)
	Ck(err)
	err = rf.data.Sync()
	Ck(err)

	entry := make([]byte, RecordSize)
	copy(entry, sha[:])
	binary.BigEndian.PutUint32(entry[20:], base)
	binary.BigEndian.PutUint32(entry[24:], flags)
	binary.BigEndian.PutUint32(entry[28:], uint32(offset))
	binary.BigEndian.PutUint32(entry[32:], uint32(len(data)))

	end, err := rf.idx.Seek(0, io.SeekEnd)
	Ck(err)
	Assert(end == int64(idx+1)*RecordSize, "index out of step with itself")
	_, err = rf.idx.Write(entry)
	Ck(err)
	err = rf.idx.Sync()
	Ck(err)

	log.Debugf("record %d: base %d flags %#x offset %d len %d", idx, base, flags, offset, len(data))
	return idx, nil
}

// Dump writes a human-readable listing of the index to w.
func (rf *Revfile) Dump(w io.Writer) (err error) {
	defer Return(&err)
	n, err := rf.Len()
	Ck(err)
	_, err = fmt.Fprintf(w, "%-8s %-40s %-8s %-8s %-8s %-8s\n",
		"idx", "sha1", "base", "flags", "offset", "len")
	Ck(err)
	_, err = fmt.Fprintln(w, "-------- ----------------------------------------"+
		" -------- -------- -------- --------")
	Ck(err)
	for i := uint32(0); i < n; i++ {
		rec, err := rf.Record(i)
		Ck(err)
		basestr := "(none)"
		if rec.Base != NoRecord {
			basestr = fmt.Sprintf("#%d", rec.Base)
		}
		_, err = fmt.Fprintf(w, "#%-7d %40x %-8s %8x %8d %8d\n",
			i, rec.Sha, basestr, rec.Flags, rec.Offset, rec.Length)
		Ck(err)
	}
	return
}

// TotalTextSize returns the sum of the reconstructed sizes of every
// revision.  Diagnostic only; it reads back the entire history.
func (rf *Revfile) TotalTextSize() (total int64, err error) {
	defer Return(&err)
	n, err := rf.Len()
	Ck(err)
	for i := uint32(0); i < n; i++ {
		text, err := rf.Get(i)
		Ck(err)
		total += int64(len(text))
	}
	return total, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
