// Package delta computes and applies binary diffs between two byte
// sequences.
//
// A patch is a series of replacement hunks, each giving a byte range
// of the base text and the bytes that replace it:
//
//	start uvarint | end uvarint | n uvarint | data[n]
//
// Hunks are ordered by start offset and never overlap.  Applying a
// patch copies the base text outside the hunk ranges and the hunk
// data inside them, so Apply(base, Diff(base, target)) reproduces
// target exactly for any pair of byte strings, including empty ones
// and ones that are not valid UTF-8.
package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FormatError reports a structurally invalid patch: truncated hunks,
// ranges outside the base text, or hunks out of order.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bad patch: %s", e.Reason)
}

// Diff returns a patch that transforms base into target when passed
// to Apply.  An empty patch means the texts are identical.
func Diff(base, target []byte) (patch []byte) {
	// trim the common prefix and suffix; most revisions of a file
	// share almost all of their content
	p := 0
	for p < len(base) && p < len(target) && base[p] == target[p] {
		p++
	}
	s := 0
	for s < len(base)-p && s < len(target)-p && base[len(base)-1-s] == target[len(target)-1-s] {
		s++
	}
	mbase := base[p : len(base)-s]
	mtarget := target[p : len(target)-s]
	if len(mbase) == 0 && len(mtarget) == 0 {
		return nil
	}

	// diffmatchpatch round-trips runes, not bytes, so only refine the
	// middle when it is valid UTF-8; otherwise one replacement hunk
	// covers it
	if utf8.Valid(mbase) && utf8.Valid(mtarget) {
		if refined := refine(p, mbase, mtarget); refined != nil {
			return refined
		}
	}
	return appendHunk(nil, p, len(base)-s, mtarget)
}

// refine splits the differing middle of the two texts into smaller
// hunks.  off is the absolute offset of the middle within the base.
func refine(off int, mbase, mtarget []byte) (patch []byte) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(mbase), string(mtarget), false)
	diffs = dmp.DiffCleanupEfficiency(diffs)

	pos := off // position in base
	start := -1
	end := 0
	var repl []byte
	flush := func() {
		if start >= 0 {
			patch = appendHunk(patch, start, end, repl)
			start = -1
			repl = nil
		}
	}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += len(d.Text)
		case diffmatchpatch.DiffDelete:
			if start < 0 {
				start, end = pos, pos
			}
			end += len(d.Text)
			pos += len(d.Text)
		case diffmatchpatch.DiffInsert:
			if start < 0 {
				start, end = pos, pos
			}
			repl = append(repl, d.Text...)
		}
	}
	flush()
	return patch
}

func appendHunk(patch []byte, start, end int, repl []byte) []byte {
	var buf [3 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(start))
	n += binary.PutUvarint(buf[n:], uint64(end))
	n += binary.PutUvarint(buf[n:], uint64(len(repl)))
	patch = append(patch, buf[:n]...)
	return append(patch, repl...)
}

// Apply reconstructs the target text from base and patch.  It is
// deterministic, never modifies its inputs, and never reads outside
// base; a malformed patch yields a FormatError.
func Apply(base, patch []byte) (target []byte, err error) {
	target = make([]byte, 0, len(base))
	br := bytes.NewReader(patch)
	pos := 0
	for br.Len() > 0 {
		start, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, &FormatError{"truncated hunk header"}
		}
		end, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, &FormatError{"truncated hunk header"}
		}
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, &FormatError{"truncated hunk header"}
		}
		if start > end || end > uint64(len(base)) || start < uint64(pos) {
			return nil, &FormatError{fmt.Sprintf("hunk range %d:%d out of order or out of bounds", start, end)}
		}
		repl := make([]byte, n)
		if _, err := io.ReadFull(br, repl); err != nil {
			return nil, &FormatError{"truncated hunk data"}
		}
		target = append(target, base[pos:start]...)
		target = append(target, repl...)
		pos = int(end)
	}
	target = append(target, base[pos:]...)
	return target, nil
}
