package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"
	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"

	"github.com/anlambert/breezy/revfile"
)

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
}

var usage = `revfile - packed file revision storage

Usage:
  revfile [-f BASE] dump
  revfile [-f BASE] add [-n]
  revfile [-f BASE] add-delta BASEIDX [-n]
  revfile [-f BASE] get IDX [-o FILE]
  revfile [-f BASE] find-sha HEX
  revfile [-f BASE] total-text-size

Options:
  -f BASE    basename of the index/data file pair [default: testrev]
  -n         store without compression
  -o FILE    write the text atomically to FILE instead of stdout

add and add-delta read the new text from stdin and print its index.
`

type Opts struct {
	Dump          bool
	Add           bool
	AddDelta      bool   `docopt:"add-delta"`
	Get           bool
	FindSha       bool   `docopt:"find-sha"`
	TotalTextSize bool   `docopt:"total-text-size"`
	Base          string `docopt:"-f"`
	NoCompress    bool   `docopt:"-n"`
	Out           string `docopt:"-o"`
	BaseIdx       string `docopt:"BASEIDX"`
	Idx           string `docopt:"IDX"`
	Hex           string `docopt:"HEX"`
}

func main() {
	rc, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "revfile: %v\n", err)
		os.Exit(1)
	}
	os.Exit(rc)
}

func run(argv []string) (rc int, err error) {
	parsed, err := docopt.ParseArgs(usage, argv, "")
	if err != nil {
		return 1, err
	}
	var opts Opts
	err = parsed.Bind(&opts)
	if err != nil {
		return 1, err
	}

	rf, err := revfile.Open(opts.Base)
	if err != nil {
		return 1, err
	}
	defer rf.Close()

	switch {
	case opts.Dump:
		return 0, rf.Dump(os.Stdout)
	case opts.Add:
		return addText(rf, revfile.NoRecord, !opts.NoCompress)
	case opts.AddDelta:
		base, err := parseIndex(opts.BaseIdx)
		if err != nil {
			return 1, err
		}
		return addText(rf, base, !opts.NoCompress)
	case opts.Get:
		return getText(rf, opts.Idx, opts.Out)
	case opts.FindSha:
		return findSha(rf, opts.Hex)
	case opts.TotalTextSize:
		total, err := rf.TotalTextSize()
		if err != nil {
			return 1, err
		}
		fmt.Println(total)
		return 0, nil
	}
	return 1, fmt.Errorf("no command given")
}

func parseIndex(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return uint32(n), nil
}

func addText(rf *revfile.Revfile, base uint32, compress bool) (rc int, err error) {
	text, err := io.ReadAll(os.Stdin)
	if err != nil {
		return 1, err
	}
	idx, err := rf.Add(text, base, compress)
	if err != nil {
		return 1, err
	}
	fmt.Println(idx)
	return 0, nil
}

func getText(rf *revfile.Revfile, idxArg, out string) (rc int, err error) {
	idx, err := parseIndex(idxArg)
	if err != nil {
		return 1, err
	}
	text, err := rf.Get(idx)
	if err != nil {
		return 1, err
	}
	if out != "" {
		return 0, renameio.WriteFile(out, text, 0644)
	}
	_, err = os.Stdout.Write(text)
	return 0, err
}

func findSha(rf *revfile.Revfile, hexArg string) (rc int, err error) {
	bin, err := hex.DecodeString(hexArg)
	if err != nil || len(bin) != sha1.Size {
		return 1, fmt.Errorf("invalid sha1 %q", hexArg)
	}
	var sha [20]byte
	copy(sha[:], bin)
	idx, err := rf.FindSha(sha)
	if err != nil {
		fmt.Fprintln(os.Stderr, "no such record")
		return 1, nil
	}
	fmt.Println(idx)
	return 0, nil
}
