// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dict loads tokens for the mutator: AFL-style dictionary files
// and literals harvested from Go packages.
package dict

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ParseFile reads an AFL-style dictionary file.
func ParseFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	toks, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return toks, nil
}

// Parse reads dictionary entries, one per line, of the form
//
//	name="value"
//	"value"
//
// Blank lines and lines starting with # are skipped. Values use Go
// string escapes, which cover the \xNN form of AFL dictionaries.
func Parse(r io.Reader) ([][]byte, error) {
	var toks [][]byte
	s := bufio.NewScanner(r)
	for ln := 1; s.Scan(); ln++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		q := strings.IndexByte(line, '"')
		if q < 0 || !strings.HasSuffix(line, `"`) || q == len(line)-1 {
			return nil, fmt.Errorf("line %v: malformed entry %q", ln, line)
		}
		if name := strings.TrimSpace(line[:q]); name != "" && !strings.HasSuffix(name, "=") {
			return nil, fmt.Errorf("line %v: malformed entry %q", ln, line)
		}
		v, err := strconv.Unquote(line[q:])
		if err != nil {
			return nil, fmt.Errorf("line %v: bad value %v: %w", ln, line[q:], err)
		}
		if v != "" {
			toks = append(toks, []byte(v))
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return Dedup(toks), nil
}

// Dedup sorts toks and drops duplicates.
func Dedup(toks [][]byte) [][]byte {
	sort.Slice(toks, func(i, j int) bool { return bytes.Compare(toks[i], toks[j]) < 0 })
	res := toks[:0]
	for i, t := range toks {
		if i == 0 || !bytes.Equal(t, toks[i-1]) {
			res = append(res, t)
		}
	}
	return res
}

// Write stores toks in the format read by Parse, one quoted value per line.
func Write(w io.Writer, toks [][]byte) error {
	bw := bufio.NewWriter(w)
	for _, t := range toks {
		if len(t) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%v\n", strconv.Quote(string(t))); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile replaces path with a dictionary holding toks.
func WriteFile(path string, toks [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, toks); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %v: %w", path, err)
	}
	return f.Close()
}
