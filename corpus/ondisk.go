// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	DefaultFilePerm = 0644
	DefaultDirPerm  = 0755
)

// OnDisk is a durable set of testcases, one file per distinct content,
// named by the sha1 of the content. Several processes may share a directory:
// every file is written under a temporary name and renamed into place.
type OnDisk struct {
	dir string

	// Retries bounds the attempts for one write, Backoff is the delay
	// before the second attempt and grows linearly.
	Retries int
	Backoff time.Duration

	mu      sync.Mutex
	entries []*Testcase
	index   map[ID]int
	sigs    map[Sig]ID
	next    ID
}

// NewOnDisk opens dir, creating it if needed, and loads the artifacts
// that previous runs left there.
func NewOnDisk(dir string) (*OnDisk, error) {
	if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", dir, err)
	}
	s := &OnDisk{
		dir:     dir,
		Retries: 3,
		Backoff: 100 * time.Millisecond,
		index:   make(map[ID]int),
		sigs:    make(map[Sig]ID),
		next:    1,
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", dir, err)
	}
	for _, f := range files {
		if f.IsDir() || strings.Contains(f.Name(), ".") {
			continue // sidecars and temporary files
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %v: %w", f.Name(), err)
		}
		tc := &Testcase{Data: data, Origin: "disk"}
		if out, err := os.ReadFile(filepath.Join(dir, f.Name()+".output")); err == nil {
			tc.Output = out
		}
		if info, err := f.Info(); err == nil {
			tc.Found = info.ModTime()
		}
		s.insert(Hash(data), tc)
	}
	return s, nil
}

func (s *OnDisk) Dir() string {
	return s.dir
}

// Path returns the file name used for data.
func (s *OnDisk) Path(data []byte) string {
	return filepath.Join(s.dir, Hash(data).String())
}

// Add persists tc before returning. Content that is already stored is
// not written again and the existing identifier is returned.
func (s *OnDisk) Add(tc *Testcase) (ID, error) {
	sig := Hash(tc.Data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sigs[sig]; ok {
		return id, nil
	}
	name := sig.String()
	if err := s.retry(func() error { return writeFileSync(s.dir, name, tc.Data) }); err != nil {
		return 0, fmt.Errorf("failed to persist %v: %w", name, err)
	}
	// The reproducer is safe at this point, sidecars are best effort.
	if len(tc.Output) != 0 {
		if err := writeFileSync(s.dir, name+".output", tc.Output); err != nil {
			glog.Errorf("failed to write output of %v: %v", name, err)
		}
	}
	if err := writeFileSync(s.dir, name+".quoted", Quote(tc.Data)); err != nil {
		glog.Errorf("failed to write quoted %v: %v", name, err)
	}
	if tc.Found.IsZero() {
		tc.Found = time.Now()
	}
	return s.insert(sig, tc), nil
}

func (s *OnDisk) insert(sig Sig, tc *Testcase) ID {
	tc.ID = s.next
	s.next++
	s.sigs[sig] = tc.ID
	s.index[tc.ID] = len(s.entries)
	s.entries = append(s.entries, tc)
	return tc.ID
}

func (s *OnDisk) retry(fn func() error) error {
	var err error
	for attempt := 0; attempt < max(s.Retries, 1); attempt++ {
		if attempt != 0 {
			time.Sleep(time.Duration(attempt) * s.Backoff)
		}
		if err = fn(); err == nil {
			return nil
		}
		glog.Warningf("write attempt %v failed: %v", attempt+1, err)
	}
	return err
}

func (s *OnDisk) Get(id ID) (*Testcase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return s.entries[idx], nil
}

func (s *OnDisk) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *OnDisk) IDs() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ID, len(s.entries))
	for i, tc := range s.entries {
		ids[i] = tc.ID
	}
	return ids
}

// Testcases returns the stored testcases in insertion order.
func (s *OnDisk) Testcases() []*Testcase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Testcase{}, s.entries...)
}

// Contains reports whether data is already stored.
func (s *OnDisk) Contains(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sigs[Hash(data)]
	return ok
}

// writeFileSync writes data to dir/name so that the file either exists
// with its full contents or does not exist at all, even across a power loss.
func writeFileSync(dir, name string, data []byte) error {
	f, err := os.CreateTemp(dir, "."+name+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, DefaultFilePerm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Quote renders data as a Go string literal split into 20-byte chunks,
// which simplifies creation of standalone reproducers.
func Quote(data []byte) []byte {
	var buf bytes.Buffer
	for i := 0; i < len(data); i += 20 {
		e := i + 20
		if e > len(data) {
			e = len(data)
		}
		fmt.Fprintf(&buf, "\t%q", data[i:e])
		if e != len(data) {
			fmt.Fprintf(&buf, " +")
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.Bytes()
}
