// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/ulikunitz/xz"

	"github.com/bradleyjkemp/greyfuzz/corpus"
	"github.com/bradleyjkemp/greyfuzz/coverage"
)

// The state of a worker is a compressed base snapshot plus a journal of
// the admissions made since the snapshot was written.
const (
	baseName    = "base.gob.xz"
	journalName = "journal"
)

type snapshot struct {
	Origin    string
	Execs     uint64
	Restarts  uint64
	StartTime time.Time
	Testcases []*corpus.Testcase
}

const (
	recTestcase = "testcase"
	recSolution = "solution"
)

// record is one journal line.
type record struct {
	Kind     string          `json:"kind"`
	ID       corpus.ID       `json:"id,omitempty"`
	Data     []byte          `json:"data"`
	Cover    []coverage.Edge `json:"cover,omitempty"`
	ExecTime time.Duration   `json:"exec_time,omitempty"`
	Depth    int             `json:"depth,omitempty"`
	Origin   string          `json:"origin,omitempty"`
	Found    time.Time       `json:"found"`
	Outcome  string          `json:"outcome,omitempty"`
}

func testcaseRecord(tc *corpus.Testcase) *record {
	return &record{
		Kind:     recTestcase,
		ID:       tc.ID,
		Data:     tc.Data,
		Cover:    tc.Cover,
		ExecTime: tc.ExecTime,
		Depth:    tc.Depth,
		Origin:   tc.Origin,
		Found:    tc.Found,
	}
}

func solutionRecord(tc *corpus.Testcase) *record {
	return &record{
		Kind:    recSolution,
		Data:    tc.Data,
		Origin:  tc.Origin,
		Found:   tc.Found,
		Outcome: tc.Outcome,
	}
}

func (r *record) testcase() *corpus.Testcase {
	return &corpus.Testcase{
		ID:       r.ID,
		Data:     r.Data,
		Cover:    r.Cover,
		ExecTime: r.ExecTime,
		Depth:    r.Depth,
		Origin:   r.Origin,
		Found:    r.Found,
		Outcome:  r.Outcome,
	}
}

type checkpointer struct {
	dir     string
	journal *os.File
}

func openCheckpoint(dir string) (*checkpointer, error) {
	if err := os.MkdirAll(dir, corpus.DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &checkpointer{dir: dir}, nil
}

// load reads the base snapshot, if any, and the journal. An undecodable
// last journal line is a write torn by a kill and is ignored.
func (c *checkpointer) load() (*snapshot, []*record, error) {
	var snap *snapshot
	f, err := os.Open(filepath.Join(c.dir, baseName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("failed to open checkpoint: %w", err)
	default:
		defer f.Close()
		r, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		snap = new(snapshot)
		if err := gob.NewDecoder(r).Decode(snap); err != nil {
			return nil, nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(c.dir, journalName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to read journal: %w", err)
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	var recs []*record
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		rec := new(record)
		if err := json.Unmarshal(line, rec); err != nil {
			if i == len(lines)-1 {
				glog.Warningf("ignoring torn journal entry in %v: %v", c.dir, err)
				break
			}
			return nil, nil, fmt.Errorf("bad journal entry %v: %w", i+1, err)
		}
		recs = append(recs, rec)
	}
	return snap, recs, nil
}

// write replaces the base snapshot and empties the journal.
func (c *checkpointer) write(snap *snapshot) error {
	tmp, err := os.CreateTemp(c.dir, "."+baseName+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	bw := bufio.NewWriter(tmp)
	xw, err := xz.NewWriter(bw)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := gob.NewEncoder(xw).Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := xw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(c.dir, baseName)); err != nil {
		return err
	}
	// Entries of the old journal are all in the base now.
	if c.journal != nil {
		c.journal.Close()
	}
	c.journal, err = os.OpenFile(filepath.Join(c.dir, journalName),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND, corpus.DefaultFilePerm)
	return err
}

func (c *checkpointer) append(rec *record) error {
	if c.journal == nil {
		var err error
		c.journal, err = os.OpenFile(filepath.Join(c.dir, journalName),
			os.O_WRONLY|os.O_CREATE|os.O_APPEND, corpus.DefaultFilePerm)
		if err != nil {
			return err
		}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := c.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	return c.journal.Sync()
}

func (c *checkpointer) close() error {
	if c.journal == nil {
		return nil
	}
	err := c.journal.Close()
	c.journal = nil
	return err
}

// Checkpoint writes the base snapshot of the worker state.
func (f *Fuzzer) Checkpoint() error {
	if f.ckpt == nil {
		return nil
	}
	f.lastCkpt = time.Now()
	snap := &snapshot{
		Origin:    f.origin,
		Execs:     f.Execs(),
		Restarts:  f.restarts,
		StartTime: f.startTime,
		Testcases: f.corpus.Testcases(),
	}
	if err := f.ckpt.write(snap); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	glog.V(1).Infof("worker %v: checkpointed %v testcases", f.opts.Worker, len(snap.Testcases))
	return nil
}

// restore rebuilds the corpus, the feedback state and the scheduler state
// from the last checkpoint, then folds the journal into a fresh base.
func (f *Fuzzer) restore() error {
	snap, recs, err := f.ckpt.load()
	if err != nil {
		return err
	}
	if snap != nil || len(recs) != 0 {
		f.lastNewInput = time.Time{}
	}
	if snap != nil {
		f.origin = snap.Origin
		f.prevExecs = snap.Execs
		f.restarts = snap.Restarts
		f.startTime = snap.StartTime
		for _, tc := range snap.Testcases {
			if err := f.restoreTestcase(tc); err != nil {
				return err
			}
		}
	}
	for _, rec := range recs {
		switch rec.Kind {
		case recTestcase:
			if _, err := f.corpus.Get(rec.ID); err == nil {
				continue // already in the base
			}
			if err := f.restoreTestcase(rec.testcase()); err != nil {
				return err
			}
		case recSolution:
			if f.solutions.Contains(rec.Data) {
				continue
			}
			tc := rec.testcase()
			if _, err := f.solutions.Add(tc); err != nil {
				glog.Errorf("failed to restore solution: %v", err)
				continue
			}
			f.objective.Replay(tc)
		default:
			glog.Warningf("unknown journal entry kind %q", rec.Kind)
		}
	}
	if snap != nil || len(recs) != 0 {
		f.restarts++
		for _, tc := range f.corpus.Testcases() {
			if f.lastNewInput.IsZero() || tc.Found.After(f.lastNewInput) {
				f.lastNewInput = tc.Found
			}
		}
		if f.lastNewInput.IsZero() {
			f.lastNewInput = time.Now()
		}
		glog.Infof("worker %v: restored %v testcases", f.opts.Worker, f.corpus.Count())
	}
	return f.Checkpoint()
}

func (f *Fuzzer) restoreTestcase(tc *corpus.Testcase) error {
	if err := f.corpus.Restore(tc); err != nil {
		return fmt.Errorf("failed to restore testcase: %w", err)
	}
	f.feedback.Replay(tc)
	f.sched.OnAdd(tc)
	return nil
}
