// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang/glog"

	"github.com/bradleyjkemp/greyfuzz/corpus"
)

const (
	initialInputs   = 8
	initialInputLen = 32
)

// LoadInitialInputs evaluates every file of dirs. Missing directories are skipped.
// It returns the number of admitted inputs.
func (f *Fuzzer) LoadInitialInputs(dirs ...string) (int, error) {
	admitted := 0
	for _, dir := range dirs {
		inputs, err := corpus.LoadDir(dir, f.cfg.MaxInputSize)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return admitted, err
		}
		for _, data := range inputs {
			v, err := f.Evaluate(data, "seed", 0)
			if err != nil {
				return admitted, err
			}
			if v == Admitted {
				admitted++
			}
		}
		glog.V(1).Infof("loaded %v inputs from %v", len(inputs), dir)
	}
	return admitted, nil
}

// GenerateInitialInputs evaluates n random printable inputs of the given size.
func (f *Fuzzer) GenerateInitialInputs(n, size int) (int, error) {
	admitted := 0
	for i := 0; i < n; i++ {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(' ' + f.rnd.Intn('~'-' '+1))
		}
		v, err := f.Evaluate(data, "generated", 0)
		if err != nil {
			return admitted, err
		}
		if v == Admitted {
			admitted++
		}
	}
	return admitted, nil
}

// Prepare fills an empty corpus: it evaluates the persisted corpus and the
// seed dirs, then generates random inputs, and admits the empty input as a last
// resort. A corpus restored from a checkpoint is left as is.
func (f *Fuzzer) Prepare(dirs ...string) error {
	if f.corpus.Count() != 0 {
		return nil
	}
	for _, tc := range f.queue.Testcases() {
		if _, err := f.Evaluate(tc.Data, "corpus", 0); err != nil {
			return err
		}
	}
	if _, err := f.LoadInitialInputs(dirs...); err != nil {
		return err
	}
	if f.corpus.Count() == 0 {
		if _, err := f.GenerateInitialInputs(initialInputs, min(initialInputLen, f.cfg.MaxInputSize)); err != nil {
			return err
		}
	}
	if f.corpus.Count() == 0 {
		if err := f.ForceAdd(nil, "empty"); err != nil {
			return fmt.Errorf("failed to add the empty input: %w", err)
		}
	}
	glog.Infof("worker %v: initial corpus has %v inputs", f.opts.Worker, f.corpus.Count())
	f.fireStats()
	return nil
}
