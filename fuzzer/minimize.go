// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"time"

	"github.com/golang/glog"

	"github.com/bradleyjkemp/greyfuzz/executor"
	"github.com/bradleyjkemp/greyfuzz/feedback"
)

// Minimize shrinks data for as long as pred keeps accepting the candidates.
// It gives up after limit and returns the smallest input found so far.
// pred must not retain the candidate.
func Minimize(data []byte, limit time.Duration, pred func(candidate []byte) bool) []byte {
	m := &minimizer{
		pred: pred,
		res:  append([]byte{}, data...),
		buf:  make([]byte, 0, len(data)),
	}
	if limit > 0 {
		m.deadline = time.Now().Add(limit)
	}
	for _, pass := range []func(){m.truncate, m.removeChunks, m.canonicalize} {
		if m.expired() {
			break
		}
		pass()
	}
	return m.res
}

type minimizer struct {
	pred     func([]byte) bool
	deadline time.Time
	res      []byte
	buf      []byte
}

func (m *minimizer) expired() bool {
	return !m.deadline.IsZero() && time.Now().After(m.deadline)
}

// try adopts candidate as the new result if pred accepts it.
func (m *minimizer) try(candidate []byte) bool {
	if m.expired() || !m.pred(candidate) {
		return false
	}
	m.res = append(m.res[:0], candidate...)
	return true
}

// truncate drops tails of shrinking power-of-two lengths.
func (m *minimizer) truncate() {
	step := 1
	for step*2 < len(m.res) {
		step *= 2
	}
	for ; step > 0; step /= 2 {
		for len(m.res) > step {
			if !m.try(m.res[:len(m.res)-step]) {
				break
			}
		}
	}
}

// removeChunks cuts out aligned chunks, halving the chunk size each round
// until single bytes are tried.
func (m *minimizer) removeChunks() {
	for size := len(m.res) / 2; size > 0; size /= 2 {
		for off := 0; off < len(m.res) && size < len(m.res); {
			if m.expired() {
				return
			}
			end := off + size
			if end > len(m.res) {
				end = len(m.res)
			}
			m.buf = append(append(m.buf[:0], m.res[:off]...), m.res[end:]...)
			if !m.try(m.buf) {
				off = end
			}
		}
	}
}

// canonicalize replaces bytes with '0' where that keeps pred happy.
func (m *minimizer) canonicalize() {
	for i := range m.res {
		if m.res[i] == '0' {
			continue
		}
		m.buf = append(m.buf[:0], m.res...)
		m.buf[i] = '0'
		if !m.try(m.buf) && m.expired() {
			return
		}
	}
}

// MinimizeCrash shrinks a crashing input while it keeps crashing on exec with
// the same stack signature. It returns the result, its output and the number
// of executions spent. Hanging inputs are not minimized: every attempt
// would take the whole timeout.
func MinimizeCrash(exec *executor.Executor, data, output []byte, limit time.Duration) ([]byte, []byte, int) {
	sig := feedback.Signature(output)
	execs := 0
	res := Minimize(data, limit, func(candidate []byte) bool {
		if exec.Tainted() {
			return false
		}
		execs++
		r := exec.Run(candidate)
		if r.Outcome != executor.Crashed || !bytes.Equal(feedback.Signature(r.Output), sig) {
			return false
		}
		output = r.Output
		return true
	})
	return res, output, execs
}

func (f *Fuzzer) minimizeCrash(data, output []byte, limit time.Duration) ([]byte, []byte) {
	res, output, execs := MinimizeCrash(f.exec, data, output, limit)
	f.statExecs.Add(execs)
	glog.V(1).Infof("minimized crasher from %v to %v bytes in %v execs", len(data), len(res), execs)
	return res, output
}
