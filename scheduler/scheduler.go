// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scheduler picks the next corpus entry to mutate.
// Selection is deterministic for a fixed seed and corpus.
package scheduler

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/bradleyjkemp/greyfuzz/corpus"
)

var ErrEmpty = errors.New("corpus is empty")

type Scheduler interface {
	// OnAdd is called after tc was admitted to the corpus.
	OnAdd(tc *corpus.Testcase)
	Next() (corpus.ID, error)
}

// Rescorer is implemented by schedulers that cache testcase scores.
type Rescorer interface {
	Rescore()
}

// Queue rotates over the corpus in insertion order.
type Queue struct {
	c   *corpus.Corpus
	pos int
}

func NewQueue(c *corpus.Corpus) *Queue {
	return &Queue{c: c}
}

func (q *Queue) OnAdd(*corpus.Testcase) {}

func (q *Queue) Next() (corpus.ID, error) {
	n := q.c.Count()
	if n == 0 {
		return 0, ErrEmpty
	}
	if q.pos >= n {
		q.pos = 0
	}
	tc := q.c.At(q.pos)
	q.pos++
	return tc.ID, nil
}

// Weighted samples testcases proportionally to their PerfScore.
type Weighted struct {
	c   *corpus.Corpus
	rnd *rand.Rand

	ids   []corpus.ID
	sum   int64
	acc   []int64
	stale bool
}

func NewWeighted(c *corpus.Corpus, rnd *rand.Rand) *Weighted {
	return &Weighted{c: c, rnd: rnd, stale: true}
}

func weight(tc *corpus.Testcase) int64 {
	w := int64(tc.PerfScore)
	if w < 1 {
		w = 1
	}
	return w
}

func (w *Weighted) OnAdd(tc *corpus.Testcase) {
	if w.stale {
		return
	}
	w.push(tc)
}

func (w *Weighted) push(tc *corpus.Testcase) {
	w.sum += weight(tc)
	w.acc = append(w.acc, w.sum)
	w.ids = append(w.ids, tc.ID)
}

func (w *Weighted) Rescore() {
	w.stale = true
}

func (w *Weighted) Next() (corpus.ID, error) {
	if w.stale || len(w.ids) != w.c.Count() {
		w.ids, w.acc, w.sum = w.ids[:0], w.acc[:0], 0
		for _, tc := range w.c.Testcases() {
			w.push(tc)
		}
		w.stale = false
	}
	if len(w.ids) == 0 {
		return 0, ErrEmpty
	}
	randVal := w.rnd.Int63n(w.sum)
	idx := sort.Search(len(w.acc), func(i int) bool {
		return w.acc[i] > randVal
	})
	return w.ids[idx], nil
}
