// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"math/rand"
	"sort"

	"github.com/bradleyjkemp/greyfuzz/corpus"
	"github.com/golang/glog"
)

const (
	minScore = 1.0
	maxScore = 1000.0
	defScore = 10.0

	// DefaultSkipProb is the chance to pass over a testcase that is not favored.
	DefaultSkipProb = 0.95
)

// Minimizer keeps, for every covered edge, the smallest and then fastest
// testcase covering it. The union of those testcases is the favored set;
// other testcases are mostly skipped. Scores of all testcases are
// recomputed whenever the favored set may have changed.
type Minimizer struct {
	base     Scheduler
	c        *corpus.Corpus
	rnd      *rand.Rand
	SkipProb float64

	topRated map[uint32]corpus.ID
	favored  int
	dirty    bool
}

func NewMinimizer(base Scheduler, c *corpus.Corpus, rnd *rand.Rand) *Minimizer {
	return &Minimizer{
		base:     base,
		c:        c,
		rnd:      rnd,
		SkipProb: DefaultSkipProb,
		topRated: make(map[uint32]corpus.ID),
	}
}

// better orders testcases by length, then by execution time.
// Equal testcases do not displace each other, so the first one discovered wins.
func better(a, b *corpus.Testcase) bool {
	if len(a.Data) != len(b.Data) {
		return len(a.Data) < len(b.Data)
	}
	return a.ExecTime < b.ExecTime
}

func (m *Minimizer) OnAdd(tc *corpus.Testcase) {
	m.base.OnAdd(tc)
	tc.PerfScore = defScore
	for _, e := range tc.Cover {
		cur, ok := m.topRated[e.Index]
		if ok {
			old, err := m.c.Get(cur)
			if err == nil && !better(tc, old) {
				continue
			}
		}
		m.topRated[e.Index] = tc.ID
	}
	m.dirty = true
}

func (m *Minimizer) Next() (corpus.ID, error) {
	if m.dirty {
		m.cull()
		m.dirty = false
	}
	n := m.c.Count()
	if n == 0 {
		return 0, ErrEmpty
	}
	for attempt := 0; ; attempt++ {
		id, err := m.base.Next()
		if err != nil {
			return 0, err
		}
		tc, err := m.c.Get(id)
		if err != nil {
			return 0, err
		}
		if tc.Favored || m.favored == 0 || attempt >= 4*n || m.rnd.Float64() >= m.SkipProb {
			return id, nil
		}
	}
}

// Favored returns the size of the favored set.
func (m *Minimizer) Favored() int {
	return m.favored
}

// cull recomputes the favored set greedily over edges in index order.
func (m *Minimizer) cull() {
	edges := make([]uint32, 0, len(m.topRated))
	for e := range m.topRated {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })

	all := m.c.Testcases()
	for _, tc := range all {
		tc.Favored = false
	}
	covered := make(map[uint32]bool)
	m.favored = 0
	for _, e := range edges {
		if covered[e] {
			continue
		}
		tc, err := m.c.Get(m.topRated[e])
		if err != nil {
			glog.Errorf("top rated testcase for edge %v: %v", e, err)
			continue
		}
		if !tc.Favored {
			tc.Favored = true
			m.favored++
		}
		for _, x := range tc.Cover {
			covered[x.Index] = true
		}
	}
	rescore(all)
	if r, ok := m.base.(Rescorer); ok {
		r.Rescore()
	}
	glog.V(2).Infof("culled corpus: %v testcases, %v favored, %v edges", len(all), m.favored, len(edges))
}
