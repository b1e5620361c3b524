// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coverage

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestRoundUpCover(t *testing.T) {
	for x, want := range map[byte]byte{
		0: 0, 1: 1, 5: 5, 6: 8, 8: 8, 9: 16, 17: 32, 33: 64, 64: 64, 65: 255, 255: 255,
	} {
		assert.Equal(t, want, RoundUpCover(x, true), "counter %v", x)
	}
	assert.Equal(t, byte(0), RoundUpCover(0, false))
	assert.Equal(t, byte(255), RoundUpCover(1, false))
}

func TestMapSaturates(t *testing.T) {
	m := NewMap(16)
	for i := 0; i < 300; i++ {
		m.Hit(3)
	}
	m.Hit(16 + 1)
	assert.Equal(t, byte(255), m.Bytes()[3])
	assert.Equal(t, byte(1), m.Bytes()[1])
	m.Reset()
	assert.Equal(t, 0, CountEdges(m.Bytes()))
}

func TestVisitIsPathSensitive(t *testing.T) {
	m := NewMap(CoverSize)
	m.Visit(10)
	m.Visit(20)
	first := Sparse(m.Bytes())
	m.Reset()
	m.Visit(20)
	m.Visit(10)
	second := Sparse(m.Bytes())
	assert.NotEqual(t, first, second)
}

func TestMaxCoverMonotonic(t *testing.T) {
	base := make([]byte, 8)
	runs := [][]byte{
		{1, 0, 0, 0, 0, 0, 0, 0},
		{0, 2, 0, 0, 0, 0, 0, 0},
		{1, 0, 0, 0, 0, 0, 0, 0},
		{0, 1, 0, 8, 0, 0, 0, 0},
	}
	prev := 0
	for _, cur := range runs {
		n := UpdateMaxCover(base, cur)
		assert.GreaterOrEqual(t, n, prev)
		prev = n
	}
	assert.Equal(t, []byte{1, 2, 0, 8, 0, 0, 0, 0}, base)
	assert.False(t, CompareCover(base, runs[2]))
	assert.True(t, CompareCover(base, []byte{0, 0, 1, 0, 0, 0, 0, 0}))
	if diff := cmp.Diff([]Edge{{2, 1}, {3, 16}}, FindNewCover(base, []byte{0, 0, 1, 16, 0, 0, 0, 0})); diff != "" {
		t.Fatal(diff)
	}
}

func TestSparseDense(t *testing.T) {
	snap := []byte{0, 3, 0, 0, 255, 0}
	edges := Sparse(snap)
	assert.Equal(t, []Edge{{1, 3}, {4, 255}}, edges)
	assert.Equal(t, snap, Dense(edges, len(snap)))
	assert.Equal(t, []byte{0, 3}, Dense(edges, 2))
}

func TestMapObserver(t *testing.T) {
	m := NewMap(16)
	obs := NewMapObserver("edges", m, true)
	var tobs TimeObserver
	run := func(hits int) {
		obs.PreExec()
		tobs.PreExec()
		for i := 0; i < hits; i++ {
			m.Hit(2)
		}
		obs.PostExec(time.Millisecond)
		tobs.PostExec(time.Millisecond)
	}
	run(7)
	assert.Equal(t, []Edge{{2, 8}}, obs.Edges())
	assert.Equal(t, time.Millisecond, tobs.Last)
	// The observer never feeds one run's counters into the next one.
	run(1)
	assert.Equal(t, []Edge{{2, 1}}, obs.Edges())
	assert.Equal(t, byte(1), m.Bytes()[2])
}
