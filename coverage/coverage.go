// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package coverage holds the edge counter map shared between a target and
// the engine, and the observers that turn it into per-run snapshots.
package coverage

const (
	CoverSize    = 64 << 10
	MaxInputSize = 1 << 20
)

// Map holds the hit counters of one execution.
// Instrumented code bumps a counter every time it traverses an edge;
// the executor resets the map before every run.
type Map struct {
	counters []byte

	// prev stores the id of the previous coverage point.
	// It is combined with the current id to decide which counter to bump,
	// giving a cheap approximation of path coverage instead of line coverage.
	prev uint32
}

// NewMap returns a zeroed map with size counters. Size 0 means CoverSize.
func NewMap(size int) *Map {
	if size <= 0 {
		size = CoverSize
	}
	return &Map{counters: make([]byte, size)}
}

func (m *Map) Len() int {
	return len(m.counters)
}

// Reset zeroes every counter.
func (m *Map) Reset() {
	for i := range m.counters {
		m.counters[i] = 0
	}
	m.prev = 0
}

// Hit bumps the counter of edge idx. Counters saturate at 255
// so that a hot loop never wraps back to "not covered".
func (m *Map) Hit(idx int) {
	i := uint(idx) % uint(len(m.counters))
	if m.counters[i] != 255 {
		m.counters[i]++
	}
}

// Visit records a transition into location loc.
// The edge index is derived from loc and the previously visited location.
func (m *Map) Visit(loc uint32) {
	m.Hit(int(loc ^ m.prev))
	m.prev = loc >> 1
}

// Bytes returns the raw counters. The slice aliases the map and
// must not be retained across executions.
func (m *Map) Bytes() []byte {
	return m.counters
}
