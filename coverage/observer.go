// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coverage

import (
	"time"
)

// Observer is notified around every execution.
type Observer interface {
	PreExec()
	PostExec(elapsed time.Duration)
}

// MapObserver resets the map before a run and classifies it afterwards.
// The snapshot is owned by the observer and is overwritten by the next run.
type MapObserver struct {
	Name     string
	m        *Map
	counters bool
	snapshot []byte
}

func NewMapObserver(name string, m *Map, counters bool) *MapObserver {
	return &MapObserver{
		Name:     name,
		m:        m,
		counters: counters,
		snapshot: make([]byte, m.Len()),
	}
}

func (o *MapObserver) PreExec() {
	o.m.Reset()
}

func (o *MapObserver) PostExec(time.Duration) {
	for i, x := range o.m.Bytes() {
		o.snapshot[i] = RoundUpCover(x, o.counters)
	}
}

// Snapshot returns the classified counters of the last run.
func (o *MapObserver) Snapshot() []byte {
	return o.snapshot
}

// Edges returns a copy of the last snapshot in sparse form.
func (o *MapObserver) Edges() []Edge {
	return Sparse(o.snapshot)
}

func (o *MapObserver) Len() int {
	return len(o.snapshot)
}

// TimeObserver records the wall-clock duration of the last run.
type TimeObserver struct {
	Last time.Duration
}

func (o *TimeObserver) PreExec() {
	o.Last = 0
}

func (o *TimeObserver) PostExec(elapsed time.Duration) {
	o.Last = elapsed
}
