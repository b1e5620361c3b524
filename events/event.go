// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package events connects fuzzing workers. A worker fires events about
// its own progress and processes the events other workers fired.
// Simple serves a single in-process worker, Client and Broker connect
// worker processes over RPC.
package events

import (
	"fmt"
	"time"
)

// syncPeriod is how often workers talk to the broker.
const syncPeriod = 3 * time.Second

type Kind int

const (
	// NewTestcase carries an input admitted into a worker corpus.
	NewTestcase Kind = iota
	// Objective carries a solution.
	Objective
	// Stats carries the worker counters.
	Stats
)

func (k Kind) String() string {
	switch k {
	case NewTestcase:
		return "testcase"
	case Objective:
		return "objective"
	case Stats:
		return "stats"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Event struct {
	Kind Kind
	// Origin names the worker that fired the event.
	Origin  string
	Data    []byte
	Outcome string
	Output  []byte
	Stats   WorkerStats
}

// WorkerStats are the counters a worker reports, cumulative over restarts.
type WorkerStats struct {
	Corpus, Crashers, Execs, Cover, Restarts uint64
	LastNewInputTime, StartTime              time.Time
}

func (s WorkerStats) RestartsDenom() uint64 {
	if s.Execs != 0 && s.Restarts != 0 {
		return s.Execs / s.Restarts
	}
	return 0
}

func (s WorkerStats) ExecsPerSec() float64 {
	return float64(s.Execs) * 1e9 / float64(time.Since(s.StartTime))
}

func (s WorkerStats) String() string {
	return fmt.Sprintf("corpus: %v (%v ago), crashers: %v,"+
		" restarts: 1/%v, execs: %v (%.0f/sec), cover: %v, uptime: %v",
		s.Corpus, time.Since(s.LastNewInputTime).Truncate(time.Second),
		s.Crashers, s.RestartsDenom(), s.Execs, s.ExecsPerSec(), s.Cover,
		time.Since(s.StartTime).Truncate(time.Second),
	)
}

// Manager is the worker side of event exchange. Implementations are used
// from the fuzzing loop goroutine only.
type Manager interface {
	// Fire publishes an event. It does not block on the network.
	Fire(ev *Event) error
	// Process hands the events received from other workers to fn.
	Process(fn func(ev *Event) error) error
	// Close flushes pending events.
	Close() error
}
