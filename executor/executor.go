// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package executor runs a harness in-process under a deadline and
// classifies every run as normal, crashed or timed out.
package executor

import (
	"bytes"
	"fmt"
	"runtime/debug"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/golang/glog"
)

type Outcome int

const (
	Normal Outcome = iota
	Crashed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Normal:
		return "normal"
	case Crashed:
		return "crashed"
	case TimedOut:
		return "timeout"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Harness is the target entry point. It records coverage into cov.
// A panic, a runtime.Goexit or a memory fault is a crash.
type Harness func(cov *coverage.Map, data []byte)

// Result is the transient outcome of one run.
type Result struct {
	Outcome Outcome
	Elapsed time.Duration
	// Output holds the panic message and stack for crashes and
	// a goroutine dump for timeouts.
	Output []byte
}

// Tracker is told which input is running, see shmem.Region.
type Tracker interface {
	Begin(data []byte)
	End()
}

const (
	stateIdle int32 = iota
	stateRunning
)

type Executor struct {
	harness   Harness
	cov       *coverage.Map
	observers []coverage.Observer
	timeout   time.Duration
	tracker   Tracker

	state   atomic.Int32
	tainted atomic.Bool
	execs   atomic.Uint64
	buf     []byte
}

// New creates an executor. Observers are notified around every run in order.
func New(harness Harness, cov *coverage.Map, timeout time.Duration, observers ...coverage.Observer) *Executor {
	return &Executor{
		harness:   harness,
		cov:       cov,
		observers: observers,
		timeout:   timeout,
	}
}

// SetTracker installs the inflight tracker. It must be called before the first Run.
func (e *Executor) SetTracker(t Tracker) {
	e.tracker = t
}

func (e *Executor) Map() *coverage.Map {
	return e.cov
}

func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

func (e *Executor) Execs() uint64 {
	return e.execs.Load()
}

// Tainted reports whether a timed out run left a goroutine behind.
// Such a goroutine may still write to the coverage map and to target globals,
// so the process should be replaced.
func (e *Executor) Tainted() bool {
	return e.tainted.Load()
}

// Run executes the harness on data. Runs of one executor never overlap.
func (e *Executor) Run(data []byte) Result {
	if !e.state.CompareAndSwap(stateIdle, stateRunning) {
		panic("executor: concurrent Run")
	}
	defer e.state.Store(stateIdle)
	e.execs.Add(1)

	if len(data) > coverage.MaxInputSize {
		data = data[:coverage.MaxInputSize]
	}
	// The target gets its own copy so it can not corrupt the caller's bytes.
	if cap(e.buf) < len(data) {
		e.buf = make([]byte, len(data))
	}
	input := e.buf[:len(data):len(data)]
	copy(input, data)

	for _, o := range e.observers {
		o.PreExec()
	}
	if e.tracker != nil {
		e.tracker.Begin(input)
	}

	done := make(chan Result, 1)
	start := time.Now()
	go e.runHarness(input, start, done)

	timer := time.NewTimer(e.timeout)
	var res Result
	select {
	case res = <-done:
		timer.Stop()
	case <-timer.C:
		res = Result{
			Outcome: TimedOut,
			Elapsed: time.Since(start),
			Output:  hangOutput(e.timeout),
		}
		// The goroutine can not be cancelled, it keeps the buffer.
		e.buf = nil
		e.tainted.Store(true)
		glog.Warningf("input hanged for %v, executor is tainted", e.timeout)
	}

	if e.tracker != nil {
		e.tracker.End()
	}
	for _, o := range e.observers {
		o.PostExec(res.Elapsed)
	}
	return res
}

func (e *Executor) runHarness(input []byte, start time.Time, done chan<- Result) {
	res := Result{Outcome: Normal}
	returned := false
	defer func() {
		if err := recover(); err != nil {
			res.Outcome = Crashed
			res.Output = []byte(fmt.Sprintf("panic: %v\n\n%s", err, debug.Stack()))
		} else if !returned {
			res.Outcome = Crashed
			res.Output = []byte(fmt.Sprintf("runtime.Goexit called by target\n\n%s", debug.Stack()))
		}
		res.Elapsed = time.Since(start)
		done <- res
	}()
	debug.SetPanicOnFault(true)
	e.harness(e.cov, input)
	returned = true
}

func hangOutput(timeout time.Duration) []byte {
	b := new(bytes.Buffer)
	fmt.Fprintf(b, "program hanged (timeout %v)\n\n", timeout)
	pprof.Lookup("goroutine").WriteTo(b, 2)
	return b.Bytes()
}
