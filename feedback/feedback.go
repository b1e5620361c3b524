// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package feedback decides whether a run is worth keeping (feedback)
// or is a bug (objective). Judges are a closed set of variants combined
// into a boolean expression tree.
//
// Evaluation is two-phase: IsInteresting only computes pending state,
// then the caller either commits it (the input was admitted) or discards it.
package feedback

import (
	"fmt"
	"time"

	"github.com/bradleyjkemp/greyfuzz/corpus"
	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/bradleyjkemp/greyfuzz/executor"
)

type Kind int

const (
	KindMapNovelty Kind = iota
	KindTime
	KindCrash
	KindTimeout
	KindStackUnique
	KindAnd
	KindOr
)

type Feedback struct {
	kind        Kind
	fast        bool
	left, right *Feedback

	evaluated bool

	// KindMapNovelty: global coverage state.
	obs     *coverage.MapObserver
	history []byte
	covered int

	// KindTime.
	time        *coverage.TimeObserver
	pendingTime time.Duration

	// KindStackUnique.
	sigs       map[corpus.Sig]struct{}
	pendingSig corpus.Sig
	crashed    bool
}

// MapNovelty is interesting iff the run reached an entry of the
// observer's snapshot above everything seen before.
func MapNovelty(obs *coverage.MapObserver) *Feedback {
	return &Feedback{
		kind:    KindMapNovelty,
		obs:     obs,
		history: make([]byte, obs.Len()),
	}
}

// Time is never interesting by itself; it records the execution time
// into admitted testcases.
func Time(obs *coverage.TimeObserver) *Feedback {
	return &Feedback{kind: KindTime, time: obs}
}

func Crash() *Feedback {
	return &Feedback{kind: KindCrash}
}

func Timeout() *Feedback {
	return &Feedback{kind: KindTimeout}
}

// StackUnique is interesting for crashes whose stack signature was not seen yet.
func StackUnique() *Feedback {
	return &Feedback{kind: KindStackUnique, sigs: make(map[corpus.Sig]struct{})}
}

// And evaluates both sides.
func And(a, b *Feedback) *Feedback {
	return &Feedback{kind: KindAnd, left: a, right: b}
}

// AndFast does not evaluate b when a is false.
func AndFast(a, b *Feedback) *Feedback {
	return &Feedback{kind: KindAnd, fast: true, left: a, right: b}
}

// Or evaluates both sides.
func Or(a, b *Feedback) *Feedback {
	return &Feedback{kind: KindOr, left: a, right: b}
}

// OrFast does not evaluate b when a is true.
func OrFast(a, b *Feedback) *Feedback {
	return &Feedback{kind: KindOr, fast: true, left: a, right: b}
}

func (f *Feedback) Kind() Kind {
	return f.kind
}

// IsInteresting judges the last run. The map observers must already
// hold the snapshot of that run.
func (f *Feedback) IsInteresting(res *executor.Result) bool {
	f.evaluated = true
	switch f.kind {
	case KindMapNovelty:
		return coverage.CompareCover(f.history, f.obs.Snapshot())
	case KindTime:
		f.pendingTime = res.Elapsed
		if f.time != nil && f.time.Last != 0 {
			f.pendingTime = f.time.Last
		}
		return false
	case KindCrash:
		return res.Outcome == executor.Crashed
	case KindTimeout:
		return res.Outcome == executor.TimedOut
	case KindStackUnique:
		f.crashed = res.Outcome == executor.Crashed
		if !f.crashed {
			return false
		}
		f.pendingSig = corpus.Hash(Signature(res.Output))
		_, seen := f.sigs[f.pendingSig]
		return !seen
	case KindAnd:
		a := f.left.IsInteresting(res)
		if f.fast && !a {
			f.right.Discard()
			return false
		}
		b := f.right.IsInteresting(res)
		return a && b
	case KindOr:
		a := f.left.IsInteresting(res)
		if f.fast && a {
			f.right.Discard()
			return true
		}
		b := f.right.IsInteresting(res)
		return a || b
	}
	panic(fmt.Sprintf("unknown feedback kind %v", f.kind))
}

// Commit applies the pending state of the last evaluation and fills the
// metadata of the admitted testcase.
func (f *Feedback) Commit(tc *corpus.Testcase) {
	if !f.evaluated {
		return
	}
	f.evaluated = false
	switch f.kind {
	case KindMapNovelty:
		f.covered = coverage.UpdateMaxCover(f.history, f.obs.Snapshot())
	case KindTime:
		tc.ExecTime = f.pendingTime
	case KindStackUnique:
		if f.crashed {
			f.sigs[f.pendingSig] = struct{}{}
		}
	case KindAnd, KindOr:
		f.left.Commit(tc)
		f.right.Commit(tc)
	}
}

// Discard drops the pending state of the last evaluation.
func (f *Feedback) Discard() {
	f.evaluated = false
	if f.left != nil {
		f.left.Discard()
		f.right.Discard()
	}
}

// Replay folds an already admitted testcase into the state,
// as if it had just been committed. Used when restoring a checkpoint.
func (f *Feedback) Replay(tc *corpus.Testcase) {
	switch f.kind {
	case KindMapNovelty:
		f.covered = coverage.UpdateMaxCover(f.history, coverage.Dense(tc.Cover, len(f.history)))
	case KindStackUnique:
		if tc.Outcome == executor.Crashed.String() && len(tc.Output) != 0 {
			f.sigs[corpus.Hash(Signature(tc.Output))] = struct{}{}
		}
	case KindAnd, KindOr:
		f.left.Replay(tc)
		f.right.Replay(tc)
	}
}

// Covered returns the number of covered map entries of the first
// map novelty judge in the tree.
func (f *Feedback) Covered() int {
	switch f.kind {
	case KindMapNovelty:
		return f.covered
	case KindAnd, KindOr:
		if n := f.left.Covered(); n != 0 {
			return n
		}
		return f.right.Covered()
	}
	return 0
}

func (f *Feedback) String() string {
	switch f.kind {
	case KindMapNovelty:
		return fmt.Sprintf("map(%v)", f.obs.Name)
	case KindTime:
		return "time"
	case KindCrash:
		return "crash"
	case KindTimeout:
		return "timeout"
	case KindStackUnique:
		return "stack-unique"
	case KindAnd, KindOr:
		op := "and"
		if f.kind == KindOr {
			op = "or"
		}
		if f.fast {
			op += "-fast"
		}
		return fmt.Sprintf("%v(%v, %v)", op, f.left, f.right)
	}
	return fmt.Sprintf("feedback(%d)", int(f.kind))
}
