// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer runs the fuzzing loop of one worker: select a corpus
// entry, mutate it, run the candidates and keep what the feedback
// and the objective judge worth keeping.
package fuzzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/bradleyjkemp/greyfuzz/config"
	"github.com/bradleyjkemp/greyfuzz/corpus"
	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/bradleyjkemp/greyfuzz/events"
	"github.com/bradleyjkemp/greyfuzz/executor"
	"github.com/bradleyjkemp/greyfuzz/feedback"
	"github.com/bradleyjkemp/greyfuzz/mutator"
	"github.com/bradleyjkemp/greyfuzz/scheduler"
	"github.com/bradleyjkemp/greyfuzz/stat"
)

var (
	// ErrShuttingDown is returned by Loop after its context was cancelled.
	ErrShuttingDown = errors.New("fuzzer is shutting down")
	// ErrRestart is returned by Loop when the process should be replaced
	// because a target fault may have corrupted its state.
	ErrRestart = errors.New("fuzzer needs a restart")
)

const (
	statsPeriod = 3 * time.Second
	// minimizeLimit bounds the time spent shrinking one crasher.
	minimizeLimit = 10 * time.Second
)

type Verdict int

const (
	Discarded Verdict = iota
	Admitted
	Solution
)

func (v Verdict) String() string {
	switch v {
	case Discarded:
		return "discarded"
	case Admitted:
		return "admitted"
	case Solution:
		return "solution"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Options are the per-process settings that are not part of the campaign config.
type Options struct {
	// Worker selects the checkpoint directory.
	Worker int
	// Restart makes Loop return ErrRestart after a new crash or hang, so
	// that a supervisor can replace the process. Without it a worker goes
	// on with a tainted executor after a hang.
	Restart bool
	// Tokens seed the dictionary mutations.
	Tokens [][]byte
	// Tracker publishes the running input, see shmem.Region.
	Tracker executor.Tracker
	// Checkpoint enables the journal and base snapshot in cfg.StateDir(Worker).
	Checkpoint bool
}

type Fuzzer struct {
	cfg  *config.Config
	opts Options
	rnd  *rand.Rand

	origin    string
	exec      *executor.Executor
	mapObs    *coverage.MapObserver
	timeObs   *coverage.TimeObserver
	feedback  *feedback.Feedback
	objective *feedback.Feedback

	corpus    *corpus.Corpus
	queue     *corpus.OnDisk
	solutions *corpus.OnDisk
	sched     scheduler.Scheduler
	mutator   *mutator.Havoc
	mgr       events.Manager
	ckpt      *checkpointer

	faulted      bool
	iterations   uint64
	prevExecs    uint64
	restarts     uint64
	startTime    time.Time
	lastNewInput time.Time
	lastStats    time.Time
	lastCkpt     time.Time

	stats        *stat.Set
	statExecs    *stat.Val
	statExecTime *stat.Val
	statSynced   *stat.Val
}

// New sets up a worker around harness. With opts.Checkpoint the state of a
// previous incarnation of the same worker is restored.
func New(cfg *config.Config, opts Options, harness executor.Harness, mgr events.Manager) (*Fuzzer, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	now := time.Now()
	f := &Fuzzer{
		cfg:          cfg,
		opts:         opts,
		rnd:          rand.New(rand.NewSource(seed + int64(opts.Worker))),
		origin:       uuid.NewString(),
		mgr:          mgr,
		corpus:       corpus.New(),
		startTime:    now,
		lastNewInput: now,
		lastStats:    now,
		lastCkpt:     now,
		stats:        stat.NewSet(),
	}

	cov := coverage.NewMap(cfg.MapSize)
	f.mapObs = coverage.NewMapObserver("edges", cov, cfg.Counters)
	f.timeObs = new(coverage.TimeObserver)
	f.exec = executor.New(harness, cov, cfg.Timeout, f.mapObs, f.timeObs)
	if opts.Tracker != nil {
		f.exec.SetTracker(opts.Tracker)
	}

	f.feedback = feedback.Or(feedback.MapNovelty(f.mapObs), feedback.Time(f.timeObs))
	crash := feedback.Crash()
	if cfg.Dedup {
		crash = feedback.AndFast(crash, feedback.StackUnique())
	}
	f.objective = feedback.OrFast(crash, feedback.Timeout())

	var err error
	if f.queue, err = corpus.NewOnDisk(cfg.CorpusDir()); err != nil {
		return nil, err
	}
	if f.solutions, err = corpus.NewOnDisk(cfg.CrashersDir()); err != nil {
		return nil, err
	}

	switch cfg.Scheduler {
	case config.SchedQueue:
		f.sched = scheduler.NewQueue(f.corpus)
	case config.SchedWeighted:
		m := scheduler.NewMinimizer(scheduler.NewWeighted(f.corpus, f.rnd), f.corpus, f.rnd)
		m.SkipProb = 0
		f.sched = m
	default:
		f.sched = scheduler.NewMinimizer(scheduler.NewQueue(f.corpus), f.corpus, f.rnd)
	}

	f.mutator = mutator.New(f.rnd, cfg.MaxInputSize)
	f.mutator.Tokens = opts.Tokens
	f.mutator.Splice = f.randomInput

	f.initStats()
	for _, tc := range f.solutions.Testcases() {
		if tc.Outcome == "" {
			tc.Outcome = outcomeOf(tc.Output).String()
		}
		f.objective.Replay(tc)
	}
	if opts.Checkpoint {
		if f.ckpt, err = openCheckpoint(cfg.StateDir(opts.Worker)); err != nil {
			return nil, err
		}
		if err := f.restore(); err != nil {
			return nil, err
		}
	}
	glog.V(1).Infof("worker %v: feedback %v, objective %v, scheduler %v",
		opts.Worker, f.feedback, f.objective, cfg.Scheduler)
	return f, nil
}

func (f *Fuzzer) initStats() {
	f.statExecs = f.stats.New("exec total", "Total executions", stat.Rate{}, stat.Console)
	f.statExecTime = f.stats.New("exec time", "Execution time of one input", stat.Distribution{}, stat.FormatDuration)
	f.statSynced = f.stats.New("synced", "Testcases received from other workers")
	f.stats.New("corpus", "Number of corpus entries", stat.Console, func() int { return f.corpus.Count() })
	f.stats.New("crashers", "Number of solutions", stat.Console, func() int { return f.solutions.Count() })
	f.stats.New("cover", "Covered map entries", stat.Console, func() int { return f.feedback.Covered() })
}

func (f *Fuzzer) Corpus() *corpus.Corpus       { return f.corpus }
func (f *Fuzzer) Solutions() *corpus.OnDisk    { return f.solutions }
func (f *Fuzzer) Executor() *executor.Executor { return f.exec }
func (f *Fuzzer) Stats() *stat.Set             { return f.stats }
func (f *Fuzzer) Origin() string               { return f.origin }

// Execs returns the number of executions, including those of previous
// incarnations restored from a checkpoint.
func (f *Fuzzer) Execs() uint64 {
	return f.prevExecs + uint64(f.statExecs.Val())
}

func (f *Fuzzer) randomInput() []byte {
	n := f.corpus.Count()
	if n == 0 {
		return nil
	}
	return f.corpus.At(f.rnd.Intn(n)).Data
}

// Evaluate runs data once and decides its fate. The objective is judged
// first; a solution never enters the corpus.
func (f *Fuzzer) Evaluate(data []byte, origin string, depth int) (Verdict, error) {
	res := f.exec.Run(data)
	f.statExecs.Add(1)
	f.statExecTime.Add(int(res.Elapsed))

	if f.objective.IsInteresting(&res) {
		f.feedback.IsInteresting(&res)
		f.feedback.Discard()
		f.addSolution(data, &res, origin, depth)
		return Solution, nil
	}
	f.objective.Discard()

	if !f.feedback.IsInteresting(&res) || res.Outcome != executor.Normal {
		f.feedback.Discard()
		return Discarded, nil
	}
	if err := f.admit(data, origin, depth); err != nil {
		return Discarded, err
	}
	return Admitted, nil
}

// admit adds the last run to the corpus. The observers must still hold its snapshot.
func (f *Fuzzer) admit(data []byte, origin string, depth int) error {
	tc := &corpus.Testcase{
		Data:   append([]byte{}, data...),
		Cover:  f.mapObs.Edges(),
		Depth:  depth,
		Origin: origin,
	}
	f.feedback.Commit(tc)
	if _, err := f.corpus.Add(tc); err != nil {
		return err
	}
	f.sched.OnAdd(tc)
	f.lastNewInput = tc.Found
	if _, err := f.queue.Add(&corpus.Testcase{Data: tc.Data}); err != nil {
		glog.Errorf("failed to persist corpus entry: %v", err)
	}
	if f.ckpt != nil {
		if err := f.ckpt.append(testcaseRecord(tc)); err != nil {
			glog.Errorf("failed to journal testcase %v: %v", tc.ID, err)
		}
	}
	if glog.V(2) {
		glog.Infof("new input %v [%v bytes] from %v, cover %v", tc.ID, len(tc.Data), origin, f.feedback.Covered())
	}
	return f.mgr.Fire(&events.Event{Kind: events.NewTestcase, Origin: f.origin, Data: tc.Data})
}

func (f *Fuzzer) addSolution(data []byte, res *executor.Result, origin string, depth int) {
	tc := &corpus.Testcase{
		Data:    append([]byte{}, data...),
		Depth:   depth,
		Origin:  origin,
		Outcome: res.Outcome.String(),
		Output:  res.Output,
	}
	f.objective.Commit(tc)
	if f.opts.Restart {
		f.faulted = true
	}
	// The input as found is stored before any further execution.
	if !f.storeSolution(tc) || !f.cfg.Minimize || res.Outcome != executor.Crashed {
		return
	}
	small := *tc
	small.ID = 0
	small.Origin = "minimize"
	small.Data, small.Output = f.minimizeCrash(tc.Data, tc.Output, minimizeLimit)
	if len(small.Data) < len(tc.Data) {
		f.storeSolution(&small)
	}
}

// storeSolution persists tc unless its content is already stored,
// and reports whether it did.
func (f *Fuzzer) storeSolution(tc *corpus.Testcase) bool {
	if f.solutions.Contains(tc.Data) {
		return false
	}
	if _, err := f.solutions.Add(tc); err != nil {
		glog.Errorf("failed to save crasher: %v", err)
		return false
	}
	glog.Infof("found %v input, saved as %v", tc.Outcome, f.solutions.Path(tc.Data))
	if f.ckpt != nil {
		if err := f.ckpt.append(solutionRecord(tc)); err != nil {
			glog.Errorf("failed to journal solution: %v", err)
		}
	}
	ev := &events.Event{Kind: events.Objective, Origin: f.origin, Data: tc.Data, Outcome: tc.Outcome, Output: tc.Output}
	if err := f.mgr.Fire(ev); err != nil {
		glog.Errorf("failed to report solution: %v", err)
	}
	return true
}

// outcomeOf guesses the outcome of a solution loaded from disk.
func outcomeOf(output []byte) executor.Outcome {
	if bytes.HasPrefix(output, []byte("program hanged")) {
		return executor.TimedOut
	}
	return executor.Crashed
}

// ForceAdd admits data to the corpus regardless of the feedback verdict.
// Crashing inputs are refused.
func (f *Fuzzer) ForceAdd(data []byte, origin string) error {
	res := f.exec.Run(data)
	f.statExecs.Add(1)
	if res.Outcome != executor.Normal {
		return fmt.Errorf("input %v", res.Outcome)
	}
	f.feedback.IsInteresting(&res)
	return f.admit(data, origin, 0)
}

// FuzzOne selects one corpus entry and runs a mutation stage on it.
// The number of candidates grows with the entry's score.
func (f *Fuzzer) FuzzOne(ctx context.Context) error {
	id, err := f.sched.Next()
	if err != nil {
		return err
	}
	tc, err := f.corpus.Get(id)
	if err != nil {
		return err
	}
	tc.Selected++
	n := f.stageIterations(tc)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return ErrShuttingDown
		}
		if f.budgetSpent() {
			return nil
		}
		candidate := f.mutator.Mutate(tc.Data)
		f.iterations++
		if _, err := f.Evaluate(candidate, f.origin, tc.Depth+1); err != nil {
			return err
		}
		if f.faulted {
			return ErrRestart
		}
	}
	return nil
}

func (f *Fuzzer) stageIterations(tc *corpus.Testcase) int {
	score := tc.PerfScore
	if score <= 0 {
		score = 100
	}
	return max(1, int(float64(1+f.rnd.Intn(128))*score/100))
}

func (f *Fuzzer) budgetSpent() bool {
	return f.cfg.Iterations != 0 && f.iterations >= f.cfg.Iterations
}

// Loop fuzzes until the iteration budget is spent (returning nil), ctx is
// cancelled (ErrShuttingDown) or, in restart mode, the target faulted
// (ErrRestart). The state is checkpointed before Loop returns.
func (f *Fuzzer) Loop(ctx context.Context) error {
	if f.corpus.Count() == 0 {
		return fmt.Errorf("can not fuzz: %w", scheduler.ErrEmpty)
	}
	var err error
	for err == nil {
		if ctx.Err() != nil {
			err = ErrShuttingDown
			break
		}
		if f.budgetSpent() {
			break
		}
		if perr := f.mgr.Process(f.onEvent); perr != nil {
			glog.Warningf("failed to process events: %v", perr)
		}
		err = f.FuzzOne(ctx)
		if f.faulted && err == nil {
			err = ErrRestart
		}
		if err == nil {
			f.periodic()
		}
	}
	if cerr := f.Checkpoint(); cerr != nil {
		glog.Errorf("failed to checkpoint: %v", cerr)
	}
	f.fireStats()
	return err
}

func (f *Fuzzer) periodic() {
	if time.Since(f.lastStats) >= statsPeriod {
		f.fireStats()
	}
	if f.ckpt != nil && f.cfg.CheckpointEvery != 0 && time.Since(f.lastCkpt) >= f.cfg.CheckpointEvery {
		if err := f.Checkpoint(); err != nil {
			glog.Errorf("failed to checkpoint: %v", err)
		}
	}
}

func (f *Fuzzer) onEvent(ev *events.Event) error {
	if ev.Kind != events.NewTestcase || ev.Origin == f.origin {
		return nil
	}
	f.statSynced.Add(1)
	_, err := f.Evaluate(ev.Data, ev.Origin, 0)
	return err
}

// WorkerStats returns the counters reported to the event manager.
func (f *Fuzzer) WorkerStats() events.WorkerStats {
	return events.WorkerStats{
		Corpus:           uint64(f.corpus.Count()),
		Crashers:         uint64(f.solutions.Count()),
		Execs:            f.Execs(),
		Cover:            uint64(f.feedback.Covered()),
		Restarts:         f.restarts,
		StartTime:        f.startTime,
		LastNewInputTime: f.lastNewInput,
	}
}

func (f *Fuzzer) fireStats() {
	f.lastStats = time.Now()
	if glog.V(1) {
		for _, ui := range f.stats.Collect(stat.All) {
			glog.Infof("worker %v: %v: %v", f.opts.Worker, ui.Name, ui.Value)
		}
	}
	if err := f.mgr.Fire(&events.Event{Kind: events.Stats, Origin: f.origin, Stats: f.WorkerStats()}); err != nil {
		glog.Errorf("failed to report stats: %v", err)
	}
}

// Close flushes the state and the event manager.
func (f *Fuzzer) Close() error {
	var err error
	if f.ckpt != nil {
		err = f.ckpt.close()
	}
	if merr := f.mgr.Close(); err == nil {
		err = merr
	}
	return err
}
