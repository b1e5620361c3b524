// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/greyfuzz/config"
	"github.com/bradleyjkemp/greyfuzz/corpus"
	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/bradleyjkemp/greyfuzz/events"
	"github.com/bradleyjkemp/greyfuzz/executor"
)

// abcTarget crashes on the exact input "abc" and rewards every matching prefix.
func abcTarget(cov *coverage.Map, data []byte) {
	cov.Hit(0)
	if len(data) > 0 && data[0] == 'a' {
		cov.Hit(1)
		if len(data) > 1 && data[1] == 'b' {
			cov.Hit(2)
			if len(data) > 2 && data[2] == 'c' {
				cov.Hit(3)
				if len(data) == 3 {
					panic("abc")
				}
			}
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Workdir = t.TempDir()
	cfg.MapSize = 16
	cfg.MaxInputSize = 64
	cfg.Timeout = 5 * time.Second
	cfg.Seed = 1
	return cfg
}

func newFuzzer(t *testing.T, cfg *config.Config, opts Options, harness executor.Harness) (*Fuzzer, *events.Simple) {
	mgr := events.NewSimple()
	f, err := New(cfg, opts, harness, mgr)
	require.NoError(t, err)
	return f, mgr
}

func TestFindsCrash(t *testing.T) {
	cfg := testConfig(t)
	f, mgr := newFuzzer(t, cfg, Options{}, abcTarget)
	v, err := f.Evaluate([]byte("seed"), "seed", 0)
	require.NoError(t, err)
	require.Equal(t, Admitted, v)

	ctx := context.Background()
	for i := 0; i < 2000000 && f.Solutions().Count() == 0; i++ {
		require.NoError(t, f.FuzzOne(ctx))
	}
	require.Equal(t, 1, f.Solutions().Count())
	sol, err := f.Solutions().Get(f.Solutions().IDs()[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), sol.Data)
	assert.Equal(t, "crashed", sol.Outcome)
	assert.Contains(t, string(sol.Output), "panic: abc")
	assert.Equal(t, 1, mgr.Crashers)

	// The solution is persisted byte for byte with its sidecars.
	path := f.Solutions().Path([]byte("abc"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.FileExists(t, path+".output")
	assert.FileExists(t, path+".quoted")
	for _, tc := range f.Corpus().Testcases() {
		assert.NotEqual(t, []byte("abc"), tc.Data, "solutions never enter the corpus")
	}
}

func TestNoNoveltyNoAdmission(t *testing.T) {
	cfg := testConfig(t)
	f, _ := newFuzzer(t, cfg, Options{}, func(cov *coverage.Map, data []byte) {
		cov.Hit(0)
	})
	v, err := f.Evaluate([]byte("seed"), "seed", 0)
	require.NoError(t, err)
	require.Equal(t, Admitted, v)
	cfg.Iterations = 3000
	require.NoError(t, f.Loop(context.Background()))
	assert.Equal(t, 1, f.Corpus().Count())
	assert.GreaterOrEqual(t, f.Execs(), uint64(3000))
	assert.Equal(t, 1, f.feedback.Covered())
}

func TestRestoreAfterKill(t *testing.T) {
	cfg := testConfig(t)
	opts := Options{Worker: 3, Checkpoint: true}
	f1, _ := newFuzzer(t, cfg, opts, abcTarget)
	for _, in := range []string{"x", "a", "ab", "abd"} {
		_, err := f1.Evaluate([]byte(in), "seed", 0)
		require.NoError(t, err)
	}
	require.NoError(t, f1.Checkpoint())
	// Admissions after the last checkpoint are only in the journal.
	_, err := f1.Evaluate([]byte("abcd"), "seed", 0)
	require.NoError(t, err)
	before := f1.Corpus().Count()
	require.Equal(t, 4, before)
	ids := f1.Corpus().IDs()

	// The process dies in the middle of a journal write.
	journal, err := os.OpenFile(filepath.Join(cfg.StateDir(3), journalName), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = journal.Write([]byte(`{"kind":"testcase","id":9,"da`))
	require.NoError(t, err)
	journal.Close()

	f2, _ := newFuzzer(t, cfg, opts, abcTarget)
	assert.GreaterOrEqual(t, f2.Corpus().Count(), before)
	for _, id := range ids {
		tc1, err := f1.Corpus().Get(id)
		require.NoError(t, err)
		tc2, err := f2.Corpus().Get(id)
		require.NoError(t, err)
		assert.Equal(t, tc1.Data, tc2.Data)
		assert.Equal(t, tc1.Cover, tc2.Cover)
	}
	assert.Equal(t, f1.Origin(), f2.Origin())
	assert.Equal(t, uint64(1), f2.restarts)
	assert.Equal(t, f1.feedback.Covered(), f2.feedback.Covered())

	// Known inputs are not novel for the restored worker.
	v, err := f2.Evaluate([]byte("abd"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, Discarded, v)
	require.NoError(t, f2.Close())
}

func TestRestartOnCrash(t *testing.T) {
	cfg := testConfig(t)
	f, _ := newFuzzer(t, cfg, Options{Restart: true, Checkpoint: true}, abcTarget)
	_, err := f.Evaluate([]byte("ab"), "seed", 0)
	require.NoError(t, err)
	v, err := f.Evaluate([]byte("abc"), "seed", 0)
	require.NoError(t, err)
	require.Equal(t, Solution, v)
	assert.ErrorIs(t, f.Loop(context.Background()), ErrRestart)

	// The solution survives in the crashers dir and the journal was folded into the base.
	f2, _ := newFuzzer(t, cfg, Options{Restart: true, Checkpoint: true}, abcTarget)
	assert.Equal(t, 1, f2.Solutions().Count())
	assert.Equal(t, f.Corpus().Count(), f2.Corpus().Count())
}

func TestLoopShutdown(t *testing.T) {
	cfg := testConfig(t)
	f, _ := newFuzzer(t, cfg, Options{Checkpoint: true}, abcTarget)
	require.NoError(t, f.Prepare())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Loop(ctx), ErrShuttingDown)
	assert.FileExists(t, filepath.Join(cfg.StateDir(0), baseName))
}

func TestLoopEmptyCorpus(t *testing.T) {
	f, _ := newFuzzer(t, testConfig(t), Options{}, abcTarget)
	assert.Error(t, f.Loop(context.Background()))
}

func TestHangIsSolution(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeout = 100 * time.Millisecond
	block := make(chan struct{})
	defer close(block)
	f, _ := newFuzzer(t, cfg, Options{}, func(cov *coverage.Map, data []byte) {
		if bytes.Equal(data, []byte("hang")) {
			<-block
		}
	})
	v, err := f.Evaluate([]byte("hang"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, Solution, v)
	sol, err := f.Solutions().Get(f.Solutions().IDs()[0])
	require.NoError(t, err)
	assert.Equal(t, "timeout", sol.Outcome)
	assert.True(t, f.Executor().Tainted())
}

func boomTarget(cov *coverage.Map, data []byte) {
	if len(data) > 0 {
		panic("boom")
	}
}

func TestDedupByStack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dedup = true
	f, _ := newFuzzer(t, cfg, Options{}, boomTarget)
	// Signatures are only computed for runs that crashed.
	assert.Equal(t, "or-fast(and-fast(crash, stack-unique), timeout)", f.objective.String())
	v, err := f.Evaluate([]byte("1"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, Solution, v)
	v, err = f.Evaluate([]byte("2"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, Discarded, v)
	assert.Equal(t, 1, f.Solutions().Count())

	// Known signatures are rebuilt from the crashers dir.
	f2, _ := newFuzzer(t, cfg, Options{}, boomTarget)
	v, err = f2.Evaluate([]byte("3"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, Discarded, v)
}

func TestPrepare(t *testing.T) {
	cfg := testConfig(t)
	seeds := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "1"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "2"), []byte("ab"), 0644))
	f, _ := newFuzzer(t, cfg, Options{}, abcTarget)
	require.NoError(t, f.Prepare(seeds, filepath.Join(seeds, "missing")))
	assert.Equal(t, 2, f.Corpus().Count())
	// Admitted inputs are persisted to the shared corpus dir.
	stored, err := corpus.NewOnDisk(cfg.CorpusDir())
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Count())

	// Without seeds the corpus is generated, or at least holds the empty input.
	g, _ := newFuzzer(t, testConfig(t), Options{}, func(cov *coverage.Map, data []byte) {})
	require.NoError(t, g.Prepare())
	require.Equal(t, 1, g.Corpus().Count())
}

func TestSyncedTestcases(t *testing.T) {
	f, _ := newFuzzer(t, testConfig(t), Options{}, abcTarget)
	require.NoError(t, f.onEvent(&events.Event{Kind: events.NewTestcase, Origin: "other", Data: []byte("ab")}))
	require.NoError(t, f.onEvent(&events.Event{Kind: events.NewTestcase, Origin: f.Origin(), Data: []byte("a")}))
	require.NoError(t, f.onEvent(&events.Event{Kind: events.Stats, Origin: "other"}))
	assert.Equal(t, 1, f.Corpus().Count())
	assert.Equal(t, "other", f.Corpus().At(0).Origin)
}

// lengthTarget rewards longer inputs through hit counts.
func lengthTarget(cov *coverage.Map, data []byte) {
	abcTarget(cov, data)
	for i := 0; i < len(data) && i < 40; i++ {
		cov.Hit(4)
	}
}

func TestCoverIsReproducible(t *testing.T) {
	cfg := testConfig(t)
	cfg.Counters = true
	f, _ := newFuzzer(t, cfg, Options{}, lengthTarget)
	_, err := f.Evaluate([]byte("x"), "seed", 0)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		require.NoError(t, f.FuzzOne(ctx))
	}
	require.Greater(t, f.Corpus().Count(), 2)

	// Running an admitted input again observes exactly its recorded edges.
	cov := coverage.NewMap(cfg.MapSize)
	obs := coverage.NewMapObserver("edges", cov, cfg.Counters)
	exec := executor.New(lengthTarget, cov, cfg.Timeout, obs)
	for _, tc := range f.Corpus().Testcases() {
		res := exec.Run(tc.Data)
		require.Equal(t, executor.Normal, res.Outcome, "%q", tc.Data)
		if diff := cmp.Diff(tc.Cover, obs.Edges()); diff != "" {
			t.Errorf("cover of %q differs (-admitted +rerun):\n%s", tc.Data, diff)
		}
	}
}
