// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package events

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/greyfuzz/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Workdir = t.TempDir()
	cfg.Broker = "127.0.0.1:0"
	cfg.Procs = 2
	return cfg
}

func TestWorkerStatsString(t *testing.T) {
	now := time.Now()
	s := WorkerStats{Corpus: 3, Crashers: 1, Execs: 1000, Cover: 42, Restarts: 10,
		StartTime: now, LastNewInputTime: now}
	assert.Equal(t, uint64(100), s.RestartsDenom())
	str := s.String()
	assert.True(t, strings.HasPrefix(str, "corpus: 3 (0s ago), crashers: 1, restarts: 1/100, execs: 1000 ("), str)
	assert.Contains(t, str, "cover: 42, uptime: 0s")
	assert.Equal(t, uint64(0), WorkerStats{Execs: 5}.RestartsDenom())
}

func TestSimple(t *testing.T) {
	m := NewSimple()
	require.NoError(t, m.Fire(&Event{Kind: Objective, Data: []byte("abc"), Outcome: "crashed"}))
	require.NoError(t, m.Fire(&Event{Kind: Stats, Stats: WorkerStats{Execs: 7, StartTime: time.Now()}}))
	require.NoError(t, m.Fire(&Event{Kind: NewTestcase, Data: []byte("x")}))
	assert.Equal(t, 1, m.Crashers)
	assert.Equal(t, uint64(7), m.Last.Execs)
	called := false
	require.NoError(t, m.Process(func(*Event) error { called = true; return nil }))
	assert.False(t, called)
	require.NoError(t, m.Close())
}

func TestBrokerRelaysTestcases(t *testing.T) {
	b, err := NewBroker(testConfig(t))
	require.NoError(t, err)
	var r SyncRes
	require.NoError(t, b.Sync(&SyncArgs{Name: "b"}, &r))
	assert.Empty(t, r.Events)

	tc := Event{Kind: NewTestcase, Origin: "a", Data: []byte("new input")}
	require.NoError(t, b.Sync(&SyncArgs{Name: "a", Events: []Event{tc, tc}}, &r))
	assert.Empty(t, r.Events, "a worker does not get its own testcases back")

	require.NoError(t, b.Sync(&SyncArgs{Name: "b"}, &r))
	require.Len(t, r.Events, 1)
	assert.Equal(t, []byte("new input"), r.Events[0].Data)

	// Already relayed content is not relayed again.
	require.NoError(t, b.Sync(&SyncArgs{Name: "c", Events: []Event{tc}}, &r))
	require.NoError(t, b.Sync(&SyncArgs{Name: "b"}, &r))
	assert.Empty(t, r.Events)
	assert.Equal(t, uint64(1), b.CampaignStats().Corpus)
}

func TestBrokerStoresObjectives(t *testing.T) {
	cfg := testConfig(t)
	b, err := NewBroker(cfg)
	require.NoError(t, err)
	ev := Event{Kind: Objective, Origin: "a", Data: []byte("abc"), Outcome: "crashed", Output: []byte("panic: boom")}
	var r SyncRes
	require.NoError(t, b.Sync(&SyncArgs{Name: "a", Events: []Event{ev, ev}}, &r))
	assert.Equal(t, uint64(1), b.CampaignStats().Crashers)
	assert.FileExists(t, b.crashers.Path([]byte("abc")))
	assert.FileExists(t, b.crashers.Path([]byte("abc"))+".output")
}

func TestBrokerQueuesForLateWorkers(t *testing.T) {
	b, err := NewBroker(testConfig(t))
	require.NoError(t, err)
	b.registerWorkers()
	var r SyncRes
	ev := Event{Kind: NewTestcase, Origin: "worker-0", Data: []byte("early")}
	require.NoError(t, b.Sync(&SyncArgs{Name: "worker-0", Events: []Event{ev}}, &r))
	assert.Empty(t, r.Events)

	// worker-1 syncs for the first time after the testcase was found.
	require.NoError(t, b.Sync(&SyncArgs{Name: "worker-1"}, &r))
	require.Len(t, r.Events, 1)
	assert.Equal(t, []byte("early"), r.Events[0].Data)

	var buf bytes.Buffer
	b.registerWorkers()
	b.WriteSummary(&buf)
	assert.NotContains(t, buf.String(), "never")
	b.cfg.Procs = 3
	b.registerWorkers()
	buf.Reset()
	b.WriteSummary(&buf)
	assert.Contains(t, buf.String(), "never")
}

func TestBrokerAggregatesStats(t *testing.T) {
	b, err := NewBroker(testConfig(t))
	require.NoError(t, err)
	now := time.Now()
	var r SyncRes
	require.NoError(t, b.Sync(&SyncArgs{Name: "a", Stats: WorkerStats{Execs: 10, Cover: 5, Corpus: 2, StartTime: now}}, &r))
	require.NoError(t, b.Sync(&SyncArgs{Name: "b", Stats: WorkerStats{Execs: 20, Cover: 7, Corpus: 3, StartTime: now}}, &r))
	s := b.CampaignStats()
	assert.Equal(t, uint64(30), s.Execs)
	assert.Equal(t, uint64(7), s.Cover)
	assert.Equal(t, uint64(3), s.Corpus)

	ui := b.Stats().Collect(0)
	vals := make(map[string]int)
	for _, u := range ui {
		vals[u.Name] = u.V
	}
	assert.Equal(t, 30, vals["exec total"])
	assert.Equal(t, 2, vals["workers"])

	var buf bytes.Buffer
	b.WriteSummary(&buf)
	assert.Contains(t, buf.String(), "WORKER")
	assert.Contains(t, buf.String(), "total")
}

func TestClientSync(t *testing.T) {
	b, err := NewBroker(testConfig(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)

	c1, err := Dial(b.Addr(), "one")
	require.NoError(t, err)
	defer c1.Close()
	c2, err := Dial(b.Addr(), "two")
	require.NoError(t, err)
	defer c2.Close()
	c1.period, c2.period = 0, 0

	var got []*Event
	collect := func(ev *Event) error {
		got = append(got, ev)
		return nil
	}
	require.NoError(t, c2.Process(collect))
	require.NoError(t, c1.Fire(&Event{Kind: NewTestcase, Origin: "one", Data: []byte("shared")}))
	require.NoError(t, c1.Fire(&Event{Kind: Stats, Stats: WorkerStats{Execs: 3, StartTime: time.Now()}}))
	require.NoError(t, c1.Process(collect))
	assert.Empty(t, got)
	require.NoError(t, c2.Process(collect))
	require.Len(t, got, 1)
	assert.Equal(t, []byte("shared"), got[0].Data)
	assert.Equal(t, "one", got[0].Origin)
	assert.False(t, c1.Degraded())
	assert.Equal(t, uint64(3), b.CampaignStats().Execs)
}

func TestClientDegrades(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	c, err := Dial(ln.Addr().String(), "w")
	require.NoError(t, err)
	c.period = 0
	require.NoError(t, c.Fire(&Event{Kind: NewTestcase, Data: []byte("kept")}))
	require.NoError(t, c.Process(func(*Event) error { return nil }))
	assert.True(t, c.Degraded())
	assert.Len(t, c.pending, 1, "events are kept for a later sync")
	// A degraded client does not touch the network until the redial period.
	require.NoError(t, c.Process(func(*Event) error { return nil }))
	assert.Equal(t, 1, c.skipped)
	c.Close()
}

func TestClientBoundsPending(t *testing.T) {
	c := &Client{}
	for i := 0; i < maxPending+10; i++ {
		require.NoError(t, c.Fire(&Event{Kind: NewTestcase, Data: []byte{byte(i)}}))
	}
	assert.Len(t, c.pending, maxPending)
	assert.Equal(t, []byte{byte(10)}, c.pending[0].Data)
}

func TestTail(t *testing.T) {
	tl := newTail(16)
	tl.Write([]byte("0123456789"))
	tl.Write([]byte("abcdef"))
	assert.Equal(t, []byte("89abcdef"), tl.Bytes())
	assert.Equal(t, []byte("b\nc"), lastLines([]byte("a\nb\nc\n"), 2))
	assert.Equal(t, []byte("a\nb"), lastLines([]byte("a\nb"), 5))
}

func TestClientStartsDegraded(t *testing.T) {
	b, err := NewBroker(testConfig(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)

	other, err := Dial(b.Addr(), "other")
	require.NoError(t, err)
	defer other.Close()
	other.period = 0
	var got []*Event
	collect := func(ev *Event) error {
		got = append(got, ev)
		return nil
	}
	require.NoError(t, other.Process(collect))

	c := NewDegraded(b.Addr(), "late")
	c.period = 0
	require.NoError(t, c.Fire(&Event{Kind: NewTestcase, Origin: "late", Data: []byte("queued")}))
	for i := 0; i < redialPeriods-1; i++ {
		require.NoError(t, c.Process(collect))
	}
	assert.True(t, c.Degraded())
	assert.Len(t, c.pending, 1)
	require.NoError(t, c.Process(collect))
	assert.False(t, c.Degraded())
	assert.Empty(t, c.pending)
	require.NoError(t, c.Close())

	require.NoError(t, other.Process(collect))
	require.Len(t, got, 1)
	assert.Equal(t, []byte("queued"), got[0].Data)

	// Closing a client that never connected is a no-op.
	assert.NoError(t, NewDegraded("127.0.0.1:1", "never").Close())
}
