// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bradleyjkemp/greyfuzz/config"
	"github.com/bradleyjkemp/greyfuzz/corpus"
	"github.com/bradleyjkemp/greyfuzz/stat"
)

// RestartExitCode is the exit status of a worker that asks to be
// respawned right away.
const RestartExitCode = 100

const (
	dedupCacheSize = 1 << 16
	// maxQueued bounds the events queued for one worker between syncs.
	maxQueued = 1 << 12
)

// Broker relays testcases between workers, keeps campaign-wide stats and
// supervises worker processes.
type Broker struct {
	cfg      *config.Config
	serv     *rpcServer
	seen     *lru.Cache[corpus.Sig, struct{}]
	crashers *corpus.OnDisk
	stats    *stat.Set

	// Command returns the command running worker i. Supervise sets
	// ExtraFiles and the output writers.
	Command func(worker int) *exec.Cmd

	mu           sync.Mutex
	workers      map[string]*peer
	startTime    time.Time
	lastNewInput time.Time
	restarts     uint64
	testcases    uint64
}

// peer is the broker's view of a worker.
type peer struct {
	name     string
	queue    []Event
	stats    WorkerStats
	lastSync time.Time
}

// NewBroker starts listening on cfg.Broker. The RPC server runs once
// Supervise or Serve is called.
func NewBroker(cfg *config.Config) (*Broker, error) {
	crashers, err := corpus.NewOnDisk(cfg.CrashersDir())
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[corpus.Sig, struct{}](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	b := &Broker{
		cfg:          cfg,
		seen:         seen,
		crashers:     crashers,
		stats:        stat.NewSet(),
		workers:      make(map[string]*peer),
		startTime:    now,
		lastNewInput: now,
	}
	b.serv, err = newRPCServer(cfg.Broker, "Broker", b)
	if err != nil {
		return nil, err
	}
	b.initStats()
	glog.Infof("broker listening on %v", b.serv.addr())
	return b, nil
}

// Addr returns the address workers should dial.
func (b *Broker) Addr() string {
	return b.serv.addr().String()
}

func (b *Broker) Stats() *stat.Set {
	return b.stats
}

func (b *Broker) initStats() {
	locked := func(fn func() uint64) func() int {
		return func() int {
			b.mu.Lock()
			defer b.mu.Unlock()
			return int(fn())
		}
	}
	b.stats.New("exec total", "Total executions of all workers", stat.Console, stat.Rate{},
		stat.Prometheus("greyfuzz_execs_total"), locked(func() uint64 { return b.aggregate().Execs }))
	b.stats.New("corpus", "Number of distinct testcases relayed between workers", stat.Console,
		stat.Prometheus("greyfuzz_corpus"), locked(func() uint64 { return b.aggregate().Corpus }))
	b.stats.New("crashers", "Number of distinct solutions", stat.Console,
		stat.Prometheus("greyfuzz_crashers"), func() int { return b.crashers.Count() })
	b.stats.New("cover", "Largest coverage reported by a worker", stat.Console,
		stat.Prometheus("greyfuzz_cover"), locked(func() uint64 { return b.aggregate().Cover }))
	b.stats.New("restarts", "Number of worker restarts",
		stat.Prometheus("greyfuzz_restarts_total"), locked(func() uint64 { return b.restarts }))
	b.stats.New("workers", "Number of workers that synced at least once",
		stat.Prometheus("greyfuzz_workers"), locked(func() uint64 {
			n := uint64(0)
			for _, p := range b.workers {
				if !p.lastSync.IsZero() {
					n++
				}
			}
			return n
		}))
}

// Sync is a periodic sync with a worker.
// The worker sends its new events and statistics, the broker returns
// the testcases other workers found since the previous sync.
func (b *Broker) Sync(a *SyncArgs, r *SyncRes) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.workers[a.Name]
	if p == nil {
		p = &peer{name: a.Name}
		b.workers[a.Name] = p
	}
	if p.lastSync.IsZero() {
		glog.Infof("worker %v connected", a.Name)
	}
	p.lastSync = time.Now()
	if !a.Stats.StartTime.IsZero() {
		p.stats = a.Stats
	}
	for i := range a.Events {
		ev := &a.Events[i]
		switch ev.Kind {
		case NewTestcase:
			sig := corpus.Hash(ev.Data)
			if _, dup := b.seen.Get(sig); dup {
				continue
			}
			b.seen.Add(sig, struct{}{})
			b.testcases++
			b.lastNewInput = time.Now()
			for _, other := range b.workers {
				if other != p {
					other.push(ev)
				}
			}
		case Objective:
			if b.crashers.Contains(ev.Data) {
				continue
			}
			tc := &corpus.Testcase{Data: ev.Data, Outcome: ev.Outcome, Output: ev.Output, Origin: ev.Origin}
			if _, err := b.crashers.Add(tc); err != nil {
				glog.Errorf("failed to save crasher from %v: %v", a.Name, err)
				continue
			}
			glog.Infof("worker %v found a new %v input", a.Name, ev.Outcome)
		}
	}
	r.Events = p.queue
	p.queue = nil
	return nil
}

func (p *peer) push(ev *Event) {
	if len(p.queue) >= maxQueued {
		glog.V(1).Infof("dropping testcase for slow worker %v", p.name)
		return
	}
	p.queue = append(p.queue, *ev)
}

// aggregate sums worker counters. Called with mu held.
func (b *Broker) aggregate() WorkerStats {
	s := WorkerStats{
		Corpus:           b.testcases,
		Restarts:         b.restarts,
		StartTime:        b.startTime,
		LastNewInputTime: b.lastNewInput,
	}
	for _, p := range b.workers {
		s.Execs += p.stats.Execs
		s.Corpus = max(s.Corpus, p.stats.Corpus)
		s.Cover = max(s.Cover, p.stats.Cover)
	}
	return s
}

// CampaignStats returns the campaign-wide counters.
func (b *Broker) CampaignStats() WorkerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.aggregate()
	s.Crashers = uint64(b.crashers.Count())
	return s
}

// Serve runs the RPC server and the periodic status line until ctx is done.
func (b *Broker) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.serv.serve()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return b.serv.close()
	})
	g.Go(func() error {
		ticker := time.NewTicker(syncPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				glog.Info(b.CampaignStats().String())
				if glog.V(1) {
					for _, ui := range b.stats.Collect(stat.All) {
						glog.Infof("%v: %v", ui.Name, ui.Value)
					}
				}
			}
		}
	})
	if b.cfg.HTTP != "" {
		g.Go(func() error {
			return b.serveHTTP(ctx)
		})
	}
	return g.Wait()
}

func (b *Broker) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(b.stats.Registry(), promhttp.HandlerOpts{}))
	glog.Infof("serving metrics on http://%v/metrics", b.cfg.HTTP)
	server := &http.Server{Addr: b.cfg.HTTP, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Supervise runs cfg.Procs workers and serves them until ctx is done or
// all workers finished their iteration budget. It prints a summary on return.
func (b *Broker) Supervise(ctx context.Context) error {
	if b.Command == nil {
		return fmt.Errorf("broker has no worker command")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Serve(gctx)
	})
	b.registerWorkers()
	workers, wctx := errgroup.WithContext(gctx)
	for i := 0; i < b.cfg.Procs; i++ {
		i := i
		workers.Go(func() error {
			return b.superviseWorker(wctx, i)
		})
	}
	g.Go(func() error {
		err := workers.Wait()
		cancel()
		return err
	})
	err := g.Wait()
	b.WriteSummary(os.Stdout)
	return err
}

// registerWorkers creates the peers of all supervised workers up front,
// so testcases found before a worker first syncs are queued for it.
func (b *Broker) registerWorkers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.cfg.Procs; i++ {
		name := fmt.Sprintf("worker-%v", i)
		if b.workers[name] == nil {
			b.workers[name] = &peer{name: name}
		}
	}
}

func (p *peer) syncedAgo() string {
	if p.lastSync.IsZero() {
		return "never"
	}
	return time.Since(p.lastSync).Truncate(time.Second).String() + " ago"
}

// WriteSummary renders the per-worker counters as a table.
func (b *Broker) WriteSummary(w io.Writer) {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.workers))
	for _, p := range b.workers {
		peers = append(peers, p)
	}
	b.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].name < peers[j].name })

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"worker", "execs", "corpus", "crashers", "cover", "restarts", "last sync"})
	for _, p := range peers {
		table.Append([]string{
			p.name,
			fmt.Sprint(p.stats.Execs),
			fmt.Sprint(p.stats.Corpus),
			fmt.Sprint(p.stats.Crashers),
			fmt.Sprint(p.stats.Cover),
			fmt.Sprint(p.stats.Restarts),
			p.syncedAgo(),
		})
	}
	total := b.CampaignStats()
	table.Append([]string{
		"total",
		fmt.Sprint(total.Execs),
		fmt.Sprint(total.Corpus),
		fmt.Sprint(total.Crashers),
		fmt.Sprint(total.Cover),
		fmt.Sprint(total.Restarts),
		"",
	})
	table.Render()
}
