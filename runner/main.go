// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runner is the command-line entry point of a fuzzing binary.
// A target's main package calls Main with its harnesses; the same binary
// then acts as broker, worker or standalone fuzzer depending on its flags.
package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sort"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/bradleyjkemp/greyfuzz/config"
	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/bradleyjkemp/greyfuzz/dict"
	"github.com/bradleyjkemp/greyfuzz/events"
	"github.com/bradleyjkemp/greyfuzz/executor"
	"github.com/bradleyjkemp/greyfuzz/fuzzer"
	"github.com/bradleyjkemp/greyfuzz/shmem"
)

// Target is one fuzzable function.
type Target struct {
	Name    string
	Harness executor.Harness
	// MapSize overrides the configured coverage map size when non-zero.
	MapSize int
}

// inflightFd is the descriptor of the inflight region in a worker,
// the first entry of the broker's ExtraFiles.
const inflightFd = 3

type flags struct {
	config       string
	fn           string
	coordinator  bool
	worker       int
	repro        string
	minimize     string
	minimizeTime time.Duration

	workdir      string
	corpus       string
	procs        int
	broker       string
	timeout      time.Duration
	iterations   uint64
	dict         string
	dictPackages string
	scheduler    string
	seed         int64
	dedup        bool
	http         string
}

func registerFlags(fs *flag.FlagSet) *flags {
	fl := new(flags)
	fs.StringVar(&fl.config, "config", "", "yaml config file")
	fs.StringVar(&fl.fn, "func", "", "which function to fuzz")
	fs.BoolVar(&fl.coordinator, "coordinator", true, "whether this is the coordinator or a worker")
	fs.IntVar(&fl.worker, "worker", 0, "worker index, set by the coordinator")
	fs.StringVar(&fl.repro, "repro", "", "run a single input and print its outcome")
	fs.StringVar(&fl.minimize, "minimize", "", "minimize a crashing input and write it next to the original")
	fs.DurationVar(&fl.minimizeTime, "minimize_time", time.Minute, "time limit for input minimization")

	fs.StringVar(&fl.workdir, "workdir", "", "dir with persistent work data")
	fs.StringVar(&fl.corpus, "corpus", "", "comma-separated list of seed dirs")
	fs.IntVar(&fl.procs, "procs", 0, "parallelism level")
	fs.StringVar(&fl.broker, "broker", "", "address of the broker")
	fs.DurationVar(&fl.timeout, "timeout", 0, "test timeout")
	fs.Uint64Var(&fl.iterations, "iterations", 0, "number of fuzzing iterations per worker, 0 means forever")
	fs.StringVar(&fl.dict, "dict", "", "comma-separated list of dictionary files")
	fs.StringVar(&fl.dictPackages, "dict_packages", "", "comma-separated list of packages to harvest literals from")
	fs.StringVar(&fl.scheduler, "scheduler", "", "corpus scheduler: queue, minimizer or weighted")
	fs.Int64Var(&fl.seed, "seed", 0, "random seed, 0 means seeded from time")
	fs.BoolVar(&fl.dedup, "dedup", false, "keep only crashers with a new stack")
	fs.StringVar(&fl.http, "http", "", "HTTP server listen address for metrics")
	return fl
}

// load reads the config file and applies the flags that were set on top of it.
func (fl *flags) load(fs *flag.FlagSet, t Target) (*config.Config, error) {
	cfg := config.Default()
	if fl.config != "" {
		var err error
		if cfg, err = config.LoadFile(fl.config); err != nil {
			return nil, err
		}
	}
	if t.MapSize != 0 {
		cfg.MapSize = t.MapSize
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workdir":
			cfg.Workdir = fl.workdir
		case "corpus":
			cfg.Corpus = config.SplitList(fl.corpus)
		case "procs":
			cfg.Procs = fl.procs
		case "broker":
			cfg.Broker = fl.broker
		case "timeout":
			cfg.Timeout = fl.timeout
		case "iterations":
			cfg.Iterations = fl.iterations
		case "dict":
			cfg.Dict = config.SplitList(fl.dict)
		case "dict_packages":
			cfg.DictPackages = config.SplitList(fl.dictPackages)
		case "scheduler":
			cfg.Scheduler = fl.scheduler
		case "seed":
			cfg.Seed = fl.seed
		case "dedup":
			cfg.Dedup = fl.dedup
		case "http":
			cfg.HTTP = fl.http
		}
	})
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func selectTarget(targets []Target, name string) (Target, error) {
	if len(targets) == 0 {
		return Target{}, errors.New("no functions available to fuzz")
	}
	sorted := append([]Target{}, targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	if name == "" {
		return sorted[0], nil
	}
	for _, t := range sorted {
		if t.Name == name {
			return t, nil
		}
	}
	names := make([]string, len(sorted))
	for i, t := range sorted {
		names[i] = t.Name
	}
	return Target{}, fmt.Errorf("function %v not available to fuzz, have %v", name, names)
}

// Main parses the command line, runs the selected mode and exits.
func Main(targets ...Target) {
	fl := registerFlags(flag.CommandLine)
	flag.Parse()

	t, err := selectTarget(targets, fl.fn)
	if err != nil {
		glog.Fatal(err)
	}
	cfg, err := fl.load(flag.CommandLine, t)
	if err != nil {
		glog.Fatalf("failed to load config: %v", err)
	}
	if fl.coordinator {
		glog.Infof("fuzzing function %v", t.Name)
	}

	debug.SetGCPercent(50) // most memory is in large binary blobs

	ctx, cancel := context.WithCancel(context.Background())
	handleSignals(cancel)

	code := 0
	switch {
	case fl.repro != "":
		code, err = repro(t, cfg, fl.repro, os.Stdout)
	case fl.minimize != "":
		err = minimize(t, cfg, fl.minimize, fl.minimizeTime)
	case !fl.coordinator:
		code, err = runWorker(ctx, t, cfg, fl.worker, os.NewFile(inflightFd, "inflight"))
	case cfg.Procs > 1:
		err = runBroker(ctx, cfg)
	default:
		err = runSolo(ctx, t, cfg)
	}
	cancel()
	if err != nil {
		glog.Fatal(err)
	}
	glog.Flush()
	os.Exit(code)
}

// handleSignals cancels the campaign on the first SIGINT or SIGTERM.
// The process is terminated on the third one.
func handleSignals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 3)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		glog.Infof("shutting down...")
		cancel()
		<-sigChan
		glog.Warningf("still shutting down, signal again to terminate")
		<-sigChan
		glog.Flush()
		os.Exit(1)
	}()
}

// loadTokens collects the dictionary files and package literals of cfg.
func loadTokens(cfg *config.Config) ([][]byte, error) {
	var toks [][]byte
	for _, path := range cfg.Dict {
		t, err := dict.ParseFile(path)
		if err != nil {
			return nil, err
		}
		toks = append(toks, t...)
	}
	if len(cfg.DictPackages) != 0 {
		t, err := dict.FromPackages(cfg.DictPackages...)
		if err != nil {
			return nil, err
		}
		toks = append(toks, t...)
	}
	return dict.Dedup(toks), nil
}

func campaign(ctx context.Context, f *fuzzer.Fuzzer, cfg *config.Config) error {
	if err := f.Prepare(cfg.Corpus...); err != nil {
		f.Close()
		return err
	}
	err := f.Loop(ctx)
	if cerr := f.Close(); cerr != nil {
		glog.Errorf("failed to close fuzzer: %v", cerr)
	}
	return err
}

// runSolo fuzzes in this process, reporting to the terminal.
func runSolo(ctx context.Context, t Target, cfg *config.Config) error {
	toks, err := loadTokens(cfg)
	if err != nil {
		return err
	}
	mgr := events.NewSimple()
	f, err := fuzzer.New(cfg, fuzzer.Options{Tokens: toks, Checkpoint: true}, t.Harness, mgr)
	if err != nil {
		return err
	}
	err = campaign(ctx, f, cfg)
	if errors.Is(err, fuzzer.ErrShuttingDown) {
		err = nil
	}
	return err
}

// runWorker fuzzes as worker i of a broker. inflight is the region shared
// with the broker, nil when there is none. It returns the exit code the
// broker expects.
func runWorker(ctx context.Context, t Target, cfg *config.Config, i int, inflight *os.File) (int, error) {
	opts := fuzzer.Options{Worker: i, Restart: true, Checkpoint: true}
	if inflight != nil {
		region, err := shmem.Open(inflight)
		if err != nil {
			glog.Warningf("worker %v: running without inflight region: %v", i, err)
		} else {
			defer region.Close()
			opts.Tracker = region
		}
	}
	var err error
	if opts.Tokens, err = loadTokens(cfg); err != nil {
		return 0, err
	}
	name := fmt.Sprintf("worker-%v", i)
	client, err := events.Dial(cfg.Broker, name)
	if err != nil {
		glog.Warningf("worker %v: fuzzing alone until the broker is back: %v", i, err)
		client = events.NewDegraded(cfg.Broker, name)
	}
	f, err := fuzzer.New(cfg, opts, t.Harness, client)
	if err != nil {
		client.Close()
		return 0, err
	}
	err = campaign(ctx, f, cfg)
	if client.Degraded() {
		glog.Warningf("worker %v: broker was unreachable at exit", i)
	}
	switch {
	case err == nil, errors.Is(err, fuzzer.ErrShuttingDown):
		return 0, nil
	case errors.Is(err, fuzzer.ErrRestart):
		glog.Infof("worker %v: restarting after target fault", i)
		return events.RestartExitCode, nil
	}
	return 0, err
}

// runBroker supervises cfg.Procs copies of this binary running as workers.
// Package literals are harvested once and passed to workers as a dictionary.
func runBroker(ctx context.Context, cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find own executable: %w", err)
	}
	extra := []string{"-coordinator=false", "-dict_packages="}
	if len(cfg.DictPackages) != 0 {
		toks, err := loadTokens(cfg)
		if err != nil {
			return err
		}
		path := filepath.Join(cfg.Workdir, "state", "tokens.dict")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := dict.WriteFile(path, toks); err != nil {
			return err
		}
		extra = append(extra, "-dict="+path)
	}

	b, err := events.NewBroker(cfg)
	if err != nil {
		return err
	}
	args := append(append([]string{}, os.Args[1:]...), extra...)
	args = append(args, "-broker="+b.Addr())
	b.Command = func(i int) *exec.Cmd {
		return exec.Command(exe, append(args[:len(args):len(args)], fmt.Sprintf("-worker=%v", i))...)
	}
	err = b.Supervise(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func newExecutor(t Target, cfg *config.Config) *executor.Executor {
	return executor.New(t.Harness, coverage.NewMap(cfg.MapSize), cfg.Timeout)
}

// repro runs the input in path once and writes its outcome and output to w.
// The exit code is non-zero unless the input ran normally.
func repro(t Target, cfg *config.Config, path string, w io.Writer) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	res := newExecutor(t, cfg).Run(data)
	fmt.Fprintf(w, "outcome: %v, elapsed: %v\n", res.Outcome, res.Elapsed)
	if len(res.Output) != 0 {
		w.Write(res.Output)
	}
	if res.Outcome != executor.Normal {
		return 1, nil
	}
	return 0, nil
}

// minimize shrinks the crashing input in path and writes the result to path.min.
func minimize(t Target, cfg *config.Config, path string, limit time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	e := newExecutor(t, cfg)
	res := e.Run(data)
	if res.Outcome != executor.Crashed {
		return fmt.Errorf("%v does not crash, outcome %v", path, res.Outcome)
	}
	small, _, execs := fuzzer.MinimizeCrash(e, data, res.Output, limit)
	out := path + ".min"
	if err := os.WriteFile(out, small, 0640); err != nil {
		return err
	}
	glog.Infof("minimized %v from %v to %v bytes in %v execs, saved as %v", path, len(data), len(small), execs, out)
	return nil
}
