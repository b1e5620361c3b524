// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config holds the campaign configuration shared by the broker
// and its workers.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"

	"github.com/bradleyjkemp/greyfuzz/coverage"
)

const (
	SchedQueue     = "queue"
	SchedMinimizer = "minimizer"
	SchedWeighted  = "weighted"
)

type Config struct {
	// Workdir holds the corpus, crashers and worker state.
	Workdir string `yaml:"workdir"`
	// Corpus lists extra read-only seed directories.
	Corpus []string `yaml:"corpus"`
	Procs  int      `yaml:"procs"`
	// Broker is the address the broker listens on, or the worker dials.
	Broker  string        `yaml:"broker"`
	Timeout time.Duration `yaml:"timeout"`
	// Iterations bounds the number of fuzzing iterations per worker; 0 means no bound.
	Iterations   uint64 `yaml:"iterations"`
	MapSize      int    `yaml:"map_size"`
	MaxInputSize int    `yaml:"max_input_size"`
	// Counters enables hit-count buckets. Without it only edge presence counts.
	Counters bool `yaml:"counters"`
	// Dedup keeps only crashes with a new stack signature.
	Dedup        bool     `yaml:"dedup"`
	Scheduler    string   `yaml:"scheduler"`
	Dict         []string `yaml:"dict"`
	DictPackages []string `yaml:"dict_packages"`
	// Seed fixes the random source; 0 means seeded from time.
	Seed int64 `yaml:"seed"`
	// Minimize stores a shrunk copy of each new crasher next to the original.
	Minimize bool `yaml:"minimize"`
	// HTTP serves prometheus metrics when set.
	HTTP string `yaml:"http"`
	// WorkerOutput forwards worker stderr to the broker's stderr.
	WorkerOutput    bool          `yaml:"worker_output"`
	CheckpointEvery time.Duration `yaml:"checkpoint_every"`
}

// Default returns the configuration used for fields missing from a file.
func Default() *Config {
	procs, err := cpu.Counts(true)
	if err != nil || procs < 1 {
		glog.Warningf("failed to count cpus, using 1 worker: %v", err)
		procs = 1
	}
	return &Config{
		Workdir:         ".",
		Procs:           procs,
		Broker:          "127.0.0.1:0",
		Timeout:         10 * time.Second,
		MapSize:         coverage.CoverSize,
		MaxInputSize:    coverage.MaxInputSize,
		Counters:        true,
		Scheduler:       SchedMinimizer,
		CheckpointEvery: time.Minute,
	}
}

// LoadFile reads a yaml config file on top of Default.
func LoadFile(filename string) (*Config, error) {
	data, err := os.ReadFile(expandHomeDir(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := LoadData(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return cfg, nil
}

// LoadData parses yaml config data on top of Default. Unknown fields are an error.
func LoadData(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) != 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Complete validates the config and expands paths. It is called again
// after command-line flags have been applied.
func (cfg *Config) Complete() error {
	cfg.Workdir = expandHomeDir(cfg.Workdir)
	for i, dir := range cfg.Corpus {
		cfg.Corpus[i] = expandHomeDir(dir)
	}
	for i, f := range cfg.Dict {
		cfg.Dict[i] = expandHomeDir(f)
	}
	switch cfg.Scheduler {
	case SchedQueue, SchedMinimizer, SchedWeighted:
	default:
		return fmt.Errorf("unknown scheduler %q, want %v, %v or %v",
			cfg.Scheduler, SchedQueue, SchedMinimizer, SchedWeighted)
	}
	if cfg.Procs < 0 {
		return fmt.Errorf("bad procs %v", cfg.Procs)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("bad timeout %v", cfg.Timeout)
	}
	if cfg.MapSize <= 0 {
		return fmt.Errorf("bad map_size %v", cfg.MapSize)
	}
	if cfg.MaxInputSize <= 0 || cfg.MaxInputSize > coverage.MaxInputSize {
		return fmt.Errorf("bad max_input_size %v, want (0, %v]", cfg.MaxInputSize, coverage.MaxInputSize)
	}
	if cfg.CheckpointEvery < 0 {
		return fmt.Errorf("bad checkpoint_every %v", cfg.CheckpointEvery)
	}
	return nil
}

// Subdirectories of Workdir.
func (cfg *Config) CorpusDir() string   { return filepath.Join(cfg.Workdir, "corpus") }
func (cfg *Config) CrashersDir() string { return filepath.Join(cfg.Workdir, "crashers") }
func (cfg *Config) StateDir(worker int) string {
	return filepath.Join(cfg.Workdir, "state", fmt.Sprintf("worker-%v", worker))
}

// expandHomeDir expands the tilde sign and replaces it
// with the home directory.
func expandHomeDir(path string) string {
	if len(path) > 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// SplitList parses a comma-separated flag value, dropping empty elements.
func SplitList(s string) []string {
	var res []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			res = append(res, e)
		}
	}
	return res
}
