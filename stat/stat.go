// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat provides named metrics for the fuzzing loop and the broker.
//
//	statExecs := set.New("exec total", "Total test program executions", stat.Rate{})
//	statExecs.Add(1)
//
//	set.New("corpus", "Number of corpus entries", func() int { return c.Count() })
//
// Collect renders all values for console output, Registry exposes the
// values marked with Prometheus.
package stat

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

// Level controls whether a metric is printed in periodic console output
// or only shown in the full summary.
type Level int

const (
	All Level = iota
	Console
)

// Prometheus exports the metric under the given name.
type Prometheus string

// Rate says to show the metric rate per unit of time along with the total.
type Rate struct{}

// Distribution says to collect a histogram of individual samples;
// the value of such metric is the sample mean.
type Distribution struct{}

const histogramBuckets = 255

type UI struct {
	Name  string
	Desc  string
	Level Level
	Value string
	V     int
}

// Set is a registry of metrics. Every Set owns a prometheus registry,
// so several sets can live in one process.
type Set struct {
	mu      sync.Mutex
	vals    map[string]*Val
	reg     *prometheus.Registry
	started time.Time
}

func NewSet() *Set {
	return &Set{
		vals:    make(map[string]*Val),
		reg:     prometheus.NewRegistry(),
		started: time.Now(),
	}
}

// Registry returns the prometheus registry the Prometheus metrics are registered in.
func (s *Set) Registry() *prometheus.Registry {
	return s.reg
}

// New registers a metric. In addition to the option types above a custom
// 'func() int' can be passed to read the metric value from the function, and
// 'func(int, time.Duration) string' can be passed for custom formatting.
func (s *Set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name: name,
		desc: desc,
		fmt:  func(v int, period time.Duration) string { return strconv.Itoa(v) },
	}
	for _, o := range opts {
		switch opt := o.(type) {
		case Level:
			v.level = opt
		case Rate:
			v.fmt = formatRate
		case Distribution:
			v.hist = true
		case func() int:
			v.ext = opt
		case func(int, time.Duration) string:
			v.fmt = opt
		case Prometheus:
			s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: string(opt),
				Help: desc,
			},
				func() float64 { return float64(v.Val()) },
			))
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[name] = v
	return v
}

// Get returns a previously registered metric or nil.
func (s *Set) Get(name string) *Val {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[name]
}

// Collect returns the values of all metrics at or above level,
// Console metrics first and then by name.
func (s *Set) Collect(level Level) []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := time.Since(s.started).Truncate(time.Second)
	if period < time.Second {
		period = time.Second
	}
	var res []UI
	for _, v := range s.vals {
		if v.level < level {
			continue
		}
		val := v.Val()
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Level: v.level,
			Value: v.fmt(val, period),
			V:     val,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Level != res[j].Level {
			return res[i].Level > res[j].Level
		}
		return res[i].Name < res[j].Name
	})
	return res
}

type Val struct {
	name    string
	desc    string
	level   Level
	val     atomic.Uint64
	ext     func() int
	fmt     func(int, time.Duration) string
	hist    bool
	histMu  sync.Mutex
	histVal *gohistogram.NumericHistogram
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if v.hist {
		v.histMu.Lock()
		if v.histVal == nil {
			v.histVal = gohistogram.NewHistogram(histogramBuckets)
		}
		v.histVal.Add(float64(val))
		v.histMu.Unlock()
		return
	}
	v.val.Add(uint64(val))
}

// Set overwrites the value of a plain counter.
func (v *Val) Set(val int) {
	if v.ext != nil || v.hist {
		panic(fmt.Sprintf("stat %v is not a plain counter", v.name))
	}
	v.val.Store(uint64(val))
}

func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.hist {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.histVal == nil {
			return 0
		}
		return int(v.histVal.Mean())
	}
	return int(v.val.Load())
}

func formatRate(v int, period time.Duration) string {
	secs := int(period.Seconds())
	if x := v / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/sec)", v, x)
	}
	if x := v * 60 / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/min)", v, x)
	}
	x := v * 60 * 60 / secs
	return fmt.Sprintf("%v (%v/hour)", v, x)
}

// FormatDuration renders a value holding nanoseconds.
func FormatDuration(v int, _ time.Duration) string {
	return time.Duration(v).String()
}
