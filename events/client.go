// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package events

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

const (
	syncRetries = 3
	// redialPeriods is how many sync periods a degraded client waits
	// before it tries the broker again.
	redialPeriods = 10
	// maxPending bounds the events kept while the broker is unreachable.
	maxPending = 1 << 10
)

type SyncArgs struct {
	Name   string
	Events []Event
	Stats  WorkerStats
}

type SyncRes struct {
	Events []Event
}

// Client is the manager of a worker process. It batches fired events and
// exchanges them with the broker once per sync period. When the broker is
// unreachable the client keeps the worker running on its own.
type Client struct {
	addr string
	name string
	cli  *rpcClient

	period   time.Duration
	lastSync time.Time
	pending  []Event
	stats    WorkerStats
	hasStats bool

	degraded bool
	skipped  int
}

// Dial connects to the broker at addr. name identifies the worker.
func Dial(addr, name string) (*Client, error) {
	cli, err := newRPCClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %v: %w", addr, err)
	}
	return &Client{
		addr:     addr,
		name:     name,
		cli:      cli,
		period:   syncPeriod,
		lastSync: time.Now(),
	}, nil
}

// NewDegraded returns a client for a broker that could not be reached.
// Events are kept until a later redial succeeds.
func NewDegraded(addr, name string) *Client {
	return &Client{
		addr:     addr,
		name:     name,
		period:   syncPeriod,
		lastSync: time.Now(),
		degraded: true,
	}
}

// Degraded reports whether the last sync attempts failed.
func (c *Client) Degraded() bool {
	return c.degraded
}

func (c *Client) Fire(ev *Event) error {
	if ev.Kind == Stats {
		c.stats = ev.Stats
		c.hasStats = true
		return nil
	}
	if len(c.pending) == maxPending {
		copy(c.pending, c.pending[1:])
		c.pending = c.pending[:maxPending-1]
	}
	c.pending = append(c.pending, *ev)
	return nil
}

func (c *Client) Process(fn func(ev *Event) error) error {
	if time.Since(c.lastSync) < c.period {
		return nil
	}
	c.lastSync = time.Now()
	if c.degraded {
		c.skipped++
		if c.skipped < redialPeriods {
			return nil
		}
		c.skipped = 0
		if err := c.redial(); err != nil {
			glog.V(1).Infof("broker is still unreachable: %v", err)
			return nil
		}
	}
	res, err := c.sync()
	if err != nil {
		if !c.degraded {
			glog.Warningf("lost connection to broker, fuzzing alone: %v", err)
		}
		c.degraded = true
		return nil
	}
	if c.degraded {
		glog.Infof("reconnected to broker at %v", c.addr)
		c.degraded = false
	}
	for i := range res.Events {
		if err := fn(&res.Events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sync() (*SyncRes, error) {
	args := &SyncArgs{
		Name:   c.name,
		Events: c.pending,
		Stats:  c.stats,
	}
	var err error
	for try := 0; try < syncRetries; try++ {
		res := new(SyncRes)
		if err = c.cli.call("Broker.Sync", args, res); err == nil {
			c.pending = nil
			return res, nil
		}
		glog.V(1).Infof("sync with broker failed (try %v): %v", try+1, err)
		if try+1 < syncRetries {
			if rerr := c.redial(); rerr != nil {
				err = rerr
			}
		}
	}
	return nil, err
}

func (c *Client) redial() error {
	cli, err := newRPCClient(c.addr)
	if err != nil {
		return err
	}
	if c.cli != nil {
		c.cli.close()
	}
	c.cli = cli
	return nil
}

// Close makes a last attempt to deliver pending events.
func (c *Client) Close() error {
	var err error
	if !c.degraded && (len(c.pending) != 0 || c.hasStats) {
		_, err = c.sync()
	}
	if c.cli != nil {
		c.cli.close()
	}
	return err
}
