// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package events

import (
	"github.com/golang/glog"
)

// Simple is the manager of a standalone worker: there are no peers,
// events are only logged.
type Simple struct {
	Last     WorkerStats
	Crashers int
}

func NewSimple() *Simple {
	return &Simple{}
}

func (m *Simple) Fire(ev *Event) error {
	switch ev.Kind {
	case Stats:
		m.Last = ev.Stats
		glog.Info(ev.Stats.String())
	case Objective:
		m.Crashers++
		glog.Infof("found %v input (%v bytes)", ev.Outcome, len(ev.Data))
	case NewTestcase:
		if glog.V(1) {
			glog.Infof("new input (%v bytes) from %v", len(ev.Data), ev.Origin)
		}
	}
	return nil
}

func (m *Simple) Process(func(ev *Event) error) error {
	return nil
}

func (m *Simple) Close() error {
	return nil
}
