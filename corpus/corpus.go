// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus stores testcases: the in-memory working set and the
// durable on-disk archive of solutions.
package corpus

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNotFound = errors.New("testcase not found")

// Corpus is the in-memory working set. Iteration order is insertion order.
type Corpus struct {
	mu      sync.RWMutex
	entries []*Testcase
	index   map[ID]int
	next    ID
}

func New() *Corpus {
	return &Corpus{
		index: make(map[ID]int),
		next:  1,
	}
}

// Add admits tc and assigns it the next identifier.
func (c *Corpus) Add(tc *Testcase) (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc.ID = c.next
	c.next++
	if tc.Found.IsZero() {
		tc.Found = time.Now()
	}
	c.insert(tc)
	return tc.ID, nil
}

// Restore admits a testcase that already carries an identifier,
// e.g. one read back from a checkpoint.
func (c *Corpus) Restore(tc *Testcase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc.ID == 0 {
		return fmt.Errorf("testcase has no id")
	}
	if _, ok := c.index[tc.ID]; ok {
		return fmt.Errorf("duplicate testcase id %v", tc.ID)
	}
	if tc.ID >= c.next {
		c.next = tc.ID + 1
	}
	c.insert(tc)
	return nil
}

func (c *Corpus) insert(tc *Testcase) {
	c.index[tc.ID] = len(c.entries)
	c.entries = append(c.entries, tc)
}

func (c *Corpus) Get(id ID) (*Testcase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return c.entries[idx], nil
}

func (c *Corpus) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// At returns the i-th admitted testcase.
func (c *Corpus) At(i int) *Testcase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[i]
}

func (c *Corpus) IDs() []ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]ID, len(c.entries))
	for i, tc := range c.entries {
		ids[i] = tc.ID
	}
	return ids
}

// Testcases returns a snapshot of the entries in insertion order.
func (c *Corpus) Testcases() []*Testcase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Testcase{}, c.entries...)
}
