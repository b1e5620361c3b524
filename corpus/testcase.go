// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/bradleyjkemp/greyfuzz/coverage"
)

type ID uint64

// Testcase is an input admitted because it showed new behavior.
// Data, Cover and ExecTime never change after admission;
// the scheduler owns Favored, PerfScore and Selected.
type Testcase struct {
	ID       ID
	Data     []byte
	Cover    []coverage.Edge
	ExecTime time.Duration
	Depth    int
	Origin   string
	Found    time.Time

	Favored   bool
	PerfScore float64
	Selected  uint64

	// Solutions only.
	Outcome string
	Output  []byte
}

type Sig [sha1.Size]byte

func Hash(data []byte) Sig {
	return sha1.Sum(data)
}

func (sig Sig) String() string {
	return hex.EncodeToString(sig[:])
}

// Store is implemented by the in-memory corpus and the solutions store.
type Store interface {
	Add(tc *Testcase) (ID, error)
	Get(id ID) (*Testcase, error)
	Count() int
	IDs() []ID
}
