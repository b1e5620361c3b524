// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator derives new candidate inputs from corpus entries.
package mutator

import (
	"math/bits"
	"math/rand"

	"github.com/bradleyjkemp/greyfuzz/coverage"
)

// DefaultMaxStack caps the number of chained mutations.
const DefaultMaxStack = 32

// Havoc applies a random chain of byte-level mutations.
type Havoc struct {
	r        *rand.Rand
	MaxSize  int
	MaxStack int
	// Tokens are dictionary entries for token insertion and replacement.
	Tokens [][]byte
	// Splice returns the bytes of another corpus entry, or nil.
	// The result is only read.
	Splice func() []byte
}

func New(r *rand.Rand, maxSize int) *Havoc {
	if maxSize <= 0 {
		maxSize = coverage.MaxInputSize
	}
	return &Havoc{r: r, MaxSize: maxSize, MaxStack: DefaultMaxStack}
}

func (h *Havoc) rand(n int) int {
	return h.r.Intn(n)
}

func (h *Havoc) randBool() bool {
	return h.r.Intn(2) == 0
}

// chooseLen returns a block length in [1, n], biased towards short blocks.
func (h *Havoc) chooseLen(n int) int {
	switch x := h.rand(100); {
	case x < 90:
		return h.rand(min(8, n)) + 1
	case x < 99:
		return h.rand(min(32, n)) + 1
	default:
		return h.rand(n) + 1
	}
}

// stackCount grows with the logarithm of the input length.
func (h *Havoc) stackCount(n int) int {
	c := 1 + h.rand(2+2*bits.Len(uint(n)))
	if h.MaxStack > 0 && c > h.MaxStack {
		c = h.MaxStack
	}
	return c
}

// Mutate returns a fresh candidate derived from seed. seed is not modified.
func (h *Havoc) Mutate(seed []byte) []byte {
	res := make([]byte, len(seed), len(seed)+64)
	copy(res, seed)
	stack := h.stackCount(len(seed))
	applied := 0
	for attempt := 0; applied < stack && attempt < 8*stack; attempt++ {
		m := mutations[h.rand(len(mutations))]
		var ok bool
		if res, ok = m.fn(h, res); ok {
			applied++
		}
	}
	if len(res) > h.MaxSize {
		res = res[:h.MaxSize]
	}
	return res
}

// room is how many bytes may still be added to data.
func (h *Havoc) room(data []byte) int {
	return h.MaxSize - len(data)
}

// insert places chunk at pos. chunk must not alias data.
func insert(data []byte, pos int, chunk []byte) []byte {
	n := len(data)
	data = append(data, chunk...)
	copy(data[pos+len(chunk):], data[pos:n])
	copy(data[pos:], chunk)
	return data
}
