// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/bradleyjkemp/greyfuzz/events"
)

func TestMinimize(t *testing.T) {
	contains := func(sub string) func([]byte) bool {
		return func(c []byte) bool { return bytes.Contains(c, []byte(sub)) }
	}
	assert.Equal(t, []byte("abc"), Minimize([]byte("xxabcxx"), 0, contains("abc")))
	assert.Equal(t, []byte("000"), Minimize(bytes.Repeat([]byte("z"), 3000), 0, func(c []byte) bool {
		return len(c) >= 3
	}))
	long := append(bytes.Repeat([]byte{'q'}, 5000), "needle"...)
	assert.Equal(t, []byte("needle"), Minimize(long, 0, contains("needle")))
	// Bytes that do not matter are canonicalized.
	assert.Equal(t, []byte("000"), Minimize([]byte("xyzw"), 0, func(c []byte) bool { return len(c) == 3 }))
	// The input itself is never modified.
	in := []byte("keep me")
	Minimize(in, 0, func([]byte) bool { return true })
	assert.Equal(t, []byte("keep me"), in)
}

func TestMinimizeLimit(t *testing.T) {
	calls := 0
	res := Minimize(bytes.Repeat([]byte("a"), 100), time.Nanosecond, func(c []byte) bool {
		calls++
		time.Sleep(time.Millisecond)
		return true
	})
	assert.LessOrEqual(t, calls, 1)
	assert.NotEmpty(t, res)
}

func TestMinimizeCrash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Minimize = true
	f, err := New(cfg, Options{}, func(cov *coverage.Map, data []byte) {
		if bytes.Contains(data, []byte("abc")) {
			panic("abc")
		}
	}, events.NewSimple())
	require.NoError(t, err)
	v, err := f.Evaluate([]byte("xxabcxx"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, Solution, v)

	// The reproducer as found is kept next to the smaller one.
	var got []string
	for _, tc := range f.Solutions().Testcases() {
		got = append(got, string(tc.Data))
		assert.Contains(t, string(tc.Output), "panic: abc")
	}
	assert.Equal(t, []string{"xxabcxx", "abc"}, got)
	assert.Equal(t, "minimize", f.Solutions().Testcases()[1].Origin)
}

func TestMinimizeKeepsOriginal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Minimize = true
	f, err := New(cfg, Options{}, func(cov *coverage.Map, data []byte) {
		if bytes.IndexByte(data, 'X') >= 0 {
			panic("X")
		}
	}, events.NewSimple())
	require.NoError(t, err)
	v, err := f.Evaluate([]byte("aaXbb"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, Solution, v)
	assert.True(t, f.Solutions().Contains([]byte("aaXbb")))
	assert.True(t, f.Solutions().Contains([]byte("X")))
	assert.Equal(t, 2, f.Solutions().Count())

	// An input that is already minimal is stored once.
	cfg = testConfig(t)
	cfg.Minimize = true
	f, err = New(cfg, Options{}, func(cov *coverage.Map, data []byte) {
		if bytes.IndexByte(data, 'X') >= 0 {
			panic("X")
		}
	}, events.NewSimple())
	require.NoError(t, err)
	_, err = f.Evaluate([]byte("X"), "seed", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Solutions().Count())
}
