// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix

package shmem

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionInflight(t *testing.T) {
	r, err := Create(16)
	require.NoError(t, err)
	defer r.Close()

	_, ok := r.Inflight()
	assert.False(t, ok)

	before := time.Now()
	r.Begin([]byte("abc"))
	data, ok := r.Inflight()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), data)
	started, ok := r.Started()
	require.True(t, ok)
	assert.False(t, started.Before(before.Truncate(time.Microsecond)))

	r.End()
	_, ok = r.Inflight()
	assert.False(t, ok)

	r.Begin([]byte("0123456789abcdefXYZ"))
	data, _ = r.Inflight()
	assert.Equal(t, []byte("0123456789abcdef"), data)
	r.Reset()
	_, ok = r.Started()
	assert.False(t, ok)
}

func TestRegionSharedAcrossMappings(t *testing.T) {
	r, err := Create(64)
	require.NoError(t, err)
	defer r.Close()

	// A second mapping of the same descriptor plays the role of the child.
	fd, err := dupFile(r.File())
	require.NoError(t, err)
	child, err := Open(fd)
	require.NoError(t, err)
	defer child.Close()

	child.Begin([]byte("crash me"))
	data, ok := r.Inflight()
	require.True(t, ok)
	assert.Equal(t, "crash me", string(data))
}

func dupFile(f *os.File) (*os.File, error) {
	return os.OpenFile(f.Name(), os.O_RDWR, 0)
}
