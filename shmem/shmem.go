// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix

// Package shmem implements the inflight region: a small shared mapping in
// which a worker publishes the input it is currently executing, so that its
// supervisor can recover the input after the worker dies.
package shmem

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region layout:
//
//	[0:4]   state, 0 idle, 1 running
//	[8:16]  start time, unix nanoseconds
//	[16:24] input length
//	[24:]   input bytes
const HeaderSize = 24

const (
	stateIdle    = 0
	stateRunning = 1
)

type Region struct {
	f   *os.File
	mem []byte
	own bool
}

// Create allocates a region able to hold inputs of up to maxInput bytes.
func Create(maxInput int) (*Region, error) {
	size := HeaderSize + maxInput
	f, err := createFile()
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		closeFile(f)
		return nil, fmt.Errorf("failed to truncate inflight region: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		closeFile(f)
		return nil, fmt.Errorf("failed to mmap inflight region: %w", err)
	}
	return &Region{f: f, mem: mem, own: true}, nil
}

// Open maps a region inherited from the parent process.
func Open(f *os.File) (*Region, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat inflight region: %w", err)
	}
	if st.Size() < HeaderSize {
		return nil, fmt.Errorf("inflight region is too small (%v bytes)", st.Size())
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap inflight region: %w", err)
	}
	return &Region{f: f, mem: mem}, nil
}

// File returns the descriptor to hand to a child through exec.Cmd.ExtraFiles.
func (r *Region) File() *os.File {
	return r.f
}

func (r *Region) state() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[0]))
}

func (r *Region) start() *int64 {
	return (*int64)(unsafe.Pointer(&r.mem[8]))
}

func (r *Region) length() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[16]))
}

// Begin publishes data as the running input. Inputs larger than the
// region are truncated.
func (r *Region) Begin(data []byte) {
	n := copy(r.mem[HeaderSize:], data)
	atomic.StoreUint64(r.length(), uint64(n))
	atomic.StoreInt64(r.start(), time.Now().UnixNano())
	atomic.StoreUint32(r.state(), stateRunning)
}

// End marks the region idle.
func (r *Region) End() {
	atomic.StoreUint32(r.state(), stateIdle)
	atomic.StoreInt64(r.start(), 0)
}

// Started returns the start time of the running input, if any.
func (r *Region) Started() (time.Time, bool) {
	if atomic.LoadUint32(r.state()) != stateRunning {
		return time.Time{}, false
	}
	ns := atomic.LoadInt64(r.start())
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Inflight returns a copy of the input that was running when the owner
// stopped, or false if the owner was idle.
func (r *Region) Inflight() ([]byte, bool) {
	if atomic.LoadUint32(r.state()) != stateRunning {
		return nil, false
	}
	n := atomic.LoadUint64(r.length())
	if n > uint64(len(r.mem)-HeaderSize) {
		return nil, false
	}
	return append([]byte{}, r.mem[HeaderSize:HeaderSize+int(n)]...), true
}

// Reset clears the region before it is handed to a new process.
func (r *Region) Reset() {
	r.End()
	atomic.StoreUint64(r.length(), 0)
}

func (r *Region) Close() error {
	err1 := unix.Munmap(r.mem)
	var err2 error
	if r.own {
		err2 = closeFile(r.f)
	} else {
		err2 = r.f.Close()
	}
	switch {
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	default:
		return nil
	}
}
