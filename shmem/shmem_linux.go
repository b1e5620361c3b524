// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package shmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func createFile() (*os.File, error) {
	// The name is only visible in /proc and does not need to be unique.
	fd, err := unix.MemfdCreate("greyfuzz-inflight", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to do memfd_create: %w", err)
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("/proc/self/fd/%d", fd)), nil
}

func closeFile(f *os.File) error {
	return f.Close()
}
