// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix && !linux

package shmem

import (
	"fmt"
	"os"
)

func createFile() (*os.File, error) {
	f, err := os.CreateTemp("", "greyfuzz-inflight")
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight file: %w", err)
	}
	return f, nil
}

func closeFile(f *os.File) error {
	err1 := f.Close()
	err2 := os.Remove(f.Name())
	if err1 != nil {
		return err1
	}
	return err2
}
