// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command babyfuzz fuzzes a toy target that panics on inputs starting
// with "abc". Coverage is recorded by hand instead of by instrumentation.
package main

import (
	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/bradleyjkemp/greyfuzz/runner"
)

const signals = 16

func fuzz(cov *coverage.Map, data []byte) {
	cov.Hit(0)
	if len(data) > 0 && data[0] == 'a' {
		cov.Hit(1)
		if len(data) > 1 && data[1] == 'b' {
			cov.Hit(2)
			if len(data) > 2 && data[2] == 'c' {
				panic("=)")
			}
		}
	}
}

func main() {
	runner.Main(runner.Target{Name: "baby", Harness: fuzz, MapSize: signals})
}
