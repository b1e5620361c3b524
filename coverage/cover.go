// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coverage

import (
	"github.com/golang/glog"
)

// Edge is one non-zero entry of a classified snapshot.
type Edge struct {
	Index uint32
	Hits  byte
}

func checkSizes(base, cur []byte) {
	if len(base) != len(cur) {
		glog.Fatalf("bad cover table size (%v, %v)", len(base), len(cur))
	}
}

// CompareCover reports whether cur has a counter above base anywhere.
func CompareCover(base, cur []byte) bool {
	checkSizes(base, cur)
	for i, v := range base {
		if cur[i] > v {
			return true
		}
	}
	return false
}

// UpdateMaxCover merges cur into base and returns the number of
// covered entries in the result.
func UpdateMaxCover(base, cur []byte) int {
	checkSizes(base, cur)
	cnt := 0
	for i, x := range cur {
		v := base[i]
		if v != 0 || x > 0 {
			cnt++
		}
		if v < x {
			base[i] = x
		}
	}
	return cnt
}

// FindNewCover returns the entries of cover that exceed base.
func FindNewCover(base, cover []byte) (res []Edge) {
	checkSizes(base, cover)
	for i, b := range base {
		if c := cover[i]; c > b {
			res = append(res, Edge{uint32(i), c})
		}
	}
	return
}

// CountEdges returns the number of non-zero entries.
func CountEdges(cover []byte) int {
	cnt := 0
	for _, v := range cover {
		if v != 0 {
			cnt++
		}
	}
	return cnt
}

// RoundUpCover quantizes a raw counter. Otherwise we get too inflated corpus.
// Without counters any hit is reported as 255.
func RoundUpCover(x byte, counters bool) byte {
	if !counters && x > 0 {
		return 255
	}

	if x <= 5 {
		return x
	} else if x <= 8 {
		return 8
	} else if x <= 16 {
		return 16
	} else if x <= 32 {
		return 32
	} else if x <= 64 {
		return 64
	}
	return 255
}

// Sparse lists the non-zero entries of a classified snapshot in index order.
func Sparse(snapshot []byte) []Edge {
	var res []Edge
	for i, v := range snapshot {
		if v != 0 {
			res = append(res, Edge{uint32(i), v})
		}
	}
	return res
}

// Dense expands edges back into a table of the given size.
// Entries outside the table are dropped.
func Dense(edges []Edge, size int) []byte {
	res := make([]byte, size)
	for _, e := range edges {
		if int(e.Index) < size {
			res[e.Index] = e.Hits
		}
	}
	return res
}
