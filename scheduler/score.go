// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"github.com/bradleyjkemp/greyfuzz/corpus"
)

func rescore(all []*corpus.Testcase) {
	if len(all) == 0 {
		return
	}
	var totalTime, totalCover float64
	for _, tc := range all {
		totalTime += float64(tc.ExecTime)
		totalCover += float64(len(tc.Cover))
	}
	avgTime := totalTime / float64(len(all))
	avgCover := totalCover / float64(len(all))
	for _, tc := range all {
		tc.PerfScore = PerfScore(tc, avgTime, avgCover)
	}
}

// PerfScore rates a testcase against corpus averages. Fast, deep and
// favored testcases and those with a large coverage get more attention.
func PerfScore(tc *corpus.Testcase, avgTime, avgCover float64) float64 {
	score := 100.0
	t := float64(tc.ExecTime)
	switch {
	case t*0.1 > avgTime:
		score = 10
	case t*0.25 > avgTime:
		score = 25
	case t*0.5 > avgTime:
		score = 50
	case t*0.75 > avgTime:
		score = 75
	case t*4 < avgTime:
		score = 300
	case t*3 < avgTime:
		score = 200
	case t*2 < avgTime:
		score = 150
	}

	c := float64(len(tc.Cover))
	switch {
	case c*0.3 > avgCover:
		score *= 3
	case c*0.5 > avgCover:
		score *= 2
	case c*0.75 > avgCover:
		score *= 1.5
	case c*3 < avgCover:
		score *= 0.25
	case c*2 < avgCover:
		score *= 0.5
	case c*1.5 < avgCover:
		score *= 0.75
	}

	switch d := tc.Depth; {
	case d <= 3:
	case d <= 7:
		score *= 2
	case d <= 13:
		score *= 3
	case d <= 25:
		score *= 4
	default:
		score *= 5
	}

	if tc.Favored {
		score *= 2
	}

	if score < minScore {
		score = minScore
	}
	if score > maxScore {
		score = maxScore
	}
	return score
}
