// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir reads every regular file of dir as one input, in name order.
// Inputs longer than maxSize are truncated.
func LoadDir(dir string, maxSize int) ([][]byte, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed dir: %w", err)
	}
	var inputs [][]byte
	for _, f := range files {
		if !f.Type().IsRegular() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read seed: %w", err)
		}
		if maxSize > 0 && len(data) > maxSize {
			data = data[:maxSize]
		}
		inputs = append(inputs, data)
	}
	return inputs, nil
}
