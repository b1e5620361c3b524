// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bradleyjkemp/greyfuzz/coverage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorpusInsertionOrder(t *testing.T) {
	c := New()
	var ids []ID
	for _, s := range []string{"a", "b", "a"} {
		id, err := c.Add(&Testcase{Data: []byte(s)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Deduplication is not the corpus' business.
	assert.Equal(t, 3, c.Count())
	assert.Equal(t, ids, c.IDs())
	assert.Equal(t, []ID{1, 2, 3}, ids)
	tc, err := c.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "b", string(tc.Data))
	assert.False(t, tc.Found.IsZero())
	assert.Same(t, tc, c.At(1))

	_, err = c.Get(42)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCorpusRestore(t *testing.T) {
	c := New()
	require.NoError(t, c.Restore(&Testcase{ID: 7, Data: []byte("x")}))
	assert.Error(t, c.Restore(&Testcase{ID: 7}))
	assert.Error(t, c.Restore(&Testcase{}))
	id, err := c.Add(&Testcase{Data: []byte("y")})
	require.NoError(t, err)
	assert.Equal(t, ID(8), id)
}

func TestOnDiskDurable(t *testing.T) {
	dir := t.TempDir()
	s, err := NewOnDisk(dir)
	require.NoError(t, err)
	crash := []byte("abc\x00\xff")
	id, err := s.Add(&Testcase{
		Data:   crash,
		Cover:  []coverage.Edge{{Index: 1, Hits: 1}},
		Output: []byte("panic: boom"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path(crash))
	require.NoError(t, err)
	assert.Equal(t, crash, data)
	out, err := os.ReadFile(s.Path(crash) + ".output")
	require.NoError(t, err)
	assert.Equal(t, "panic: boom", string(out))
	quoted, err := os.ReadFile(s.Path(crash) + ".quoted")
	require.NoError(t, err)
	assert.Equal(t, "\t\"abc\\x00\\xff\"\n", string(quoted))

	// Same content is stored once.
	again, err := s.Add(&Testcase{Data: crash})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, s.Count())

	// No temporary files are left behind.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	// A new process sees the artifacts.
	s2, err := NewOnDisk(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Count())
	assert.True(t, s2.Contains(crash))
	tc, err := s2.Get(s2.IDs()[0])
	require.NoError(t, err)
	assert.Equal(t, "panic: boom", string(tc.Output))
}

func TestOnDiskRetriesThenFails(t *testing.T) {
	dir := t.TempDir()
	s, err := NewOnDisk(dir)
	require.NoError(t, err)
	s.Backoff = 0
	require.NoError(t, os.RemoveAll(dir))
	_, err = s.Add(&Testcase{Data: []byte("lost")})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestQuote(t *testing.T) {
	data := []byte("0123456789012345678901")
	assert.Equal(t, "\t\"01234567890123456789\" +\n\t\"01\"\n", string(Quote(data)))
	assert.Empty(t, Quote(nil))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("second"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("first-long"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	inputs, err := LoadDir(dir, 6)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("first-"), []byte("second")}, inputs)

	_, err = LoadDir(filepath.Join(dir, "missing"), 0)
	assert.Error(t, err)
}
