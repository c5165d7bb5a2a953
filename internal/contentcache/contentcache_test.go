// Copyright 2024 The Cloudmount Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package contentcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxBytes int64, clock timeutil.Clock) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{Root: dir, MaxBytes: maxBytes, Clock: clock})
	require.NoError(t, err)
	return c
}

func TestGetOrFetchPopulatesAndReusesEntry(t *testing.T) {
	c := newTestCache(t, DefaultMaxBytes, nil)

	calls := 0
	fetch := func() ([]byte, error) {
		calls++
		return []byte("hello"), nil
	}

	local, err := c.GetOrFetch("a/b.txt", 5, fetch)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = c.GetOrFetch("a/b.txt", 5, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a matching cache entry must not re-invoke the fetcher")
}

func TestHasCachedEvictsOnSizeMismatch(t *testing.T) {
	c := newTestCache(t, DefaultMaxBytes, nil)

	_, err := c.GetOrFetch("p", 3, func() ([]byte, error) { return []byte("abc"), nil })
	require.NoError(t, err)

	_, ok := c.HasCached("p", 120)
	assert.False(t, ok, "a stale size must be treated as a miss")

	_, ok = c.HasCached("p", 3)
	assert.False(t, ok, "the stale entry must have been invalidated, not merely reported missing once")
}

func TestEvictionIsStrictLRU(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	// room for exactly two 600-byte entries, so only the third insert evicts.
	c := newTestCache(t, 1200, clock)

	mk := func(n int) Fetcher {
		return func() ([]byte, error) { return make([]byte, n), nil }
	}

	_, err := c.GetOrFetch("a", 600, mk(600))
	require.NoError(t, err)
	clock.AdvanceTime(time.Second)

	_, err = c.GetOrFetch("b", 600, mk(600))
	require.NoError(t, err)
	clock.AdvanceTime(time.Second)

	// touch a so it becomes more recently used than b.
	_, ok := c.HasCached("a", 600)
	require.True(t, ok)
	clock.AdvanceTime(time.Second)

	_, err = c.GetOrFetch("c", 600, mk(600))
	require.NoError(t, err)

	_, aStillThere := c.HasCached("a", 600)
	_, bStillThere := c.HasCached("b", 600)
	assert.True(t, aStillThere, "recently touched entry must survive eviction")
	assert.False(t, bStillThere, "least-recently-used entry must be evicted")
}

func TestCleanupRemovesLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept"), []byte("y"), 0o644))

	c, err := New(Config{Root: dir})
	require.NoError(t, err)
	require.NoError(t, c.Cleanup())

	_, err = os.Stat(filepath.Join(dir, "stale.tmp"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dir, "kept"))
	assert.NoError(t, err)

	// safe to call repeatedly.
	require.NoError(t, c.Cleanup())
}
