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

// Package contentcache implements the on-disk, size-bounded, LRU-evicted
// blob cache. One Cache is rooted per mounted bucket under the
// platform cache directory.
package contentcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jacobsa/timeutil"
)

// DefaultMaxBytes is the content-cache default cap (1 GiB).
const DefaultMaxBytes = 1 << 30

const tmpSuffix = ".tmp"

// Fetcher returns the full bytes of a blob when the cache must populate
// an entry from the remote store.
type Fetcher func() ([]byte, error)

type entry struct {
	localPath  string
	size       int64
	lastAccess int64 // unix nanos
}

// Cache is the on-disk content cache for one mount.
type Cache struct {
	root     string
	maxBytes int64
	clock    timeutil.Clock

	mu      sync.Mutex
	entries map[string]entry // remote path -> entry
	total   int64
}

// Config configures a Cache.
type Config struct {
	Root     string
	MaxBytes int64
	Clock    timeutil.Clock
}

// New constructs a Cache rooted at cfg.Root, creating the directory if
// necessary.
func New(cfg Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("contentcache: root directory is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("contentcache: create root: %w", err)
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	return &Cache{
		root:     cfg.Root,
		maxBytes: maxBytes,
		clock:    clock,
		entries:  make(map[string]entry),
	}, nil
}

// escape maps a remote key to a safe local filename: path separators
// and other reserved characters are replaced so the remote namespace,
// which may contain ':' or other characters illegal on some host
// filesystems, always has a representable local path.
func escape(remotePath string) string {
	r := strings.NewReplacer(
		"/", "_",
		":", "_colon_",
		"\\", "_bslash_",
	)
	return r.Replace(remotePath)
}

func (c *Cache) localPathFor(remotePath string) string {
	return filepath.Join(c.root, escape(remotePath))
}

// HasCached reports whether remotePath is cached and matches
// expectedSize, returning its local path. A size mismatch deletes the
// stale entry and reports a miss.
func (c *Cache) HasCached(remotePath string, expectedSize int64) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[remotePath]
	c.mu.Unlock()

	if !ok {
		return "", false
	}
	if e.size != expectedSize {
		c.Invalidate(remotePath)
		return "", false
	}

	c.touch(remotePath)
	return e.localPath, true
}

func (c *Cache) touch(remotePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[remotePath]; ok {
		e.lastAccess = c.clock.Now().UnixNano()
		c.entries[remotePath] = e
	}
}

// PathFor returns the local path a write handle for remotePath should
// use. It does not register a cache entry; the caller must call Put once
// the handle is flushed and the true size is known.
func (c *Cache) PathFor(remotePath string) string {
	return c.localPathFor(remotePath)
}

// Put records remotePath as cached at PathFor(remotePath) with the given
// size, replacing any prior entry, then evicts as needed.
func (c *Cache) Put(remotePath string, size int64) {
	c.mu.Lock()
	if e, ok := c.entries[remotePath]; ok {
		c.total -= e.size
	}
	c.total += size
	c.entries[remotePath] = entry{
		localPath:  c.localPathFor(remotePath),
		size:       size,
		lastAccess: c.clock.Now().UnixNano(),
	}
	c.mu.Unlock()

	c.evictIfNeeded()
}

// GetOrFetch returns the local path holding remotePath's bytes, fetching
// and atomically storing them if absent or stale, then evicting as
// needed to respect the size cap.
func (c *Cache) GetOrFetch(remotePath string, expectedSize int64, fetch Fetcher) (string, error) {
	if local, ok := c.HasCached(remotePath, expectedSize); ok {
		return local, nil
	}

	data, err := fetch()
	if err != nil {
		return "", err
	}

	local := c.localPathFor(remotePath)
	if err := c.writeAtomic(local, data); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.total += int64(len(data))
	c.entries[remotePath] = entry{
		localPath:  local,
		size:       int64(len(data)),
		lastAccess: c.clock.Now().UnixNano(),
	}
	c.mu.Unlock()

	c.evictIfNeeded()
	return local, nil
}

// writeAtomic writes data to a sibling temp file and renames it onto
// path, so a reader never observes a partially written cache entry.
func (c *Cache) writeAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("contentcache: create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("contentcache: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("contentcache: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("contentcache: close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("contentcache: rename into place: %w", err)
	}
	return nil
}

// Invalidate removes remotePath from disk and from the table.
// Idempotent.
func (c *Cache) Invalidate(remotePath string) {
	c.mu.Lock()
	e, ok := c.entries[remotePath]
	if ok {
		delete(c.entries, remotePath)
		c.total -= e.size
	}
	c.mu.Unlock()

	if ok {
		os.Remove(e.localPath)
	}
}

// evictIfNeeded removes least-recently-used entries until the tracked
// total is at or below the configured maximum.
func (c *Cache) evictIfNeeded() {
	c.mu.Lock()
	if c.total <= c.maxBytes {
		c.mu.Unlock()
		return
	}

	type victim struct {
		path string
		e    entry
	}
	victims := make([]victim, 0, len(c.entries))
	for p, e := range c.entries {
		victims = append(victims, victim{path: p, e: e})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].e.lastAccess < victims[j].e.lastAccess })

	var toRemove []string
	total := c.total
	for _, v := range victims {
		if total <= c.maxBytes {
			break
		}
		toRemove = append(toRemove, v.path)
		total -= v.e.size
	}
	c.mu.Unlock()

	for _, p := range toRemove {
		c.Invalidate(p)
	}
}

// Cleanup removes any leftover *.tmp files from a prior run. Safe to
// call repeatedly.
func (c *Cache) Cleanup() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("contentcache: read root: %w", err)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if strings.HasSuffix(de.Name(), tmpSuffix) {
			_ = os.Remove(filepath.Join(c.root, de.Name()))
		}
	}
	return nil
}

// TotalBytes returns the tracked total size on disk, for the control
// channel's status response.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
