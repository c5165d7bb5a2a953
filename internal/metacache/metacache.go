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

// Package metacache implements the TTL-bounded attribute, directory
// listing, and negative-lookup caches, one go-cache store per concern
// so each gets its own expiration and background sweep.
package metacache

import (
	"strconv"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

const (
	// DefaultAttrTTL is the attribute TTL.
	DefaultAttrTTL = 10 * time.Minute
	// DefaultDirTTL is the directory listing TTL.
	DefaultDirTTL = 5 * time.Minute
	// DefaultNegativeTTL mirrors the attribute TTL.
	DefaultNegativeTTL = 10 * time.Minute

	minCleanupInterval = time.Second
)

// DirChild is one entry of a cached directory listing.
type DirChild struct {
	Name string
	Ino  fuseops.InodeID
	Kind fuseutil.DirentType
}

// Stats holds the monotonic hit/miss counters exposed by Stats().
type Stats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns Hits / (Hits + Misses), or 0 when there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the combined attribute/directory/negative cache for one
// mount, backed by three independently expiring go-cache stores.
type Cache struct {
	attrs    *cache.Cache
	dirs     *cache.Cache
	negative *cache.Cache

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Config overrides the default TTLs; zero values fall back to the
// package defaults above.
type Config struct {
	AttrTTL     time.Duration
	DirTTL      time.Duration
	NegativeTTL time.Duration
}

// New constructs an empty Cache.
func New(cfg Config) *Cache {
	attrTTL := cfg.AttrTTL
	if attrTTL == 0 {
		attrTTL = DefaultAttrTTL
	}
	dirTTL := cfg.DirTTL
	if dirTTL == 0 {
		dirTTL = DefaultDirTTL
	}
	negTTL := cfg.NegativeTTL
	if negTTL == 0 {
		negTTL = DefaultNegativeTTL
	}

	return &Cache{
		attrs:    cache.New(attrTTL, cleanupInterval(attrTTL)),
		dirs:     cache.New(dirTTL, cleanupInterval(dirTTL)),
		negative: cache.New(negTTL, cleanupInterval(negTTL)),
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	return interval
}

func inoKey(ino fuseops.InodeID) string {
	return strconv.FormatUint(uint64(ino), 10)
}

// GetAttr returns the cached attributes for ino, if present and
// unexpired.
func (c *Cache) GetAttr(ino fuseops.InodeID) (fuseops.InodeAttributes, bool) {
	v, ok := c.attrs.Get(inoKey(ino))
	if !ok {
		c.misses.Add(1)
		return fuseops.InodeAttributes{}, false
	}
	c.hits.Add(1)
	return v.(fuseops.InodeAttributes), true
}

// PutAttr stores attr for ino under the cache's configured attribute
// TTL.
func (c *Cache) PutAttr(ino fuseops.InodeID, attr fuseops.InodeAttributes) {
	c.attrs.SetDefault(inoKey(ino), attr)
}

// GetDir returns the cached directory listing for ino, if present and
// unexpired.
func (c *Cache) GetDir(ino fuseops.InodeID) ([]DirChild, bool) {
	v, ok := c.dirs.Get(inoKey(ino))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v.([]DirChild), true
}

// PutDir stores a directory listing for ino under the cache's
// configured directory TTL.
func (c *Cache) PutDir(ino fuseops.InodeID, children []DirChild) {
	c.dirs.SetDefault(inoKey(ino), children)
}

// IsNegative reports whether path is currently suppressed by a negative
// entry. Callers must consult this before issuing any REST call during
// a lookup.
func (c *Cache) IsNegative(path string) bool {
	_, ok := c.negative.Get(path)
	if !ok {
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

// PutNegative records path as currently absent.
func (c *Cache) PutNegative(path string) {
	c.negative.SetDefault(path, struct{}{})
}

// RemoveNegative clears path's negative entry, if any. Mutations that
// create path must call this before acknowledging success.
func (c *Cache) RemoveNegative(path string) {
	c.negative.Delete(path)
}

// Invalidate drops any cached attribute and directory listing for ino.
// Idempotent.
func (c *Cache) Invalidate(ino fuseops.InodeID) {
	c.attrs.Delete(inoKey(ino))
	c.dirs.Delete(inoKey(ino))
}

// InvalidateAll clears every cache and resets the hit/miss counters.
func (c *Cache) InvalidateAll() {
	c.attrs.Flush()
	c.dirs.Flush()
	c.negative.Flush()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns a snapshot of the hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
