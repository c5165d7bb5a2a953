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

package metacache

import (
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttrRoundTripAndExpiry(t *testing.T) {
	c := New(Config{AttrTTL: 20 * time.Millisecond})

	_, ok := c.GetAttr(fuseops.InodeID(2))
	assert.False(t, ok)

	c.PutAttr(fuseops.InodeID(2), fuseops.InodeAttributes{Size: 42})

	attr, ok := c.GetAttr(fuseops.InodeID(2))
	require.True(t, ok)
	assert.EqualValues(t, 42, attr.Size)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.GetAttr(fuseops.InodeID(2))
	assert.False(t, ok, "entry must expire once its TTL elapses")
}

func TestNegativeCacheSuppressesLookups(t *testing.T) {
	c := New(Config{NegativeTTL: time.Minute})

	assert.False(t, c.IsNegative("missing"))
	c.PutNegative("missing")
	assert.True(t, c.IsNegative("missing"))

	c.RemoveNegative("missing")
	assert.False(t, c.IsNegative("missing"), "mutation must purge the negative entry before acknowledging")
}

func TestDirListingCache(t *testing.T) {
	c := New(Config{DirTTL: time.Minute})

	children := []DirChild{{Name: "a", Ino: 2, Kind: fuseutil.DT_File}}
	c.PutDir(fuseops.InodeID(1), children)

	got, ok := c.GetDir(fuseops.InodeID(1))
	require.True(t, ok)
	assert.Equal(t, children, got)
}

func TestInvalidateDropsAttrAndDir(t *testing.T) {
	c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute})
	c.PutAttr(fuseops.InodeID(1), fuseops.InodeAttributes{Size: 1})
	c.PutDir(fuseops.InodeID(1), []DirChild{{Name: "a"}})

	c.Invalidate(fuseops.InodeID(1))

	_, ok := c.GetAttr(fuseops.InodeID(1))
	assert.False(t, ok)
	_, ok = c.GetDir(fuseops.InodeID(1))
	assert.False(t, ok)
}

func TestInvalidateAllResetsStats(t *testing.T) {
	c := New(Config{})
	c.PutAttr(fuseops.InodeID(2), fuseops.InodeAttributes{Size: 1})
	c.GetAttr(fuseops.InodeID(2))
	c.GetAttr(fuseops.InodeID(3))

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)

	c.InvalidateAll()
	stats = c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)

	_, ok := c.GetAttr(fuseops.InodeID(2))
	assert.False(t, ok, "InvalidateAll must flush the underlying stores, not just the counters")
}
