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

package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootIsPrepopulated(t *testing.T) {
	tbl := New()

	path, ok := tbl.PathOf(Root)
	require.True(t, ok)
	assert.Equal(t, "", path)

	ino, ok := tbl.InoOf("")
	require.True(t, ok)
	assert.Equal(t, Root, ino)
}

func TestLookupOrCreateIsStableAndBidirectional(t *testing.T) {
	tbl := New()

	a := tbl.LookupOrCreate("foo/bar")
	b := tbl.LookupOrCreate("/foo/bar/")
	assert.Equal(t, a, b, "normalized-equal paths must share one inode")

	path, ok := tbl.PathOf(a)
	require.True(t, ok)
	assert.Equal(t, "foo/bar", path)

	ino, ok := tbl.InoOf("foo/bar")
	require.True(t, ok)
	assert.Equal(t, a, ino)
}

func TestParentOf(t *testing.T) {
	tbl := New()

	top := tbl.LookupOrCreate("a")
	assert.Equal(t, Root, tbl.ParentOf(top), "a top-level path's parent is root")

	child := tbl.LookupOrCreate("a/b")
	assert.Equal(t, top, tbl.ParentOf(child))

	assert.Equal(t, Root, tbl.ParentOf(Root), "root's parent is itself")
}

func TestRemoveByPathIsIdempotent(t *testing.T) {
	tbl := New()
	ino := tbl.LookupOrCreate("x")

	tbl.RemoveByPath("x")
	_, ok := tbl.InoOf("x")
	assert.False(t, ok)

	// removing again must not panic or error.
	tbl.RemoveByPath("x")

	// a fresh lookup allocates a new inode; the old one is not resurrected.
	newIno := tbl.LookupOrCreate("x")
	assert.NotEqual(t, ino, newIno)
}

func TestRenameEvictsDestinationMapping(t *testing.T) {
	tbl := New()
	src := tbl.LookupOrCreate("src")
	dst := tbl.LookupOrCreate("dst")

	tbl.Rename(src, "dst")

	ino, ok := tbl.InoOf("dst")
	require.True(t, ok)
	assert.Equal(t, src, ino, "dst now resolves to the renamed inode")

	_, ok = tbl.PathOf(dst)
	assert.False(t, ok, "the old inode's mapping for dst must be evicted")

	_, ok = tbl.InoOf("src")
	assert.False(t, ok, "the old path must no longer resolve")
}
