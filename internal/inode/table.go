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

// Package inode provides the bidirectional path<->inode-number table
// used by the filesystem adapter. It indexes a flat,
// eventually-consistent key space with no concept of object
// generation: two normalized-equal paths always share one inode, for
// the lifetime of the mount.
package inode

import (
	"strings"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// Root is the reserved inode number for the mount root, always bound to
// the empty path.
const Root = fuseops.InodeID(1)

const firstAllocated = fuseops.InodeID(2)

// Normalize strips leading/trailing slashes so that two differently
// spelled inputs referring to the same remote key collide on one inode.
func Normalize(path string) string {
	return strings.Trim(path, "/")
}

// Table is the two-map path<->ino index. Locking is a plain mutex: the
// table is small and every critical section is non-suspending (no REST
// call is ever made while holding it).
type Table struct {
	mu       sync.Mutex
	pathToID map[string]fuseops.InodeID
	idToPath map[fuseops.InodeID]string
	nextID   fuseops.InodeID
}

// New returns a Table with only the root entry populated.
func New() *Table {
	t := &Table{
		pathToID: make(map[string]fuseops.InodeID),
		idToPath: make(map[fuseops.InodeID]string),
		nextID:   firstAllocated,
	}
	t.pathToID[""] = Root
	t.idToPath[Root] = ""
	return t
}

// LookupOrCreate returns the inode bound to path, allocating one if this
// is the first reference. Lookups never fail.
func (t *Table) LookupOrCreate(path string) fuseops.InodeID {
	path = Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if ino, ok := t.pathToID[path]; ok {
		return ino
	}

	ino := t.nextID
	t.nextID++
	t.pathToID[path] = ino
	t.idToPath[ino] = path
	return ino
}

// PathOf returns the path bound to ino, if any.
func (t *Table) PathOf(ino fuseops.InodeID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.idToPath[ino]
	return p, ok
}

// InoOf returns the inode bound to path, if any, without allocating.
func (t *Table) InoOf(path string) (fuseops.InodeID, bool) {
	path = Normalize(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	ino, ok := t.pathToID[path]
	return ino, ok
}

// ParentOf returns the inode of ino's containing directory. The root's
// parent is the root itself; a path with no "/" also resolves to root.
func (t *Table) ParentOf(ino fuseops.InodeID) fuseops.InodeID {
	path, ok := t.PathOf(ino)
	if !ok || path == "" {
		return Root
	}

	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return Root
	}

	parentPath := path[:idx]
	t.mu.Lock()
	defer t.mu.Unlock()
	if pino, ok := t.pathToID[parentPath]; ok {
		return pino
	}
	return Root
}

// RemoveByIno drops the entry for ino, if any. Idempotent.
func (t *Table) RemoveByIno(ino fuseops.InodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.idToPath[ino]; ok {
		delete(t.pathToID, p)
		delete(t.idToPath, ino)
	}
}

// RemoveByPath drops the entry for path, if any. Idempotent.
func (t *Table) RemoveByPath(path string) {
	path = Normalize(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	if ino, ok := t.pathToID[path]; ok {
		delete(t.pathToID, path)
		delete(t.idToPath, ino)
	}
}

// Rename rebinds ino to newPath. If newPath already names a different
// inode, that mapping is evicted first so the bidirectional invariant
// never has two inodes claiming one path.
func (t *Table) Rename(ino fuseops.InodeID, newPath string) {
	newPath = Normalize(newPath)

	t.mu.Lock()
	defer t.mu.Unlock()

	if oldIno, ok := t.pathToID[newPath]; ok && oldIno != ino {
		delete(t.idToPath, oldIno)
	}

	if oldPath, ok := t.idToPath[ino]; ok {
		delete(t.pathToID, oldPath)
	}

	t.pathToID[newPath] = ino
	t.idToPath[ino] = newPath
}
