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

// Package handles implements the open-file handle table: one entry per
// open read or write session, backed by a local temp file.
package handles

import (
	"fmt"
	"os"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// ID is a handle identifier, allocated monotonically starting at 1 (0 is
// avoided because some kernel bridges reserve it).
type ID uint64

// Handle is one open-file session.
type Handle struct {
	Ino           fuseops.InodeID
	RemotePath    string
	LocalTempPath string
	File          *os.File
	IsWrite       bool
	IsDirty       bool
}

// Table is the handle table for one mount. Locking is a plain mutex:
// sessions are short-lived bookkeeping, never held across a REST call.
type Table struct {
	mu      sync.Mutex
	next    ID
	entries map[ID]*Handle
}

// New returns an empty Table.
func New() *Table {
	return &Table{next: 1, entries: make(map[ID]*Handle)}
}

// OpenRead registers a read handle backed by the already-populated local
// file at localPath.
func (t *Table) OpenRead(ino fuseops.InodeID, remotePath, localPath string) (ID, error) {
	f, err := os.OpenFile(localPath, os.O_RDONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("handles: open for read: %w", err)
	}
	return t.register(&Handle{Ino: ino, RemotePath: remotePath, LocalTempPath: localPath, File: f, IsWrite: false}), nil
}

// OpenWrite registers a write handle backed by the local file at
// localPath, which may already exist (download-then-edit) or be freshly
// created (O_TRUNC / create).
func (t *Table) OpenWrite(ino fuseops.InodeID, remotePath, localPath string) (ID, error) {
	f, err := os.OpenFile(localPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("handles: open for write: %w", err)
	}
	return t.register(&Handle{Ino: ino, RemotePath: remotePath, LocalTempPath: localPath, File: f, IsWrite: true}), nil
}

func (t *Table) register(h *Handle) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.entries[id] = h
	return id
}

// Get returns the handle for fh, if it exists.
func (t *Table) Get(fh ID) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fh]
	return h, ok
}

// MarkDirty flags fh as having unsynced local writes.
func (t *Table) MarkDirty(fh ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.entries[fh]; ok {
		h.IsDirty = true
	}
}

// Close removes fh from the table and returns it so the caller can
// perform post-close actions (upload, temp-file cleanup). The caller is
// responsible for closing Handle.File.
func (t *Table) Close(fh ID) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fh]
	if ok {
		delete(t.entries, fh)
	}
	return h, ok
}
