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

package fs

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// dirHandle buffers one directory's listing for the lifetime of an
// OpenDir/ReadDir/ReleaseDirHandle session: a handle-scoped mutex and a
// fixed-order entries slice served by offset.
type dirHandle struct {
	mu      sync.Mutex
	entries []fuseutil.Dirent
}

func newDirHandle(entries []fuseutil.Dirent) *dirHandle {
	return &dirHandle{entries: entries}
}

// readAt serves entries starting at off, packing as many as fit within
// maxBytes using fuseutil.AppendDirent's encoding. An entry that does not
// fit whole is not written; it is served by the next call.
func (dh *dirHandle) readAt(off fuseops.DirOffset, maxBytes int) []byte {
	dh.mu.Lock()
	defer dh.mu.Unlock()

	var out []byte
	for i := int(off); i < len(dh.entries); i++ {
		dh.entries[i].Offset = fuseops.DirOffset(i + 1)
		next := fuseutil.AppendDirent(out, dh.entries[i])
		if len(next) > maxBytes {
			break
		}
		out = next
	}
	return out
}
