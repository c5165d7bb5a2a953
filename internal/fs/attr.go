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
	"os"
	"strings"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/ebreen/cloudmount/internal/client"
)

const (
	filePerms = 0o644
	dirPerms  = 0o755
)

// suppressedExact is the hard-coded platform metadata probe filter:
// names a desktop file manager probes for on every directory it opens,
// short-circuited here before any REST round trip.
var suppressedExact = map[string]bool{
	".DS_Store":         true,
	".localized":        true,
	".hidden":           true,
	".Spotlight-V100":   true,
	".Trashes":          true,
	".fseventsd":        true,
	".TemporaryItems":   true,
	".VolumeIcon.icns":  true,
	"Icon\r":            true,
}

var suppressedPrefixes = []string{"._", ".com.apple."}

// isSuppressedName reports whether name should short-circuit before any
// REST call. This is a performance measure, not a correctness one; the
// list may grow.
func isSuppressedName(name string) bool {
	if suppressedExact[name] {
		return true
	}
	for _, p := range suppressedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// attrForFile builds the kernel-facing attributes for a regular file
// from its remote FileInfo.
func attrForFile(fi client.FileInfo, uid, gid uint32) fuseops.InodeAttributes {
	t := uploadTime(fi)
	return fuseops.InodeAttributes{
		Size:   uint64(fi.Size),
		Nlink:  1,
		Mode:   filePerms,
		Atime:  t,
		Mtime:  t,
		Ctime:  t,
		Crtime: t,
		Uid:    uid,
		Gid:    gid,
	}
}

// attrForDir builds synthetic directory attributes, used both for blobs
// carrying the folder action and for virtual directories inferred from a
// common prefix.
func attrForDir(now time.Time, uid, gid uint32) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   0,
		Nlink:  2,
		Mode:   os.ModeDir | dirPerms,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
		Uid:    uid,
		Gid:    gid,
	}
}

func uploadTime(fi client.FileInfo) time.Time {
	if fi.UploadTimeMs == 0 {
		return time.Now()
	}
	return time.UnixMilli(int64(fi.UploadTimeMs))
}

// childName derives the immediate child's display name from a listing
// entry's key given the directory's key prefix: strip the prefix,
// truncate at the first remaining "/" (which marks a subdirectory),
// and drop the trailing separator from the display name.
func childName(prefix, key string) (name string, isDir bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == "" {
		return "", false
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx], true
	}
	return rest, false
}
