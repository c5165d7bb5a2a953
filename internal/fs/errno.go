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
	"syscall"

	bazilfuse "bazil.org/fuse"

	"github.com/ebreen/cloudmount/internal/resterr"
)

// Errno codes the adapter returns to the kernel. jacobsa/fuse only
// predefines a handful (EIO, ENOENT, ENOSYS, ENOTEMPTY); the error
// taxonomy below needs the remaining POSIX codes too, built the same
// way jacobsa/fuse's own errors.go builds its set: bazilfuse.Errno
// wrapping a syscall.Errno.
const (
	EIO       = bazilfuse.EIO
	ENOENT    = bazilfuse.ENOENT
	ENOSYS    = bazilfuse.ENOSYS
	ENOTEMPTY = bazilfuse.Errno(syscall.ENOTEMPTY)
	EACCES    = bazilfuse.Errno(syscall.EACCES)
	EAGAIN    = bazilfuse.Errno(syscall.EAGAIN)
	ETIMEDOUT = bazilfuse.Errno(syscall.ETIMEDOUT)
	ENODATA   = bazilfuse.Errno(syscall.ENODATA)
	ENOTDIR   = bazilfuse.Errno(syscall.ENOTDIR)
	EEXIST    = bazilfuse.Errno(syscall.EEXIST)
	EBADF     = bazilfuse.Errno(syscall.EBADF)
	EINVAL    = bazilfuse.Errno(syscall.EINVAL)
)

// errnoFor maps a classified REST error to the errno the kernel
// expects.
func errnoFor(err error) error {
	e, ok := err.(*resterr.Error)
	if !ok {
		return EIO
	}

	switch e.Kind {
	case resterr.KindAuthExpired:
		return EACCES
	case resterr.KindRateLimited:
		return EAGAIN
	case resterr.KindNotFound:
		return ENOENT
	case resterr.KindForbidden:
		return EACCES
	case resterr.KindNetwork:
		return EIO
	case resterr.KindServer:
		return EIO
	case resterr.KindTimeout:
		return ETIMEDOUT
	default:
		return EIO
	}
}
