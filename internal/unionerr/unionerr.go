// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package unionerr holds the handful of sentinel errors that flow between
// the core packages (C2-C8). None of these are ever returned across the
// Directory Interface boundary: internal/fs converts each to the matching
// syscall.Errno before handing a result back to the host.
package unionerr

import (
	"errors"
	"syscall"
)

var (
	// ErrCopyUp is the distinguished retry signal from §4.5/§7: a mutation
	// cannot proceed on the branch it was attempted against and must be
	// retried on a higher, writable branch. A mutation loop that exhausts
	// every branch converts this to syscall.EROFS.
	ErrCopyUp = errors.New("stackfs: copy-up required on a higher branch")

	// ErrStale marks a fan-out node whose backing object vanished out from
	// under the union between revalidations. Callers convert this to
	// syscall.ESTALE so the host drops its cache entry.
	ErrStale = errors.New("stackfs: fan-out node is stale")

	// ErrReservedName is returned by the name protocol for any user-visible
	// operation attempted against a whiteout-prefixed or opacity-marker name.
	ErrReservedName = errors.New("stackfs: name is reserved for internal use")

	// ErrNotEmpty mirrors the rmdir emptiness failure from §4.6/P6.
	ErrNotEmpty = errors.New("stackfs: directory is not logically empty")
)

// AsErrno converts a core error to the syscall.Errno the Directory Interface
// shim should report to the host. Unrecognized errors are reported as EIO,
// matching §7's "lower error forwarded verbatim, else EIO" default for
// errors that aren't already a syscall.Errno.
func AsErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, ErrCopyUp):
		return syscall.EROFS
	case errors.Is(err, ErrStale):
		return syscall.ESTALE
	case errors.Is(err, ErrReservedName):
		return syscall.EPERM
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	default:
		return syscall.EIO
	}
}
