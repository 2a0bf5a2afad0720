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

// Package nameproto implements the whiteout/opaque name-space protocol
// (C3, §4.2 and §6): the bit-exact encoding of whiteout and opacity marker
// names, and the validation rule that keeps user-visible operations from
// ever touching an internal name.
package nameproto

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/stackfs/stackfs/internal/unionerr"
)

// WhiteoutPrefix is the bit-exact 4 byte prefix from §6.
const WhiteoutPrefix = ".wh."

// OpaqueMarker is the sentinel regular file that marks a directory opaque.
const OpaqueMarker = ".wh.__dir_opaque"

// WhiteoutName returns the on-disk whiteout name that hides name.
func WhiteoutName(name string) string {
	return WhiteoutPrefix + name
}

// IsWhiteout reports whether diskName is a whiteout entry, as opposed to the
// opacity marker itself (which is also prefixed but names no shadowed file).
func IsWhiteout(diskName string) bool {
	return strings.HasPrefix(diskName, WhiteoutPrefix) && diskName != OpaqueMarker
}

// StripWhiteout returns the name a whiteout entry shadows, and true if
// diskName is in fact a whiteout (and not the opacity marker).
func StripWhiteout(diskName string) (name string, ok bool) {
	if !IsWhiteout(diskName) {
		return "", false
	}
	return diskName[len(WhiteoutPrefix):], true
}

// IsOpaqueMarker reports whether diskName is the directory-opacity sentinel.
func IsOpaqueMarker(diskName string) bool {
	return diskName == OpaqueMarker
}

// IsReserved reports whether name may not be used as a user-visible name:
// it begins with the whiteout prefix, or is exactly the opacity marker.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, WhiteoutPrefix)
}

// Validate fails with unionerr.ErrReservedName (→ EPERM) iff name is
// reserved. Every mutation and lookup entry point in C4/C7 calls this
// before ever consulting a lower branch, per P7.
func Validate(name string) error {
	if IsReserved(name) {
		return fmt.Errorf("%q: %w", name, unionerr.ErrReservedName)
	}
	return nil
}

// SillyName renders the silly-rename template from §6:
// ".unionfs%0*lx%0*x" with the source-branch inode number and the
// process-wide counter each zero-padded to twice their byte width.
func SillyName(ino uint64, counter uint32) string {
	inoWidth := 2 * (bits.UintSize / 8)
	if inoWidth == 0 {
		inoWidth = 16
	}
	const counterWidth = 2 * 4 // sizeof(uint32)
	return fmt.Sprintf(".unionfs%0*x%0*x", inoWidth, ino, counterWidth, counter)
}
