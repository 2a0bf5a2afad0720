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

// Package dirio is the Directory Interface (§6): the small set of
// per-branch primitives the core (C1-C8) requires from a host filesystem.
// Everything in this package is the "external collaborator" the spec
// describes in §1 — per-call locking macros, xattr passthrough, and
// page-cache copy loops belong to the host, not here. This package only
// defines the contract and one concrete implementation, OSDir, backed
// by the real OS filesystem via os.* and golang.org/x/sys/unix.
package dirio

import (
	"context"
	"io"
	"os"
	"time"
)

// Attr is the subset of inode attributes the core cares about. Mode
// encodes both the permission bits and the type bits (os.ModeDir,
// os.ModeSymlink, ...), matching fuseops.InodeAttributes/os.FileMode
// conventions the way the teacher's inode package does.
type Attr struct {
	Mode  os.FileMode
	Size  int64
	Mtime time.Time
	Ctime time.Time
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Ino   uint64
}

func (a Attr) IsDir() bool     { return a.Mode&os.ModeDir != 0 }
func (a Attr) IsSymlink() bool { return a.Mode&os.ModeSymlink != 0 }
func (a Attr) IsRegular() bool { return a.Mode&os.ModeType == 0 }

// AttrMask selects which fields of an Attr a SetAttr call should apply.
type AttrMask uint32

const (
	AttrMode AttrMask = 1 << iota
	AttrUid
	AttrGid
	AttrSize
	AttrMtime
	AttrAtime
)

// DirEntry is one entry returned by Dir.Readdir.
type DirEntry struct {
	Name string
	Attr Attr
}

// Dir is a handle to a directory on one branch. All methods take a
// relative, single-component child name unless documented otherwise;
// path construction is the Directory Interface implementation's job, not
// the core's.
type Dir interface {
	// Lookup stats the child name, returning ok=false (not an error) if it
	// does not exist.
	Lookup(ctx context.Context, name string) (attr Attr, ok bool, err error)

	// Readdir lists every entry in the directory.
	Readdir(ctx context.Context) ([]DirEntry, error)

	// Sub returns a Dir handle for an existing child directory, without
	// doing any I/O itself (callers Lookup first).
	Sub(name string) Dir

	// Create makes a new regular file, failing with os.ErrExist if name is
	// already occupied.
	Create(ctx context.Context, name string, mode os.FileMode) (File, error)

	// Mkdir makes a new subdirectory, failing with os.ErrExist if name is
	// already occupied.
	Mkdir(ctx context.Context, name string, mode os.FileMode) error

	// Symlink creates a symlink named name pointing at target.
	Symlink(ctx context.Context, name, target string) error

	// Mknod creates a device/fifo/socket special file.
	Mknod(ctx context.Context, name string, mode os.FileMode, dev uint64) error

	// Link creates a hard link named newName pointing at the same inode as
	// the existing child oldName within this same directory/branch.
	Link(ctx context.Context, oldName, newName string) error

	// Rename renames oldName (a child of this Dir) to newName under
	// newParent, which may be this same Dir.
	Rename(ctx context.Context, oldName string, newParent Dir, newName string) error

	// Unlink removes a regular file or symlink child.
	Unlink(ctx context.Context, name string) error

	// Rmdir removes an empty subdirectory child.
	Rmdir(ctx context.Context, name string) error

	// Readlink returns the target of a symlink child.
	Readlink(ctx context.Context, name string) (string, error)

	// Open opens a regular file child for reading and, if write is set,
	// writing.
	Open(ctx context.Context, name string, write bool) (File, error)

	// Permission checks whether the directory itself grants the requested
	// access (used by C7's permission composition).
	Permission(ctx context.Context, mode os.FileMode) error

	// SetAttr applies an attribute change to the directory itself.
	SetAttr(ctx context.Context, attr Attr, mask AttrMask) error

	// Stat returns the directory's own attributes.
	Stat(ctx context.Context) (Attr, error)
}

// File is a handle to an open regular file on one branch.
type File interface {
	io.Closer

	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	Fsync(ctx context.Context) error
	Flush(ctx context.Context) error
	Truncate(ctx context.Context, size int64) error
	Stat(ctx context.Context) (Attr, error)
	SetAttr(ctx context.Context, attr Attr, mask AttrMask) error
}
