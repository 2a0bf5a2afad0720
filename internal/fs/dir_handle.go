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

package fs

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/handle"
)

// directoryEntryInodeHint is used for every Dirent.Inode value ReadDir
// emits. The kernel always follows up a readdir with its own LookUpInode
// before trusting an entry's inode number (the number here is only a
// getdents() dirent hint, never cached identity), so a fixed placeholder
// is used instead of paying for a full resolveChild per entry.
const directoryEntryInodeHint fuseops.InodeID = fuseops.RootInodeID

// dirHandleState is the per-open-directory-handle bookkeeping: the merged,
// whiteout-resolved entry list is computed once (on first ReadDir call)
// and then paged out by entry index (each Dirent's Offset is its position
// plus one), so every later ReadDir on the handle sees the snapshot taken
// at that first call.
type dirHandleState struct {
	mu      sync.Mutex
	file    *handle.File
	entries []dirio.DirEntry
	loaded  bool
}

func direntType(mode os.FileMode) fuseutil.DirentType {
	switch {
	case mode.IsDir():
		return fuseutil.DT_Directory
	case mode&os.ModeSymlink != 0:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fsys *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fsys.mu.Lock()
	st, ok := fsys.dirHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		entries, err := st.file.DirEntries(ctx)
		if err != nil {
			return errno(err)
		}
		merged := make([]dirio.DirEntry, 0, len(entries)+2)
		merged = append(merged,
			dirio.DirEntry{Name: ".", Attr: dirio.Attr{Mode: os.ModeDir | 0o755}},
			dirio.DirEntry{Name: "..", Attr: dirio.Attr{Mode: os.ModeDir | 0o755}},
		)
		merged = append(merged, entries...)
		st.entries = merged
		st.loaded = true
	}

	var n int
	for i := int(op.Offset); i < len(st.entries); i++ {
		ent := st.entries[i]
		d := fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  directoryEntryInodeHint,
			Name:   ent.Name,
			Type:   direntType(ent.Attr.Mode),
		}
		written := fuseutil.WriteDirent(op.Dst[n:], d)
		if written == 0 {
			break
		}
		n += written
	}

	op.BytesRead = n
	return nil
}
