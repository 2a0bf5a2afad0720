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
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/stackfs/stackfs/internal/copyup"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/handle"
	"github.com/stackfs/stackfs/internal/nameproto"
	"github.com/stackfs/stackfs/internal/unionerr"
)

var _ fuseutil.FileSystem = (*FileSystem)(nil)

func errno(err error) error {
	if err == nil {
		return nil
	}
	return unionerr.AsErrno(err)
}

// registerFileHandle/getFileHandle/registerDirHandle track the FUSE handle
// tables, guarded by the same inode-table lock as fsys.inodes/children —
// the handle tables are a small extension of the same bookkeeping problem.
func (fsys *FileSystem) registerFileHandle(hf *handle.File) fuseops.HandleID {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	id := fsys.nextHandleID
	fsys.nextHandleID++
	fsys.fileHandles[id] = hf
	return id
}

func (fsys *FileSystem) getFileHandle(id fuseops.HandleID) *handle.File {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.fileHandles[id]
}

func (fsys *FileSystem) registerDirHandle(st *dirHandleState) fuseops.HandleID {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	id := fsys.nextHandleID
	fsys.nextHandleID++
	fsys.dirHandles[id] = st
	return id
}

// forgetChildMapping drops a (parent, name) -> inode mapping after a
// successful unlink/rmdir, so a later lookup re-probes the lowers rather
// than returning the now-reset (negative) cached node forever; the inode
// record itself is retained until ForgetInode drops its lookup count.
func (fsys *FileSystem) forgetChildMapping(parentID fuseops.InodeID, name string, childID fuseops.InodeID) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	delete(fsys.children, childKey{parentID, name})
	_ = childID
}

func (fsys *FileSystem) moveChildMapping(oldParent fuseops.InodeID, oldName string, newParent fuseops.InodeID, newName string) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	oldKey := childKey{oldParent, oldName}
	id, ok := fsys.children[oldKey]
	if !ok {
		return
	}
	delete(fsys.children, oldKey)

	newKey := childKey{newParent, newName}
	fsys.children[newKey] = id
	if rec, ok := fsys.inodes[id]; ok {
		rec.parentID = newParent
		rec.name = newName
	}
}

// fromSetAttrOp translates the sparse, pointer-field SetInodeAttributesOp
// into the core's (Attr, AttrMask) pair: only fields the kernel actually
// requested a change for are folded into the mask.
func fromSetAttrOp(op *fuseops.SetInodeAttributesOp) (dirio.Attr, dirio.AttrMask) {
	var attr dirio.Attr
	var mask dirio.AttrMask

	if op.Size != nil {
		attr.Size = int64(*op.Size)
		mask |= dirio.AttrSize
	}
	if op.Mode != nil {
		attr.Mode = *op.Mode
		mask |= dirio.AttrMode
	}
	if op.Mtime != nil {
		attr.Mtime = *op.Mtime
		mask |= dirio.AttrMtime
	}
	if op.Atime != nil {
		mask |= dirio.AttrAtime
	}

	return attr, mask
}

// StatFS reports aggregate filesystem statistics taken from branch 0 (the
// leftmost writable branch), the way a union mount's free-space figure is
// conventionally the space left to write into rather than a sum across
// branches that may overlap on the same underlying device.
func (fsys *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	root := fsys.Branches.At(0)

	var st unix.Statfs_t
	if err := unix.Statfs(root.Path, &st); err != nil {
		return errno(err)
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree

	return nil
}

// LookUpInode implements the dentry lookup FUSE call atop resolveChild,
// the same dedup-and-revalidate helper every mutation op's parent/name
// resolution uses.
func (fsys *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	childID, child, err := fsys.resolveChild(ctx, op.Parent, op.Name)
	if err != nil {
		return errno(err)
	}

	child.Mu.Lock()
	negative := child.IsNegative()
	_, slot, _ := child.Top()
	child.Mu.Unlock()

	if negative {
		return syscall.ENOENT
	}

	op.Entry = fuseops.ChildInodeEntry{
		Child:      childID,
		Attributes: toInodeAttributes(child, slot.Attr),
	}
	fsys.bumpLookupCount(childID, 1)
	return nil
}

func (fsys *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	rec := fsys.getInode(op.Inode)
	if rec == nil {
		return syscall.ENOENT
	}

	rec.node.Mu.Lock()
	defer rec.node.Mu.Unlock()

	if rec.node.IsNegative() {
		return syscall.ENOENT
	}
	_, slot, _ := rec.node.Top()
	op.Attributes = toInodeAttributes(rec.node, slot.Attr)
	return nil
}

// copyUpDirIfNeeded ensures rec's own directory object is present on the
// leftmost writable branch, used by SetInodeAttributes for directories.
// This copies up only rec itself, not a deep ancestor-to-root replication
// beyond what ensureWritableParent already performs for rec's parent — the
// common case assumes the parent chain is already writable by the time a
// directory is mutated directly (its children were created through MkDir/
// CreateFile, which already ran the full ancestor walk).
func (fsys *FileSystem) copyUpDirIfNeeded(ctx context.Context, parentID fuseops.InodeID, rec *inodeRecord) error {
	dst, dstDir, err := fsys.ensureWritableParent(ctx, parentID)
	if err != nil {
		return err
	}

	rec.node.Mu.Lock()
	top, slot, ok := rec.node.Top()
	if ok && int(top) == dst {
		rec.node.Mu.Unlock()
		return nil
	}
	mode := os.FileMode(0o755) | os.ModeDir
	opaque := rec.node.OpaqueAt != fanout.None
	if ok {
		mode = slot.Attr.Mode
	}
	rec.node.Mu.Unlock()

	subDir, attr, err := fsys.CopyUp.CopyUpDir(ctx, dstDir, rec.name, mode, opaque)
	if err != nil {
		return err
	}

	rec.node.Mu.Lock()
	copyup.WidenDir(rec.node, fanout.Index(dst), subDir, attr, opaque)
	rec.node.SetGeneration(fsys.Branches.Generation())
	rec.node.Mu.Unlock()
	return nil
}

// setAttrRegularFile routes a setattr call on a regular file through an
// open handle so the delayed-copy-up path (C8) is exercised exactly as a
// write would trigger it.
func (fsys *FileSystem) setAttrRegularFile(ctx context.Context, parentID fuseops.InodeID, rec *inodeRecord, attr dirio.Attr, mask dirio.AttrMask) (dirio.Attr, error) {
	parentRec := fsys.getInode(parentID)
	if parentRec == nil {
		return dirio.Attr{}, fmt.Errorf("fs: setattr: missing parent %d", parentID)
	}

	rec.node.Mu.Lock()
	top, _, ok := rec.node.Top()
	if !ok {
		rec.node.Mu.Unlock()
		return dirio.Attr{}, fmt.Errorf("fs: setattr: no top slot")
	}
	parentRec.node.Mu.Lock()
	parentDir := parentRec.node.Lower[top].Dir
	parentRec.node.Mu.Unlock()
	rec.node.Mu.Unlock()

	if parentDir == nil {
		return dirio.Attr{}, fmt.Errorf("fs: setattr: parent has no branch-%d directory", top)
	}

	_, dstDir, err := fsys.ensureWritableParent(ctx, parentID)
	if err != nil {
		return dirio.Attr{}, err
	}

	rec.node.Mu.Lock()
	hf, err := fsys.Handles.OpenFileVia(ctx, rec.node, parentDir, rec.name, false)
	if err == nil {
		err = hf.MaybeDelayedCopyUp(ctx, fsys.Handles, dstDir, rec.name, true)
	}
	rec.node.Mu.Unlock()
	if err != nil {
		return dirio.Attr{}, err
	}
	defer hf.Close(fsys.Handles)

	if err := hf.SetAttr(ctx, attr, mask); err != nil {
		return dirio.Attr{}, err
	}
	return hf.Stat(ctx)
}

func (fsys *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	rec := fsys.getInode(op.Inode)
	if rec == nil {
		return syscall.ENOENT
	}

	attr, mask := fromSetAttrOp(op)

	if rec.node.IsDir {
		if err := fsys.copyUpDirIfNeeded(ctx, rec.parentID, rec); err != nil {
			return errno(err)
		}
		rec.node.Mu.Lock()
		newAttr, err := fsys.Mutate.SetAttr(ctx, rec.node, attr, mask)
		rec.node.Mu.Unlock()
		if err != nil {
			return errno(err)
		}
		op.Attributes = toInodeAttributes(rec.node, newAttr)
		return nil
	}

	newAttr, err := fsys.setAttrRegularFile(ctx, rec.parentID, rec, attr, mask)
	if err != nil {
		return errno(err)
	}
	op.Attributes = toInodeAttributes(rec.node, newAttr)
	return nil
}

// ForgetInode drops the kernel's lookup-count reference; once it reaches
// zero the inode record and its (parent, name) mapping are evicted from
// the table so a long-running mount doesn't retain every name ever seen.
func (fsys *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	rec, ok := fsys.inodes[op.Inode]
	if !ok {
		return nil
	}
	if op.N >= rec.lookupCount {
		delete(fsys.inodes, op.Inode)
		delete(fsys.children, childKey{rec.parentID, rec.name})
	} else {
		rec.lookupCount -= op.N
	}
	return nil
}

func (fsys *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if err := nameproto.Validate(op.Name); err != nil {
		return errno(err)
	}

	_, child, err := fsys.resolveChild(ctx, op.Parent, op.Name)
	if err != nil {
		return errno(err)
	}
	child.Mu.Lock()
	exists := !child.IsNegative()
	child.Mu.Unlock()
	if exists {
		return syscall.EEXIST
	}

	dst, dstDir, err := fsys.ensureWritableParent(ctx, op.Parent)
	if err != nil {
		return errno(err)
	}

	subDir, attr, err := fsys.CopyUp.CopyUpDir(ctx, dstDir, op.Name, op.Mode|os.ModeDir, false)
	if err != nil {
		return errno(err)
	}

	newNode := fanout.New(fsys.Branches.Len(), op.Name, true)
	newNode.Mu.Lock()
	newNode.SetPositive(fanout.Index(dst), fanout.Slot{Present: true, Attr: attr, Dir: subDir})
	newNode.SetGeneration(fsys.Branches.Generation())
	newNode.Mu.Unlock()

	id := fsys.registerFreshChild(op.Parent, op.Name, newNode)
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: toInodeAttributes(newNode, attr)}
	fsys.bumpLookupCount(id, 1)
	return nil
}

func (fsys *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if err := nameproto.Validate(op.Name); err != nil {
		return errno(err)
	}

	parentRec := fsys.getInode(op.Parent)
	if parentRec == nil {
		return syscall.ENOENT
	}

	if _, _, err := fsys.ensureWritableParent(ctx, op.Parent); err != nil {
		return errno(err)
	}

	parentRec.node.Mu.Lock()
	child, err := fsys.Mutate.Create(ctx, parentRec.node, op.Name, op.Mode)
	parentRec.node.Mu.Unlock()
	if err != nil {
		return errno(err)
	}
	child.SetGeneration(fsys.Branches.Generation())

	id := fsys.registerFreshChild(op.Parent, op.Name, child)

	child.Mu.Lock()
	top, slot, _ := child.Top()
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: toInodeAttributes(child, slot.Attr)}
	child.Mu.Unlock()
	fsys.bumpLookupCount(id, 1)

	parentRec.node.Mu.Lock()
	parentDir := parentRec.node.Lower[top].Dir
	parentRec.node.Mu.Unlock()

	child.Mu.Lock()
	hf, err := fsys.Handles.OpenFileVia(ctx, child, parentDir, op.Name, true)
	child.Mu.Unlock()
	if err != nil {
		return errno(err)
	}

	op.Handle = fsys.registerFileHandle(hf)
	return nil
}

func (fsys *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	if err := nameproto.Validate(op.Name); err != nil {
		return errno(err)
	}

	dst, dstDir, err := fsys.ensureWritableParent(ctx, op.Parent)
	if err != nil {
		return errno(err)
	}

	if err := dstDir.Symlink(ctx, op.Name, op.Target); err != nil {
		return errno(err)
	}
	attr, _, err := dstDir.Lookup(ctx, op.Name)
	if err != nil {
		return errno(err)
	}

	child := fanout.New(fsys.Branches.Len(), op.Name, false)
	child.Mu.Lock()
	child.SetPositive(fanout.Index(dst), fanout.Slot{Present: true, Attr: attr})
	child.SetGeneration(fsys.Branches.Generation())
	child.Mu.Unlock()

	id := fsys.registerFreshChild(op.Parent, op.Name, child)
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: toInodeAttributes(child, attr)}
	fsys.bumpLookupCount(id, 1)
	return nil
}

func (fsys *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	targetRec := fsys.getInode(op.Target)
	if targetRec == nil {
		return syscall.ENOENT
	}

	targetRec.node.Mu.Lock()
	top, _, ok := targetRec.node.Top()
	targetRec.node.Mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	dst, dstDir, err := fsys.ensureWritableParent(ctx, op.Parent)
	if err != nil {
		return errno(err)
	}
	if int(top) != dst {
		return syscall.EXDEV
	}

	srcParentRec := fsys.getInode(targetRec.parentID)
	if srcParentRec == nil {
		return syscall.ENOENT
	}
	srcParentRec.node.Mu.Lock()
	srcParentDir := srcParentRec.node.Lower[top].Dir
	srcParentRec.node.Mu.Unlock()

	if err := fsys.Mutate.Link(ctx, srcParentDir, dstDir, targetRec.name, op.Name); err != nil {
		return errno(err)
	}

	attr, _, err := dstDir.Lookup(ctx, op.Name)
	if err != nil {
		return errno(err)
	}

	child := fanout.New(fsys.Branches.Len(), op.Name, false)
	child.Mu.Lock()
	child.SetPositive(fanout.Index(dst), fanout.Slot{Present: true, Attr: attr})
	child.SetGeneration(fsys.Branches.Generation())
	child.Mu.Unlock()

	id := fsys.registerFreshChild(op.Parent, op.Name, child)
	op.Entry = fuseops.ChildInodeEntry{Child: id, Attributes: toInodeAttributes(child, attr)}
	fsys.bumpLookupCount(id, 1)
	return nil
}

func (fsys *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentRec := fsys.getInode(op.Parent)
	if parentRec == nil {
		return syscall.ENOENT
	}

	childID, child, err := fsys.resolveChild(ctx, op.Parent, op.Name)
	if err != nil {
		return errno(err)
	}

	parentRec.node.Mu.Lock()
	child.Mu.Lock()
	err = fsys.Mutate.Rmdir(ctx, parentRec.node, child, op.Name)
	child.Mu.Unlock()
	parentRec.node.Mu.Unlock()
	if err != nil {
		return errno(err)
	}

	fsys.forgetChildMapping(op.Parent, op.Name, childID)
	return nil
}

func (fsys *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentRec := fsys.getInode(op.Parent)
	if parentRec == nil {
		return syscall.ENOENT
	}

	childID, child, err := fsys.resolveChild(ctx, op.Parent, op.Name)
	if err != nil {
		return errno(err)
	}

	parentRec.node.Mu.Lock()
	child.Mu.Lock()
	openHandles := fsys.Handles.HasOpenHandles(child)
	err = fsys.Mutate.Unlink(ctx, parentRec.node, child, op.Name, openHandles)
	child.Mu.Unlock()
	parentRec.node.Mu.Unlock()
	if err != nil {
		return errno(err)
	}

	fsys.forgetChildMapping(op.Parent, op.Name, childID)
	return nil
}

// Rename covers both the same-branch case (a single lower rename) and the
// cross-branch case (copy the source up to the destination's writable
// branch, then unlink the original) from §4.6. The cross-branch path does
// not replicate a directory's full lower fan-out beyond its own top slot;
// a rename of a directory that is itself fanned across multiple branches
// leaves those lower branches to be picked up by a later Lookup Engine
// scan the way a deleted-then-recreated name would.
func (fsys *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParentRec := fsys.getInode(op.OldParent)
	if oldParentRec == nil {
		return syscall.ENOENT
	}

	_, srcNode, err := fsys.resolveChild(ctx, op.OldParent, op.OldName)
	if err != nil {
		return errno(err)
	}

	srcNode.Mu.Lock()
	top, slot, ok := srcNode.Top()
	isDir := srcNode.IsDir
	srcNode.Mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	oldParentRec.node.Mu.Lock()
	srcParentDir := oldParentRec.node.Lower[top].Dir
	oldParentRec.node.Mu.Unlock()
	if srcParentDir == nil {
		return syscall.EIO
	}

	dst, newParentDir, err := fsys.ensureWritableParent(ctx, op.NewParent)
	if err != nil {
		return errno(err)
	}

	if int(top) == dst {
		err = fsys.Mutate.Rename(ctx, srcParentDir, newParentDir, op.OldName, op.NewName, true)
		if err != nil {
			return errno(err)
		}
	} else {
		if isDir {
			subDir, attr, cerr := fsys.CopyUp.CopyUpDir(ctx, newParentDir, op.NewName, slot.Attr.Mode, false)
			if cerr != nil {
				return errno(cerr)
			}
			srcNode.Mu.Lock()
			copyup.WidenDir(srcNode, fanout.Index(dst), subDir, attr, false)
			srcNode.SetGeneration(fsys.Branches.Generation())
			srcNode.Mu.Unlock()
		} else {
			srcFile, operr := srcParentDir.Open(ctx, op.OldName, false)
			if operr != nil {
				return errno(operr)
			}
			newFile, attr, cerr := fsys.CopyUp.CopyUpFile(ctx, srcFile, slot.Attr, newParentDir, op.NewName)
			srcFile.Close()
			if cerr != nil {
				return errno(cerr)
			}
			newFile.Close()
			srcNode.Mu.Lock()
			copyup.InstallFile(srcNode, fanout.Index(dst), nil, attr)
			srcNode.SetGeneration(fsys.Branches.Generation())
			srcNode.Mu.Unlock()
		}

		if err := srcParentDir.Unlink(ctx, op.OldName); err != nil {
			return errno(err)
		}
	}

	fsys.moveChildMapping(op.OldParent, op.OldName, op.NewParent, op.NewName)
	return nil
}

func (fsys *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	rec := fsys.getInode(op.Inode)
	if rec == nil {
		return syscall.ENOENT
	}

	rec.node.Mu.Lock()
	hf := fsys.Handles.OpenDirHandle(rec.node)
	rec.node.Mu.Unlock()

	id := fsys.registerDirHandle(&dirHandleState{file: hf})
	op.Handle = id
	return nil
}

func (fsys *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fsys.mu.Lock()
	st, ok := fsys.dirHandles[op.Handle]
	delete(fsys.dirHandles, op.Handle)
	fsys.mu.Unlock()
	if !ok {
		return nil
	}
	return st.file.Close(fsys.Handles)
}

func (fsys *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	rec := fsys.getInode(op.Inode)
	if rec == nil {
		return syscall.ENOENT
	}
	parentRec := fsys.getInode(rec.parentID)
	if parentRec == nil {
		return syscall.ENOENT
	}

	rec.node.Mu.Lock()
	top, _, ok := rec.node.Top()
	rec.node.Mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	parentRec.node.Mu.Lock()
	parentDir := parentRec.node.Lower[top].Dir
	parentRec.node.Mu.Unlock()
	if parentDir == nil {
		return syscall.EIO
	}

	rec.node.Mu.Lock()
	hf, err := fsys.Handles.OpenFileVia(ctx, rec.node, parentDir, rec.name, true)
	rec.node.Mu.Unlock()
	if err != nil {
		return errno(err)
	}

	op.Handle = fsys.registerFileHandle(hf)
	op.KeepPageCache = false
	return nil
}

func (fsys *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	hf := fsys.getFileHandle(op.Handle)
	if hf == nil {
		return syscall.EBADF
	}
	n, err := hf.ReadAt(ctx, op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && err != io.EOF {
		return errno(err)
	}
	return nil
}

func (fsys *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	hf := fsys.getFileHandle(op.Handle)
	if hf == nil {
		return syscall.EBADF
	}
	if _, err := hf.WriteAt(ctx, op.Data, op.Offset); err != nil {
		return errno(err)
	}
	return nil
}

func (fsys *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	hf := fsys.getFileHandle(op.Handle)
	if hf == nil {
		return syscall.EBADF
	}
	return errno(hf.Fsync(ctx))
}

func (fsys *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	hf := fsys.getFileHandle(op.Handle)
	if hf == nil {
		return syscall.EBADF
	}
	return errno(hf.Flush(ctx))
}

func (fsys *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fsys.mu.Lock()
	hf, ok := fsys.fileHandles[op.Handle]
	delete(fsys.fileHandles, op.Handle)
	fsys.mu.Unlock()
	if !ok {
		return nil
	}
	return hf.Close(fsys.Handles)
}

func (fsys *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	rec := fsys.getInode(op.Inode)
	if rec == nil {
		return syscall.ENOENT
	}
	parentRec := fsys.getInode(rec.parentID)
	if parentRec == nil {
		return syscall.ENOENT
	}

	rec.node.Mu.Lock()
	top, _, ok := rec.node.Top()
	rec.node.Mu.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	parentRec.node.Mu.Lock()
	parentDir := parentRec.node.Lower[top].Dir
	parentRec.node.Mu.Unlock()
	if parentDir == nil {
		return syscall.EIO
	}

	target, err := parentDir.Readlink(ctx, rec.name)
	if err != nil {
		return errno(err)
	}
	op.Target = target
	return nil
}
