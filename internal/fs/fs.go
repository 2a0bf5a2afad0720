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

// Package fs is the Directory Interface boundary: a fuseutil.FileSystem
// implementation that binds the Branch Table (C1), Fan-out Node (C2),
// Name Protocol (C3), Lookup Engine (C4), Revalidation Engine (C5),
// Copy-up Engine (C6), Mutation Operations (C7) and Open File Redirection
// (C8) into the inode/handle bookkeeping a FUSE kernel driver expects,
// the way the teacher's fs package binds its own inode package to
// fuseops. Every error from the core is converted to a syscall.Errno
// here via unionerr.AsErrno before it reaches the kernel; no sentinel
// error crosses this boundary.
package fs

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"

	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/copyup"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/handle"
	"github.com/stackfs/stackfs/internal/lookup"
	"github.com/stackfs/stackfs/internal/mutate"
	"github.com/stackfs/stackfs/internal/reval"
	"github.com/stackfs/stackfs/internal/sideio"
	"github.com/stackfs/stackfs/metrics"
)

// inodeRecord is the bookkeeping FUSE needs beyond what a Fan-out Node
// already tracks: the kernel-visible lookup count and the (parent, name)
// this inode was reached by, so an ancestor chain can be walked back to
// the root for copy-up (§4.5 step 1).
type inodeRecord struct {
	node        *fanout.Node
	parentID    fuseops.InodeID
	name        string
	lookupCount uint64
}

type childKey struct {
	parent fuseops.InodeID
	name   string
}

// FileSystem implements fuseutil.FileSystem over the union core.
//
// LOCK ORDERING: fs.mu (the inode-table lock) is acquired only to look up
// or install inode/handle table entries; it is always released before a
// fan-out node's own Mu is acquired, mirroring the teacher's rule that
// inode locks nest inside the file system lock, never the reverse.
type FileSystem struct {
	Branches *branch.Table
	Lookup   *lookup.Engine
	Reval    *reval.Engine
	CopyUp   *copyup.Engine
	Mutate   *mutate.Engine
	Handles  *handle.Registry
	SideIO   *sideio.Queue

	mu           sync.Mutex
	inodes       map[fuseops.InodeID]*inodeRecord
	children     map[childKey]fuseops.InodeID
	nextInodeID  fuseops.InodeID
	dirHandles   map[fuseops.HandleID]*dirHandleState
	fileHandles  map[fuseops.HandleID]*handle.File
	nextHandleID fuseops.HandleID
}

// New wires every core engine against t and seeds the root fan-out node
// with every branch's root directory, the way NewServer seeds the
// teacher's root DirInode directly from the bucket rather than through a
// lookup.
func New(t *branch.Table) (*FileSystem, error) {
	lk := lookup.New(t)
	rv := reval.New(t, lk, timeutil.RealClock())
	cu := copyup.New(t)
	mt := mutate.New(t, lk, cu)
	hr := handle.NewRegistry(t, cu)

	fsys := &FileSystem{
		Branches:     t,
		Lookup:       lk,
		Reval:        rv,
		CopyUp:       cu,
		Mutate:       mt,
		Handles:      hr,
		SideIO:       sideio.New(context.Background()),
		inodes:       make(map[fuseops.InodeID]*inodeRecord),
		children:     make(map[childKey]fuseops.InodeID),
		nextInodeID:  fuseops.RootInodeID + 1,
		dirHandles:   make(map[fuseops.HandleID]*dirHandleState),
		fileHandles:  make(map[fuseops.HandleID]*handle.File),
		nextHandleID: 1,
	}

	root := fanout.New(t.Len(), "", true)
	root.Mu.Lock()
	for i := 0; i < t.Len(); i++ {
		br := t.At(i)
		attr, err := br.Root.Stat(context.Background())
		if err != nil {
			root.Mu.Unlock()
			return nil, fmt.Errorf("fs: stat branch %d root: %w", i, err)
		}
		root.Widen(fanout.Index(i), fanout.Slot{Present: true, Attr: attr, Dir: br.Root})
	}
	root.SetGeneration(t.Generation())
	root.Mu.Unlock()

	fsys.inodes[fuseops.RootInodeID] = &inodeRecord{node: root, lookupCount: 1}

	return fsys, nil
}

// Destroy stops the side-IO queue. Called by the kernel driver on unmount.
func (fsys *FileSystem) Destroy() {
	fsys.SideIO.Close()
}

// SetMetrics wires a Recorder into every engine that instruments a hot
// path, called once at mount time after New. Passing nil is valid and
// simply turns recording back off.
func (fsys *FileSystem) SetMetrics(m metrics.Recorder) {
	fsys.CopyUp.Metrics = m
	fsys.Reval.Metrics = m
	fsys.SideIO.Metrics = m
}

func (fsys *FileSystem) getInode(id fuseops.InodeID) *inodeRecord {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.inodes[id]
}

func (fsys *FileSystem) bumpLookupCount(id fuseops.InodeID, n uint64) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if rec, ok := fsys.inodes[id]; ok {
		rec.lookupCount += n
	}
}

// ancestorChain walks an inode's parentID links back to the root,
// returning the chain in root-first order along with the name each entry
// was reached by under its own parent (names[0], the root's, is unused).
// This is the "chain" RevalidateChain (Stage A) needs to purge and rebuild
// ancestors top-down before a lookup proceeds under them.
func (fsys *FileSystem) ancestorChain(id fuseops.InodeID) ([]*fanout.Node, []string) {
	var nodes []*fanout.Node
	var names []string

	for {
		rec := fsys.getInode(id)
		if rec == nil {
			break
		}
		nodes = append(nodes, rec.node)
		names = append(names, rec.name)
		if id == fuseops.RootInodeID {
			break
		}
		id = rec.parentID
	}

	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
		names[i], names[j] = names[j], names[i]
	}
	return nodes, names
}

// resolveChild implements the dentry half of LookUpInode/the various
// mutation ops' parent/name resolution: reuse an already-cached inode for
// (parent, name) and revalidate it (C5 Stage B) rather than minting a
// fresh ID on every call, the way the teacher's lookUpOrCreateChildInode
// reuses generation-backed inodes by object name. Before either path runs,
// the ancestor chain from root down to parent is revalidated (C5 Stage A)
// so a purge-and-rebuild higher up is never skipped just because the leaf
// lookup below it still looked current.
func (fsys *FileSystem) resolveChild(ctx context.Context, parentID fuseops.InodeID, name string) (fuseops.InodeID, *fanout.Node, error) {
	parentRec := fsys.getInode(parentID)
	if parentRec == nil {
		return 0, nil, fmt.Errorf("fs: unknown parent inode %d", parentID)
	}

	chain, names := fsys.ancestorChain(parentID)
	if err := fsys.Reval.RevalidateChain(ctx, chain, names); err != nil {
		return 0, nil, err
	}

	key := childKey{parentID, name}

	fsys.mu.Lock()
	childID, exists := fsys.children[key]
	var childRec *inodeRecord
	if exists {
		childRec = fsys.inodes[childID]
	}
	fsys.mu.Unlock()

	if exists && childRec != nil {
		parentRec.node.Mu.Lock()
		err := fsys.Reval.RevalidateTarget(ctx, parentRec.node, childRec.node, name)
		parentRec.node.Mu.Unlock()
		if err != nil {
			return 0, nil, err
		}
		return childID, childRec.node, nil
	}

	parentRec.node.Mu.Lock()
	child, err := fsys.Lookup.Child(ctx, parentRec.node, name)
	parentRec.node.Mu.Unlock()
	if err != nil {
		return 0, nil, err
	}
	child.SetGeneration(fsys.Branches.Generation())

	fsys.mu.Lock()
	id := fsys.nextInodeID
	fsys.nextInodeID++
	fsys.inodes[id] = &inodeRecord{node: child, parentID: parentID, name: name}
	fsys.children[key] = id
	fsys.mu.Unlock()

	return id, child, nil
}

// registerFreshChild installs a brand-new (non-cached) node under
// parentID/name after a successful create/mkdir/symlink, replacing
// whatever negative entry may have been cached there.
func (fsys *FileSystem) registerFreshChild(parentID fuseops.InodeID, name string, node *fanout.Node) fuseops.InodeID {
	key := childKey{parentID, name}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if id, ok := fsys.children[key]; ok {
		if rec, ok := fsys.inodes[id]; ok {
			rec.node = node
			return id
		}
	}

	id := fsys.nextInodeID
	fsys.nextInodeID++
	fsys.inodes[id] = &inodeRecord{node: node, parentID: parentID, name: name}
	fsys.children[key] = id
	return id
}

// nlinkFor computes the host-visible nlink, folding directory nlinks
// across populated branches per §4.2.
//
// LOCKS_REQUIRED(node.Mu)
func nlinkFor(node *fanout.Node) uint32 {
	if !node.IsDir {
		if _, slot, ok := node.Top(); ok {
			return slot.Attr.Nlink
		}
		return 1
	}
	var nlinks []uint32
	for _, b := range node.Populated() {
		nlinks = append(nlinks, node.Lower[b].Attr.Nlink)
	}
	return fanout.Nlinks(nlinks)
}

// toInodeAttributes converts a lower Attr plus the node's folded nlink
// into fuseops' attribute struct. Ownership and mode bits pass through
// from the lower object unchanged: a union mount composes namespaces, not
// permissions, so the host's own access checks (via Permission) are what
// govern, not a mount-wide uid/gid override.
func toInodeAttributes(node *fanout.Node, attr dirio.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   uint64(attr.Size),
		Nlink:  nlinkFor(node),
		Mode:   attr.Mode,
		Atime:  attr.Mtime,
		Mtime:  attr.Mtime,
		Ctime:  attr.Ctime,
		Crtime: attr.Ctime,
		Uid:    attr.Uid,
		Gid:    attr.Gid,
	}
}

// copyUpAncestors walks parentID back to the root, returning root-to-parent
// order, for copy-up's CreateParents-style directory-chain replication.
func (fsys *FileSystem) copyUpAncestors(parentID fuseops.InodeID) ([]copyup.Ancestor, error) {
	type link struct {
		node *fanout.Node
		name string
	}

	var links []link
	cur := parentID
	for {
		rec := fsys.getInode(cur)
		if rec == nil {
			return nil, fmt.Errorf("fs: missing inode %d while walking ancestor chain", cur)
		}
		if cur == fuseops.RootInodeID {
			break
		}
		links = append([]link{{node: rec.node, name: rec.name}}, links...)
		cur = rec.parentID
	}

	out := make([]copyup.Ancestor, len(links))
	for i, l := range links {
		out[i] = copyup.Ancestor{Node: l.node, Name: l.name}
	}
	return out, nil
}

// writableBranch returns the index of the leftmost (highest-priority)
// writable branch — per §4.1 rule (b), always branch 0 in a well-formed
// table, but resolved by scan rather than hardcoded in case a future
// Add/Reorder ever permits otherwise.
func (fsys *FileSystem) writableBranch() (int, error) {
	for i := 0; i < fsys.Branches.Len(); i++ {
		if fsys.Branches.At(i).Writable() {
			return i, nil
		}
	}
	return 0, fmt.Errorf("fs: no writable branch configured")
}

// ensureWritableParent copies up every ancestor of parentID (parentID
// itself included) that is not yet present on the leftmost writable
// branch, per §4.5 step 1, and returns that branch's index plus the Dir
// handle for parentID on it. If parentID is already present there, this
// is a fast no-op walk.
func (fsys *FileSystem) ensureWritableParent(ctx context.Context, parentID fuseops.InodeID) (int, dirio.Dir, error) {
	dst, err := fsys.writableBranch()
	if err != nil {
		return 0, nil, err
	}

	chain, err := fsys.copyUpAncestors(parentID)
	if err != nil {
		return 0, nil, err
	}

	dir := fsys.Branches.At(dst).Root
	for _, anc := range chain {
		anc.Node.Mu.Lock()
		top, slot, ok := anc.Node.Top()
		if ok && int(top) == dst {
			cur := anc.Node.Lower[dst].Dir
			anc.Node.Mu.Unlock()
			if cur == nil {
				return 0, nil, fmt.Errorf("fs: ancestor %q present on branch %d with no directory handle", anc.Name, dst)
			}
			dir = cur
			continue
		}

		mode := os.FileMode(0o755)
		opaque := anc.Node.OpaqueAt != fanout.None
		if ok {
			mode = slot.Attr.Mode
		}
		anc.Node.Mu.Unlock()

		subDir, attr, err := fsys.CopyUp.CopyUpDir(ctx, dir, anc.Name, mode.Perm()|os.ModeDir, opaque)
		if err != nil {
			return 0, nil, fmt.Errorf("fs: copy up ancestor %q: %w", anc.Name, err)
		}

		anc.Node.Mu.Lock()
		copyup.WidenDir(anc.Node, fanout.Index(dst), subDir, attr, opaque)
		anc.Node.SetGeneration(fsys.Branches.Generation())
		anc.Node.Mu.Unlock()

		dir = subDir
	}

	return dst, dir, nil
}
