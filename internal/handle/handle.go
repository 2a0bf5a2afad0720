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

// Package handle implements Open File Redirection (C8, §4.7): the mapping
// from a host-visible open handle to one or many lower handles, branch-ID
// based reopen-on-reshuffle, and delayed copy-up on first write.
package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/copyup"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/nameproto"
)

// lowerHandle pairs an open File/Dir with the branch ID it was opened
// against, so a reshuffle can be detected and resolved by ID -> index
// remapping rather than trusting the stale index.
type lowerHandle struct {
	branchID uint32
	file     dirio.File // set for a regular-file handle
	dir      dirio.Dir  // set for a directory handle (the fan-out's Dir at this slot)
}

// File is the open-file record from §3: one per host-visible open, tracking
// the lower handle(s) it currently redirects to.
type File struct {
	mu sync.Mutex

	Node *fanout.Node

	// fstart/fend mirror the node's populated range at open time. For a
	// regular file these are always equal (files cannot fan out); for an
	// open directory handle they span every populated branch.
	fstart, fend fanout.Index

	lowers map[fanout.Index]lowerHandle

	gen uint32 // generation captured at open/last-reopen time

	totalOpensRef *int32 // shared with sibling handles of the same node

	writable bool
}

// Registry tracks open-file totals per fan-out node so the last close can
// flush lower dirties, per §4.7's "totalopens" counter.
type Registry struct {
	Branches *branch.Table
	CopyUp   *copyup.Engine

	mu      sync.Mutex
	opens   map[*fanout.Node]*int32
}

func NewRegistry(t *branch.Table, cu *copyup.Engine) *Registry {
	return &Registry{Branches: t, CopyUp: cu, opens: make(map[*fanout.Node]*int32)}
}

// HasOpenHandles reports whether any host-visible handle is currently open
// against node, the signal unlink() needs to choose silly-rename over a
// direct remove.
func (r *Registry) HasOpenHandles(node *fanout.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.opens[node]
	return ok && ref != nil && *ref > 0
}

func (r *Registry) refFor(node *fanout.Node) *int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.opens[node]
	if !ok {
		var zero int32
		ref = &zero
		r.opens[node] = ref
	}
	return ref
}

// OpenFileVia implements the file half of §4.7's open: only the top lower
// is opened. The caller already holds the parent Dir for the top branch
// (resolved during lookup/revalidation) and simply asks it to open name.
//
// LOCKS_REQUIRED(node.Mu)
func (r *Registry) OpenFileVia(ctx context.Context, node *fanout.Node, parentDir dirio.Dir, name string, write bool) (*File, error) {
	top, _, ok := node.Top()
	if !ok {
		return nil, fmt.Errorf("handle: open: node has no top slot")
	}

	br := r.Branches.At(int(top))
	wantWrite := write && br.Writable()

	f, err := parentDir.Open(ctx, name, wantWrite)
	if err != nil {
		return nil, fmt.Errorf("handle: open %q on branch %d: %w", name, top, err)
	}

	ref := r.refFor(node)
	*ref++

	return &File{
		Node:   node,
		fstart: top,
		fend:   top,
		lowers: map[fanout.Index]lowerHandle{
			top: {branchID: br.ID, file: f},
		},
		gen:      node.Generation(),
		writable: wantWrite,
		totalOpensRef: ref,
	}, nil
}

// OpenDirHandle implements the directory half of §4.7's open: every
// populated lower is opened read-only and remembered with its branch ID.
// Since dirio.Dir handles are already open (they are live handles, not
// descriptors to reopen), this simply snapshots the populated set.
//
// LOCKS_REQUIRED(node.Mu)
func (r *Registry) OpenDirHandle(node *fanout.Node) *File {
	lowers := make(map[fanout.Index]lowerHandle, len(node.Populated()))
	for _, b := range node.Populated() {
		slot := node.Lower[b]
		lowers[b] = lowerHandle{branchID: r.Branches.At(int(b)).ID, dir: slot.Dir}
	}

	ref := r.refFor(node)
	*ref++

	return &File{
		Node:          node,
		fstart:        node.Start,
		fend:          node.End,
		lowers:        lowers,
		gen:           node.Generation(),
		totalOpensRef: ref,
	}
}

// Revalidate implements revalidate_file step 1: if the node's generation
// has advanced or its top branch has shifted relative to what this handle
// opened against, tear down and reopen. parentDir/name let it redo the
// lower Open call; it is the caller's job to have already revalidated
// node itself (C5) before calling this.
//
// LOCKS_REQUIRED(node.Mu)
func (f *File) Revalidate(ctx context.Context, r *Registry, parentDir dirio.Dir, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	top, _, ok := f.Node.Top()
	if !ok {
		return fmt.Errorf("handle: revalidate: node has no top slot")
	}

	// A reshuffle is detected by ID -> index remapping, not by comparing
	// raw indices: a branch Add/Remove/Reorder can leave f.fstart
	// numerically unchanged while swapping which branch ID now occupies
	// it, which a bare index comparison would miss entirely.
	shifted := true
	if old, ok := f.lowers[f.fstart]; ok {
		if idx, ok := r.Branches.BranchIDToIndex(old.branchID); ok {
			shifted = fanout.Index(idx) != top
		}
	}
	staleGen := f.Node.Generation() != f.gen

	if !shifted && !staleGen {
		return nil
	}

	for idx, lh := range f.lowers {
		if lh.file != nil {
			lh.file.Close()
		}
		delete(f.lowers, idx)
	}

	br := r.Branches.At(int(top))
	newFile, err := parentDir.Open(ctx, name, f.writable && br.Writable())
	if err != nil {
		return fmt.Errorf("handle: revalidate: reopen %q on branch %d: %w", name, top, err)
	}

	f.lowers[top] = lowerHandle{branchID: br.ID, file: newFile}
	f.fstart, f.fend = top, top
	f.gen = f.Node.Generation()
	return nil
}

// MaybeDelayedCopyUp implements revalidate_file step 2: if the caller
// intends to write, the held handle is read-only, and the top branch is
// now RO, copy the object up to the leftmost writable branch, close the
// old handle, and install the new one. After a successful copy-up the
// fan-out node is collapsed to the single new top slot.
//
// LOCKS_REQUIRED(node.Mu)
func (f *File) MaybeDelayedCopyUp(ctx context.Context, r *Registry, dstParentDir dirio.Dir, name string, wantWrite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !wantWrite || f.writable {
		return nil
	}

	top, _, ok := f.Node.Top()
	if !ok {
		return fmt.Errorf("handle: delayed copy-up: node has no top slot")
	}
	if r.Branches.At(int(top)).Writable() {
		return nil
	}

	dst := -1
	for i := 0; i < r.Branches.Len(); i++ {
		if r.Branches.At(i).Writable() {
			dst = i
			break
		}
	}
	if dst < 0 {
		return fmt.Errorf("handle: delayed copy-up: no writable branch available")
	}

	old := f.lowers[top]
	if old.file == nil {
		return fmt.Errorf("handle: delayed copy-up: no source handle at branch %d", top)
	}

	srcAttr, err := old.file.Stat(ctx)
	if err != nil {
		return fmt.Errorf("handle: delayed copy-up: stat source: %w", err)
	}

	newFile, newAttr, err := r.CopyUp.CopyUpFile(ctx, old.file, srcAttr, dstParentDir, name)
	if err != nil {
		return fmt.Errorf("handle: delayed copy-up: %w", err)
	}

	old.file.Close()
	delete(f.lowers, top)

	dstIdx := fanout.Index(dst)
	f.lowers[dstIdx] = lowerHandle{branchID: r.Branches.At(dst).ID, file: newFile}
	f.fstart, f.fend = dstIdx, dstIdx
	f.writable = true

	copyup.InstallFile(f.Node, dstIdx, nil, newAttr)
	f.gen = f.Node.Generation()

	return nil
}

// top returns the handle's current single top lower file, for read/write/
// fsync/flush delegation.
func (f *File) top() (dirio.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lh, ok := f.lowers[f.fstart]
	if !ok || lh.file == nil {
		return nil, false
	}
	return lh.file, true
}

func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	top, ok := f.top()
	if !ok {
		return 0, fmt.Errorf("handle: read: no open lower")
	}
	return top.ReadAt(ctx, p, off)
}

// WriteAt delegates to the top lower handle; on success the caller (C7/
// internal/fs) is responsible for syncing the visible inode's mtime/ctime/
// size from the lower, per §4.7's ordering guarantee.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	top, ok := f.top()
	if !ok {
		return 0, fmt.Errorf("handle: write: no open lower")
	}
	return top.WriteAt(ctx, p, off)
}

func (f *File) Fsync(ctx context.Context) error {
	top, ok := f.top()
	if !ok {
		return nil
	}
	return top.Fsync(ctx)
}

func (f *File) Flush(ctx context.Context) error {
	top, ok := f.top()
	if !ok {
		return nil
	}
	return top.Flush(ctx)
}

func (f *File) Truncate(ctx context.Context, size int64) error {
	top, ok := f.top()
	if !ok {
		return fmt.Errorf("handle: truncate: no open lower")
	}
	return top.Truncate(ctx, size)
}

// SetAttr applies an attribute change to the top lower handle, for setattr
// calls against a regular file that already holds (or has just obtained
// via MaybeDelayedCopyUp) a writable handle.
func (f *File) SetAttr(ctx context.Context, attr dirio.Attr, mask dirio.AttrMask) error {
	top, ok := f.top()
	if !ok {
		return fmt.Errorf("handle: setattr: no open lower")
	}
	return top.SetAttr(ctx, attr, mask)
}

// Stat returns the top lower handle's current attributes.
func (f *File) Stat(ctx context.Context) (dirio.Attr, error) {
	top, ok := f.top()
	if !ok {
		return dirio.Attr{}, fmt.Errorf("handle: stat: no open lower")
	}
	return top.Stat(ctx)
}

// Close releases the handle. If it was the last open against this node,
// the caller should flush lower dirties (handled by the Directory
// Interface's own fsync semantics; Close here only decrements the count
// and closes the lower fds).
func (f *File) Close(r *Registry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for idx, lh := range f.lowers {
		if lh.file != nil {
			if err := lh.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(f.lowers, idx)
	}

	if f.totalOpensRef != nil {
		r.mu.Lock()
		*f.totalOpensRef--
		last := *f.totalOpensRef <= 0
		if last {
			delete(r.opens, f.Node)
		}
		r.mu.Unlock()
	}

	return firstErr
}

// DirEntries returns the merged, whiteout/opaque-aware listing across every
// lower this directory handle holds, in top-to-bottom priority order with
// duplicate and whited-out names suppressed — the data a ReadDir call
// needs before telldir-cookie encoding is applied by the Directory
// Interface shim.
func (f *File) DirEntries(ctx context.Context) ([]dirio.DirEntry, error) {
	f.mu.Lock()
	order := make([]fanout.Index, 0, len(f.lowers))
	for idx := range f.lowers {
		order = append(order, idx)
	}
	f.mu.Unlock()

	// Sort ascending (top branch first).
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] < order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	seen := make(map[string]bool)
	var out []dirio.DirEntry
	for _, idx := range order {
		lh := f.lowers[idx]
		if lh.dir == nil {
			continue
		}
		entries, err := lh.dir.Readdir(ctx)
		if err != nil {
			return nil, fmt.Errorf("handle: readdir branch %d: %w", idx, err)
		}
		for _, ent := range entries {
			if ent.Name == "." || ent.Name == ".." {
				continue
			}
			if nameproto.IsOpaqueMarker(ent.Name) {
				continue
			}
			if shadowed, ok := nameproto.StripWhiteout(ent.Name); ok {
				seen[shadowed] = true
				continue
			}
			if seen[ent.Name] {
				continue
			}
			seen[ent.Name] = true
			out = append(out, ent)
		}
	}
	return out, nil
}
