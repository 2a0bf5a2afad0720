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

// Package mutate implements the Mutation Operations (C7, §4.6): create,
// unlink, rmdir, link, rename, setattr, and permission, each a scripted
// sequence composed over C4 (lookup), C5 (revalidation) and C6 (copy-up).
package mutate

import (
	"context"
	"fmt"
	"os"

	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/copyup"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/lookup"
	"github.com/stackfs/stackfs/internal/nameproto"
	"github.com/stackfs/stackfs/internal/unionerr"
)

// Engine composes the mutation operations against a branch table.
type Engine struct {
	Branches *branch.Table
	Lookup   *lookup.Engine
	CopyUp   *copyup.Engine
}

func New(t *branch.Table, l *lookup.Engine, c *copyup.Engine) *Engine {
	return &Engine{Branches: t, Lookup: l, CopyUp: c}
}

// Create implements create(name): try each writable branch from the
// parent's current top down to 0, replacing a matching whiteout if one is
// found, otherwise creating fresh. It returns the new fan-out node.
//
// LOCKS_REQUIRED(parent.Mu)
func (e *Engine) Create(ctx context.Context, parent *fanout.Node, name string, mode os.FileMode) (*fanout.Node, error) {
	if err := nameproto.Validate(name); err != nil {
		return nil, err
	}

	start := int(parent.Start)
	if start < 0 {
		start = 0
	}

	for b := start; b >= 0; b-- {
		branchEntry := e.Branches.At(b)
		if !branchEntry.Writable() {
			continue
		}

		dir := branchDirFor(parent, b, branchEntry)
		if dir == nil {
			continue
		}

		whiteout := nameproto.WhiteoutName(name)
		_, found, err := dir.Lookup(ctx, whiteout)
		if err != nil {
			return nil, fmt.Errorf("mutate: create: whiteout probe %q on branch %d: %w", whiteout, b, err)
		}

		var f dirio.File
		if found {
			if err := dir.Unlink(ctx, whiteout); err != nil {
				return nil, fmt.Errorf("mutate: create: remove whiteout %q on branch %d: %w", whiteout, b, err)
			}
		}
		f, err = dir.Create(ctx, name, mode)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			continue // lower rejected this branch; try the next writable one down
		}
		f.Close()

		attr, _, err := dir.Lookup(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("mutate: create: stat new %q on branch %d: %w", name, b, err)
		}

		child := fanout.New(e.Branches.Len(), name, false)
		child.SetPositive(fanout.Index(b), fanout.Slot{Present: true, Attr: attr})
		return child, nil
	}

	return nil, unionerr.ErrCopyUp
}

// branchDirFor resolves the Dir handle for parent's slot on branch b. If
// parent has no populated slot there yet (the directory itself needs a
// copy-up), this returns nil and the caller should skip the branch. The
// root fan-out node always has every branch's root directory present from
// mount bootstrap, so this naturally falls through for it without a
// special case; a nested parent must be copied up (internal/fs walks the
// ancestor chain via the Copy-up Engine) before any of its slots beyond
// branch 0 on the original lower become reachable here.
func branchDirFor(parent *fanout.Node, b int, br branch.Branch) dirio.Dir {
	idx := fanout.Index(b)
	if int(idx) < len(parent.Lower) && parent.Lower[idx].Present && parent.Lower[idx].Dir != nil {
		return parent.Lower[idx].Dir
	}
	return nil
}

// Unlink implements unlink(name): if populated on more than one branch,
// whiteout at the top to hide the lowers beneath; always physically unlink
// on the top branch. openHandles signals that a caller still holds the
// file open, in which case the top-branch object is silly-renamed instead
// of removed outright (the actual rename/removal is left to C8's delayed
// copy-up/close path; here we just report which case applies).
func (e *Engine) Unlink(ctx context.Context, parent, target *fanout.Node, name string, openHandles bool) error {
	if target.IsNegative() {
		return fmt.Errorf("mutate: unlink: %q does not exist", name)
	}

	top, _, ok := target.Top()
	if !ok {
		return fmt.Errorf("mutate: unlink: %q has no top slot", name)
	}

	parentDir := branchDirFor(parent, int(top), e.Branches.At(int(top)))
	if parentDir == nil {
		return fmt.Errorf("mutate: unlink: parent has no branch-%d directory", top)
	}

	if openHandles {
		return unionerr.ErrCopyUp // C8 performs the silly-rename+copy-up instead
	}

	populated := target.Populated()
	if len(populated) > 1 {
		if f, err := parentDir.Create(ctx, nameproto.WhiteoutName(name), 0o644); err != nil {
			return fmt.Errorf("mutate: unlink: whiteout %q: %w", name, err)
		} else {
			f.Close()
		}
	}

	if err := parentDir.Unlink(ctx, name); err != nil {
		return fmt.Errorf("mutate: unlink: %q on branch %d: %w", name, top, err)
	}

	target.Reset()
	return nil
}

// Rmdir implements rmdir(name): the directory must be logically empty —
// every name visible across its populated branches (up to opaque_at) must
// either be a whiteout itself, or have already been shadowed by a whiteout
// at a higher (more negative index) branch. The tally is a set of names
// for which a whiteout has been seen on a branch already scanned; a plain
// (non-whiteout) entry fails the check unless some higher branch's
// whiteout already covers it.
func (e *Engine) Rmdir(ctx context.Context, parent, target *fanout.Node, name string) error {
	if !target.IsDir {
		return fmt.Errorf("mutate: rmdir: %q is not a directory", name)
	}

	whiteoutSeenAbove := make(map[string]bool)

	for _, b := range target.Populated() {
		slot := target.Lower[b]
		if slot.Dir == nil {
			continue
		}
		entries, err := slot.Dir.Readdir(ctx)
		if err != nil {
			return fmt.Errorf("mutate: rmdir: readdir branch %d: %w", b, err)
		}
		for _, ent := range entries {
			if nameproto.IsOpaqueMarker(ent.Name) {
				continue
			}
			if shadowed, ok := nameproto.StripWhiteout(ent.Name); ok {
				whiteoutSeenAbove[shadowed] = true
				continue
			}
			if !whiteoutSeenAbove[ent.Name] {
				return unionerr.ErrNotEmpty
			}
		}
	}

	top, _, ok := target.Top()
	if !ok {
		return fmt.Errorf("mutate: rmdir: %q has no top slot", name)
	}

	for _, b := range target.Populated() {
		slot := target.Lower[b]
		if slot.Dir == nil {
			continue
		}
		entries, err := slot.Dir.Readdir(ctx)
		if err != nil {
			return fmt.Errorf("mutate: rmdir: readdir branch %d: %w", b, err)
		}
		for _, ent := range entries {
			if shadowed, ok := nameproto.StripWhiteout(ent.Name); ok {
				_ = shadowed
				if err := slot.Dir.Unlink(ctx, ent.Name); err != nil {
					return fmt.Errorf("mutate: rmdir: remove whiteout %q on branch %d: %w", ent.Name, b, err)
				}
			}
		}
	}

	parentDir := branchDirFor(parent, int(top), e.Branches.At(int(top)))
	if parentDir == nil {
		return fmt.Errorf("mutate: rmdir: parent has no branch-%d directory", top)
	}
	if err := parentDir.Rmdir(ctx, name); err != nil {
		return fmt.Errorf("mutate: rmdir: %q on branch %d: %w", name, top, err)
	}

	target.Reset()
	return nil
}

// Link implements link(name): if source and destination parent disagree on
// branch, the source must first be copied up to the destination's branch;
// the caller is expected to have already performed that copy-up (via the
// CopyUp engine) and to call Link only once src and dstParent share a
// branch. Any leftover whiteout at the destination is removed first.
func (e *Engine) Link(ctx context.Context, srcParentDir, dstParentDir dirio.Dir, srcName, dstName string) error {
	if err := nameproto.Validate(dstName); err != nil {
		return err
	}

	whiteout := nameproto.WhiteoutName(dstName)
	if _, found, err := dstParentDir.Lookup(ctx, whiteout); err != nil {
		return fmt.Errorf("mutate: link: whiteout probe %q: %w", whiteout, err)
	} else if found {
		if err := dstParentDir.Unlink(ctx, whiteout); err != nil {
			return fmt.Errorf("mutate: link: remove whiteout %q: %w", whiteout, err)
		}
	}

	if err := srcParentDir.Link(ctx, srcName, dstName); err != nil {
		return fmt.Errorf("mutate: link: %q -> %q: %w", srcName, dstName, err)
	}
	return nil
}

// Rename implements rename(): same-branch rename is a single lower
// rename call; cross-branch rename must be driven by the caller as
// copy-up-then-unlink (the caller holds both the pair-lock and the
// copy-up engine, so the sequencing lives there, not here). This function
// covers the same-branch case and the whiteout bookkeeping common to both.
func (e *Engine) Rename(ctx context.Context, srcParentDir, dstParentDir dirio.Dir, srcName, dstName string, sameBranch bool) error {
	if err := nameproto.Validate(dstName); err != nil {
		return err
	}
	if !sameBranch {
		return unionerr.ErrCopyUp
	}

	whiteout := nameproto.WhiteoutName(dstName)
	if _, found, err := dstParentDir.Lookup(ctx, whiteout); err != nil {
		return fmt.Errorf("mutate: rename: whiteout probe %q: %w", whiteout, err)
	} else if found {
		if err := dstParentDir.Unlink(ctx, whiteout); err != nil {
			return fmt.Errorf("mutate: rename: remove whiteout %q: %w", whiteout, err)
		}
	}

	if err := srcParentDir.Rename(ctx, srcName, dstParentDir, dstName); err != nil {
		return fmt.Errorf("mutate: rename: %q -> %q: %w", srcName, dstName, err)
	}
	return nil
}

// SetAttr implements setattr(): the caller must have already copied the
// object up if its leftmost (top) branch was read-only; this applies the
// change to the top branch and returns the post-change attributes so the
// visible inode can be intersected/synced.
func (e *Engine) SetAttr(ctx context.Context, target *fanout.Node, attr dirio.Attr, mask dirio.AttrMask) (dirio.Attr, error) {
	top, slot, ok := target.Top()
	if !ok {
		return dirio.Attr{}, fmt.Errorf("mutate: setattr: no top slot")
	}
	br := e.Branches.At(int(top))
	if !br.Writable() {
		return dirio.Attr{}, unionerr.ErrCopyUp
	}

	if target.IsDir {
		if err := slot.Dir.SetAttr(ctx, attr, mask); err != nil {
			return dirio.Attr{}, fmt.Errorf("mutate: setattr: branch %d: %w", top, err)
		}
		newAttr, err := slot.Dir.Stat(ctx)
		if err != nil {
			return dirio.Attr{}, fmt.Errorf("mutate: setattr: restat branch %d: %w", top, err)
		}
		target.Lower[top] = fanout.Slot{Present: true, Attr: newAttr, Dir: slot.Dir}
		return newAttr, nil
	}

	return dirio.Attr{}, fmt.Errorf("mutate: setattr: regular-file path requires an open handle (see internal/handle)")
}

// Permission implements permission(): every populated branch must grant
// the requested access, except that RO branches (other than branch 0) are
// ignored so the caller can still copy-up into a writable one. A positive
// result on branch 0 that is itself RO is EROFS, not a reason to continue.
func (e *Engine) Permission(ctx context.Context, target *fanout.Node, mode os.FileMode) error {
	for _, b := range target.Populated() {
		br := e.Branches.At(int(b))
		slot := target.Lower[b]
		if !br.Writable() && b != 0 {
			continue
		}
		if slot.Dir != nil {
			if err := slot.Dir.Permission(ctx, mode); err != nil {
				return err
			}
		}
	}
	return nil
}
