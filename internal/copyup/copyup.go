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

// Package copyup implements the Copy-up Engine (C6, §4.5): promotion of an
// object from a read-only lower branch to a higher writable one, including
// parent-chain replication and silly-rename for files that are open but
// already unlinked from the visible namespace. The staged-write-then-commit
// shape mirrors the teacher's gcsproxy manager, which stages content
// locally before the final rename into place; here the "local stage" is
// simply the destination branch itself.
package copyup

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/nameproto"
	"github.com/stackfs/stackfs/metrics"
)

// sillyCounter is the process-wide monotonically increasing u32 from §6's
// silly-rename template. It is seeded from a UUID at process start so two
// processes racing against the same branch (e.g. during a crash-restart)
// don't collide on the same low counter values.
var sillyCounter atomic.Uint32

func init() {
	id := uuid.New()
	seed := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	sillyCounter.Store(seed)
}

func nextSillyCounter() uint32 { return sillyCounter.Add(1) }

// copyBufSize is the chunk size used by the regular-file stream copy.
const copyBufSize = 1 << 20

// Engine runs the §4.5 copy-up procedure against a branch table.
type Engine struct {
	Branches *branch.Table

	// Metrics is optional; a nil Metrics records nothing.
	Metrics metrics.Recorder
}

func New(t *branch.Table) *Engine { return &Engine{Branches: t} }

// Ancestor is one link in the parent chain supplied to CreateParents: the
// directory's own fan-out node and its own name within its parent.
type Ancestor struct {
	Node *fanout.Node
	Name string
}

// CreateParents implements step 1 of §4.5: walk the parent chain and
// ensure every ancestor directory exists on dst, creating any missing ones
// with the same mode their src counterpart carries. chain is ordered
// root-to-immediate-parent (the root itself excluded); the walk starts at
// dst's branch root and descends one chain entry at a time.
//
// It returns the Dir handle on dst for the immediate parent of the final
// target, creating it (and everything above it not yet present) as needed.
func (e *Engine) CreateParents(ctx context.Context, dst int, chain []Ancestor) (dirio.Dir, error) {
	b := e.Branches.At(dst)
	cur := b.Root

	for _, anc := range chain {
		attr, found, err := cur.Lookup(ctx, anc.Name)
		if err != nil {
			return nil, fmt.Errorf("copyup: create_parents: stat %q on branch %d: %w", anc.Name, dst, err)
		}
		if !found {
			mode := srcDirMode(anc.Node)
			if err := cur.Mkdir(ctx, anc.Name, mode); err != nil {
				return nil, fmt.Errorf("copyup: create_parents: mkdir %q on branch %d: %w", anc.Name, dst, err)
			}
		} else if !attr.IsDir() {
			return nil, fmt.Errorf("copyup: create_parents: %q on branch %d exists and is not a directory", anc.Name, dst)
		}
		cur = cur.Sub(anc.Name)
	}

	return cur, nil
}

func srcDirMode(n *fanout.Node) os.FileMode {
	if n == nil {
		return 0o755
	}
	if _, slot, ok := n.Top(); ok {
		return slot.Attr.Mode
	}
	return 0o755
}

// CopyUpFile implements §4.5 steps 2/5 for a regular file: stream bytes
// from src to a newly created object on dst, then report the destination
// handle and attributes so the caller can update the fan-out node (via
// InstallFile).
func (e *Engine) CopyUpFile(ctx context.Context, srcFile dirio.File, srcAttr dirio.Attr, dstParent dirio.Dir, name string) (dirio.File, dirio.Attr, error) {
	dstFile, err := dstParent.Create(ctx, name, srcAttr.Mode)
	if err != nil {
		return nil, dirio.Attr{}, fmt.Errorf("copyup: create %q: %w", name, err)
	}

	if err := streamCopy(ctx, srcFile, dstFile); err != nil {
		dstFile.Close()
		return nil, dirio.Attr{}, fmt.Errorf("copyup: stream %q: %w", name, err)
	}

	mask := dirio.AttrUid | dirio.AttrGid | dirio.AttrMtime
	if err := dstFile.SetAttr(ctx, srcAttr, mask); err != nil {
		dstFile.Close()
		return nil, dirio.Attr{}, fmt.Errorf("copyup: setattr %q: %w", name, err)
	}

	newAttr, err := dstFile.Stat(ctx)
	if err != nil {
		dstFile.Close()
		return nil, dirio.Attr{}, fmt.Errorf("copyup: stat %q: %w", name, err)
	}

	if e.Metrics != nil {
		e.Metrics.RecordCopyUp(ctx, "file")
	}
	return dstFile, newAttr, nil
}

func streamCopy(ctx context.Context, src dirio.File, dst dirio.File) error {
	buf := make([]byte, copyBufSize)
	var off int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.ReadAt(ctx, buf, off)
		if n > 0 {
			if _, werr := dst.WriteAt(ctx, buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// CopyUpSymlink implements §4.5 step 3.
func (e *Engine) CopyUpSymlink(ctx context.Context, srcParent dirio.Dir, name string, dstParent dirio.Dir) (dirio.Attr, error) {
	target, err := srcParent.Readlink(ctx, name)
	if err != nil {
		return dirio.Attr{}, fmt.Errorf("copyup: readlink %q: %w", name, err)
	}
	if err := dstParent.Symlink(ctx, name, target); err != nil {
		return dirio.Attr{}, fmt.Errorf("copyup: symlink %q: %w", name, err)
	}
	attr, _, err := dstParent.Lookup(ctx, name)
	if err != nil {
		return dirio.Attr{}, fmt.Errorf("copyup: stat new symlink %q: %w", name, err)
	}
	if e.Metrics != nil {
		e.Metrics.RecordCopyUp(ctx, "symlink")
	}
	return attr, nil
}

// CopyUpDir implements §4.5 step 4: create the directory on dst and, if the
// source was opaque, lay down the opacity marker immediately so concurrent
// lookups never observe a half-copied, non-opaque window.
func (e *Engine) CopyUpDir(ctx context.Context, dstParent dirio.Dir, name string, mode os.FileMode, opaque bool) (dirio.Dir, dirio.Attr, error) {
	attr, found, err := dstParent.Lookup(ctx, name)
	if err != nil {
		return nil, dirio.Attr{}, fmt.Errorf("copyup: stat dir %q: %w", name, err)
	}
	if !found {
		if err := dstParent.Mkdir(ctx, name, mode); err != nil {
			return nil, dirio.Attr{}, fmt.Errorf("copyup: mkdir %q: %w", name, err)
		}
		attr, _, err = dstParent.Lookup(ctx, name)
		if err != nil {
			return nil, dirio.Attr{}, fmt.Errorf("copyup: stat new dir %q: %w", name, err)
		}
	} else if !attr.IsDir() {
		return nil, dirio.Attr{}, fmt.Errorf("copyup: %q exists on destination and is not a directory", name)
	}

	sub := dstParent.Sub(name)
	if opaque {
		if _, err := sub.Create(ctx, nameproto.OpaqueMarker, 0o644); err != nil {
			return nil, dirio.Attr{}, fmt.Errorf("copyup: lay opacity marker under %q: %w", name, err)
		}
	}

	if !found && e.Metrics != nil {
		e.Metrics.RecordCopyUp(ctx, "dir")
	}
	return sub, attr, nil
}

// InstallFile updates the fan-out node after a regular-file copy-up:
// §4.5 step 5 collapses the node to the single new top slot.
//
// LOCKS_REQUIRED(node.Mu)
func InstallFile(node *fanout.Node, dst fanout.Index, dir dirio.Dir, attr dirio.Attr) {
	node.CollapseToSingle(dst, fanout.Slot{Present: true, Attr: attr, Dir: dir})
}

// WidenDir updates the fan-out node after a directory copy-up: the new top
// is added without discarding lower slots still in play beneath it (a
// directory's fan-out persists downward until a whiteout or opacity marker
// intervenes).
//
// LOCKS_REQUIRED(node.Mu)
func WidenDir(node *fanout.Node, dst fanout.Index, dir dirio.Dir, attr dirio.Attr, opaque bool) {
	node.Start = dst
	node.Lower[dst] = fanout.Slot{Present: true, Attr: attr, Dir: dir}
	if opaque {
		node.OpaqueAt = dst
	}
}

// SillyRename implements the §4.5/§6 silly-rename path for a file that is
// open but has already been unlinked from the visible namespace (d_deleted)
// and must still be copied up. It repeatedly generates
// ".unionfs<ino-hex><counter-hex>" names and probes for a free (negative)
// slot in *both* srcParent (where the source object is about to be
// renamed to, ahead of the copy-up read) and dstParent (where the copy-up
// write will land), retrying the whole probe if either side reports the
// name already taken, then returns the chosen name so the caller can
// rename the source object to it before copying up and finally unlinking
// the original.
func SillyRename(ctx context.Context, srcParent, dstParent dirio.Dir, srcIno uint64) (string, error) {
	const maxAttempts = 64
	for i := 0; i < maxAttempts; i++ {
		name := nameproto.SillyName(srcIno, nextSillyCounter())

		_, found, err := srcParent.Lookup(ctx, name)
		if err != nil {
			return "", fmt.Errorf("copyup: silly-rename probe %q on source: %w", name, err)
		}
		if found {
			continue
		}

		if dstParent != nil {
			_, found, err = dstParent.Lookup(ctx, name)
			if err != nil {
				return "", fmt.Errorf("copyup: silly-rename probe %q on destination: %w", name, err)
			}
			if found {
				continue
			}
		}

		return name, nil
	}
	return "", fmt.Errorf("copyup: silly-rename: no free name found after %d attempts", maxAttempts)
}
