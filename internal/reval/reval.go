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

// Package reval implements the Revalidation Engine (C5, §4.4): the
// two-stage, generation-driven protocol that keeps a cached Fan-out Node
// coherent with lower filesystems mutating behind the union. The overall
// shape is the union generalization of the teacher's
// lookUpOrCreateInodeIfNotStale retry loop: stat, compare against a cached
// generation marker, and either accept the cache or rebuild.
package reval

import (
	"context"
	"fmt"

	"github.com/jacobsa/timeutil"
	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/lookup"
	"github.com/stackfs/stackfs/internal/unionerr"
	"github.com/stackfs/stackfs/metrics"
)

// Flags selects which interpose path a re-lookup should behave as, per §6.
type Flags int

const (
	Reval Flags = iota
	RevalNeg
)

// Engine runs the two-stage revalidation protocol.
type Engine struct {
	Branches *branch.Table
	Lookup   *lookup.Engine
	Clock    timeutil.Clock

	// Metrics is optional; a nil Metrics records nothing.
	Metrics metrics.Recorder
}

func New(t *branch.Table, l *lookup.Engine, clock timeutil.Clock) *Engine {
	return &Engine{Branches: t, Lookup: l, Clock: clock}
}

// isNewerLower reports whether any currently-cached slot's lower object now
// looks newer than what the node remembers — the "is_newer_lower" check
// from §4.4 Stage A. Since a Node's Slot snapshots the Attr observed at
// lookup/revalidation time, the caller supplies a freshly-stat'd Attr to
// compare against; this function is a small helper kept here so both
// stages share the same comparison rule.
func isNewerLower(cached, fresh fanout.Slot) bool {
	if !cached.Present || !fresh.Present {
		return cached.Present != fresh.Present
	}
	return fresh.Attr.Mtime.After(cached.Attr.Mtime) || fresh.Attr.Ctime.After(cached.Attr.Ctime)
}

// purge resets an ancestor's cached state ahead of a top-down rebuild,
// per Stage A ("purge inode data: reset gen = 0, unmap pages, truncate
// page cache"). The page cache itself belongs to the host; here "purge"
// means dropping the node's lower references so RevalidateTarget is
// forced to re-run Lookup.
//
// LOCKS_REQUIRED(node.Mu)
func purge(node *fanout.Node) {
	node.Reset()
}

// resyncRoot rebuilds the root fan-out node's populated branch set
// directly from the current branch table, mirroring the per-branch
// seeding loop internal/fs.New runs at mount. Unlike every other
// ancestor, the root is never resolved via a by-name Lookup against a
// parent, so its Stage A rebuild resyncs it in place rather than purging
// and relooking it up.
//
// LOCKS_REQUIRED(node.Mu)
func resyncRoot(ctx context.Context, node *fanout.Node, t *branch.Table) error {
	n := t.Len()
	if n != len(node.Lower) {
		node.N = n
		node.Lower = make([]fanout.Slot, n)
	}
	node.Start, node.End, node.OpaqueAt = fanout.None, fanout.None, fanout.None
	node.Stale = false

	for i := 0; i < n; i++ {
		br := t.At(i)
		attr, err := br.Root.Stat(ctx)
		if err != nil {
			return fmt.Errorf("stat branch %d root: %w", i, err)
		}
		node.Widen(fanout.Index(i), fanout.Slot{Present: true, Attr: attr, Dir: br.Root})
	}
	return nil
}

// RevalidateChain walks the ancestor chain from root to parent (inclusive),
// in that order — parents are always revalidated before children, per
// §4.4's ordering rule — purging and rebuilding any ancestor whose
// generation lags the superblock's or whose lower shows newer evidence.
//
// chain[0] is expected to be the root; chain[len-1] is the immediate
// parent of the node that will be looked up next. Each entry's name is the
// name under its own parent (chain[0]'s name is ignored).
//
// LOCKS_EXCLUDED(every node in chain) — this function takes and releases
// each node's lock itself, child-first is irrelevant here since ancestors
// are independent top-down walks, not sibling pairs.
func (e *Engine) RevalidateChain(ctx context.Context, chain []*fanout.Node, names []string) error {
	sbGen := e.Branches.Generation()

	for i, node := range chain {
		node.Mu.Lock()

		needsRebuild := node.Generation() < sbGen

		if !needsRebuild && i > 0 {
			// Stage A's "is_newer_lower" check: re-stat each populated
			// slot's name under its parent and compare.
			parent := chain[i-1]
			parent.Mu.Lock()
			for _, b := range parent.Populated() {
				pSlot := parent.Lower[b]
				if !pSlot.Present || pSlot.Dir == nil {
					continue
				}
				fresh, found, err := pSlot.Dir.Lookup(ctx, names[i])
				if err != nil {
					parent.Mu.Unlock()
					node.Mu.Unlock()
					return fmt.Errorf("revalidate: restat %q on branch %d: %w", names[i], b, err)
				}
				cachedSlot := fanout.Slot{}
				if int(b) < len(node.Lower) {
					cachedSlot = node.Lower[b]
				}
				freshSlot := fanout.Slot{Present: found, Attr: fresh}
				if isNewerLower(cachedSlot, freshSlot) {
					needsRebuild = true
					break
				}
			}
			parent.Mu.Unlock()
		}

		if needsRebuild {
			if i == 0 {
				// The root has no parent to re-look-up against and is
				// never itself reached by name, so Stage A resyncs it
				// in place against the live branch table instead of
				// purging it: a bare purge would leave the root
				// permanently negative, since nothing ever re-looks it
				// up afterward.
				if err := resyncRoot(ctx, node, e.Branches); err != nil {
					node.Mu.Unlock()
					return fmt.Errorf("revalidate: resync root: %w", err)
				}
				node.SetGeneration(sbGen)
				node.Mu.Unlock()
				continue
			}

			purge(node)

			parent := chain[i-1]
			parent.Mu.Lock()
			rebuilt, err := e.Lookup.Child(ctx, parent, names[i])
			parent.Mu.Unlock()
			if err != nil {
				node.Mu.Unlock()
				return fmt.Errorf("revalidate: rebuild %q: %w", names[i], err)
			}

			rebuilt.Mu.Lock()
			*node = *rebuilt
			node.Mu = rebuilt.Mu // keep the (now-locked) mutex identity consistent
			node.SetGeneration(sbGen)
		}

		node.Mu.Unlock()
	}

	return nil
}

// RevalidateTarget implements Stage B: if target is already current and no
// newer-lower evidence exists, this is a cheap accept. Otherwise it
// re-runs Lookup and, if the result is stale, reports unionerr.ErrStale so
// the caller can evict the cached inode.
//
// LOCKS_REQUIRED(parent.Mu)
// LOCKS_EXCLUDED(target.Mu) — taken and released here.
func (e *Engine) RevalidateTarget(ctx context.Context, parent, target *fanout.Node, name string) error {
	sbGen := e.Branches.Generation()

	target.Mu.Lock()
	current := target.Generation() == sbGen
	if current {
		for _, b := range target.Populated() {
			slot := target.Lower[b]
			if slot.Dir == nil && !slot.Attr.IsRegular() {
				continue
			}
			// Directories and regular files are re-stat'd by looking the
			// name up again under the parent's corresponding slot; other
			// types (symlinks, special files) were skipped above.
			parentSlot := parent.Lower[b]
			if !parentSlot.Present || parentSlot.Dir == nil {
				continue
			}
			fresh, found, err := parentSlot.Dir.Lookup(ctx, name)
			if err != nil {
				target.Mu.Unlock()
				return fmt.Errorf("revalidate target: restat %q: %w", name, err)
			}
			if isNewerLower(slot, fanout.Slot{Present: found, Attr: fresh}) {
				current = false
				break
			}
		}
	}

	if current {
		target.Mu.Unlock()
		if e.Metrics != nil {
			e.Metrics.RecordRevalidation(ctx, "hit")
		}
		return nil
	}

	// Capture what target named before it's purged, so the rebuilt result
	// can be compared against it below: wasPositive/oldIno must be read
	// before purge() clears the node, not after.
	wasPositive := !target.IsNegative()
	var oldIno uint64
	if wasPositive {
		if _, slot, ok := target.Top(); ok {
			oldIno = slot.Attr.Ino
		}
	}

	purge(target)
	target.Mu.Unlock()

	rebuilt, err := e.Lookup.Child(ctx, parent, name)
	if err != nil {
		return fmt.Errorf("revalidate target: rebuild %q: %w", name, err)
	}

	target.Mu.Lock()
	rebuilt.Mu.Lock()
	*target = *rebuilt
	target.Mu = rebuilt.Mu
	target.SetGeneration(sbGen)

	// A target that was positive before the rebuild and comes back either
	// negative or bound to a different inode number has gone stale: the
	// object the host still holds cached is no longer the one the union
	// now names at this path.
	if wasPositive {
		stillPositive := !target.IsNegative()
		var newIno uint64
		if stillPositive {
			if _, slot, ok := target.Top(); ok {
				newIno = slot.Attr.Ino
			}
		}
		if !stillPositive || newIno != oldIno {
			target.Stale = true
		}
	}
	stale := target.Stale
	target.Mu.Unlock()

	if stale {
		if e.Metrics != nil {
			e.Metrics.RecordRevalidation(ctx, "stale")
		}
		return unionerr.ErrStale
	}

	if e.Metrics != nil {
		e.Metrics.RecordRevalidation(ctx, "rebuilt")
	}
	return nil
}
