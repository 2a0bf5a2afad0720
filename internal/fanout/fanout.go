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

// Package fanout implements the Fan-out Node (C2, §3, §4.2): the
// per-visible-object record holding an ordered, sparse vector of lower
// references. A Node is a value-shaped object with exclusive ownership of
// its lower handles — there are no secondary aliases, per the design note
// in §9 ("fan-out as a value type, not a pointer graph").
package fanout

import (
	"fmt"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
	"github.com/stackfs/stackfs/internal/dirio"
)

// Index is a branch position, or None for "not set". It is kept as its own
// type (rather than a bare int) so the -1 sentinel from §3 cannot be
// confused with a valid slice index at a call site.
type Index int32

// None is the "-1" sentinel from §3's start/end/opaque_at domain.
const None Index = -1

// Slot is one (possibly absent) lower reference.
type Slot struct {
	Present bool
	Attr    dirio.Attr
	Dir     dirio.Dir // set when Attr.IsDir()
}

// Node is a Fan-out Node: one per dentry and one per inode, per §3. The
// spec's dentry/inode split is collapsed here into a single struct, since
// nothing in this core distinguishes the two beyond invariant 4
// (d.start == i.start, d.end == i.end) — collapsing them makes that
// invariant true by construction instead of by bookkeeping.
type Node struct {
	// Mu is the per-fan-out-node mutex from §5, invariant-checked the way
	// the teacher checks every inode's mutex (fs/inode/dir.go's
	// syncutil.NewInvariantMutex(d.checkInvariants)).
	Mu syncutil.InvariantMutex

	// N is the branch count this node was built against. It never changes
	// for the lifetime of a Node; a branch-count change forces a fresh
	// lookup (detected via Generation below).
	N int

	IsDir bool
	Name  string

	// GUARDED_BY(Mu)
	Start, End, OpaqueAt Index

	// GUARDED_BY(Mu)
	Lower []Slot // len N

	// GUARDED_BY(Mu)
	Stale bool

	generation atomic.Uint32
}

// New allocates an empty (negative) Node sized for n branches.
func New(n int, name string, isDir bool) *Node {
	d := &Node{
		N:        n,
		Name:     name,
		IsDir:    isDir,
		Start:    None,
		End:      None,
		OpaqueAt: None,
		Lower:    make([]Slot, n),
	}
	d.Mu = syncutil.NewInvariantMutex(d.checkInvariants)
	return d
}

// checkInvariants asserts invariants 1-3 from §3. Invariant 5 (no slot below
// a whiteout) is not checked here. Invariant 4 (dentry/
// inode index agreement) is true by construction since this type serves as
// both. Invariant 6 (generation ordering) is enforced by callers, not
// assertable from the node alone. Invariant 7 (branch refcounting) is the
// Directory Interface's responsibility.
//
// LOCKS_REQUIRED(d.Mu) — called by the InvariantMutex itself while locked.
func (d *Node) checkInvariants() {
	if (d.Start == None) != (d.End == None) {
		panic(fmt.Sprintf("fanout: start/end sign mismatch: start=%d end=%d", d.Start, d.End))
	}
	if d.Start != None && d.Start > d.End {
		panic(fmt.Sprintf("fanout: start > end: %d > %d", d.Start, d.End))
	}
	if !d.IsDir && d.Start != None && d.Start != d.End {
		panic(fmt.Sprintf("fanout: non-directory spans multiple branches: %d..%d", d.Start, d.End))
	}
	if d.Start != None {
		if int(d.Start) < 0 || int(d.End) >= d.N {
			panic(fmt.Sprintf("fanout: start/end out of range: %d..%d (N=%d)", d.Start, d.End, d.N))
		}
		if !d.Lower[d.Start].Present {
			panic(fmt.Sprintf("fanout: lower[start=%d] absent", d.Start))
		}
		if !d.Lower[d.End].Present {
			panic(fmt.Sprintf("fanout: lower[end=%d] absent", d.End))
		}
		if !d.IsDir {
			for b := d.Start; b <= d.End; b++ {
				if !d.Lower[b].Present {
					panic(fmt.Sprintf("fanout: interior slot %d absent for non-directory", b))
				}
			}
		}
	}
}

// Generation returns the node's cached generation, for comparison against
// the superblock's by the revalidation engine (invariant 6).
func (d *Node) Generation() uint32 { return d.generation.Load() }

// SetGeneration stamps the node as current as of sbGen.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) SetGeneration(sbGen uint32) { d.generation.Store(sbGen) }

// Reset clears the node back to empty/negative, e.g. before a fresh lookup
// during revalidation.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) Reset() {
	d.Start, d.End, d.OpaqueAt = None, None, None
	for i := range d.Lower {
		d.Lower[i] = Slot{}
	}
	d.Stale = false
	d.generation.Store(0)
}

// SetPositive installs a single positive slot at branch b — the common
// case after a create, or after collapsing a fan-out to one branch post
// copy-up.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) SetPositive(b Index, slot Slot) {
	d.Start, d.End = b, b
	d.Lower[b] = slot
}

// SetNegative installs the saved negative slot from a failed lookup, per
// §4.3 step 6.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) SetNegative(b Index) {
	d.Start, d.End = b, b
	d.Lower[b] = Slot{}
}

// Widen extends End to include branch b (directories only, when a deeper
// branch contributes an interior slot).
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) Widen(b Index, slot Slot) {
	if d.Start == None {
		d.Start = b
	}
	d.End = b
	d.Lower[b] = slot
}

// IsNegative reports whether the node currently denotes a nonexistent
// object — i.e. its sole slot, if any, has Present == false.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) IsNegative() bool {
	return d.Start == None || !d.Lower[d.Start].Present
}

// Top returns the highest-priority populated slot and its index, i.e. the
// branch whose attributes are authoritative per §4.3's tie-break rule.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) Top() (Index, Slot, bool) {
	if d.Start == None || !d.Lower[d.Start].Present {
		return None, Slot{}, false
	}
	return d.Start, d.Lower[d.Start], true
}

// Populated returns the branch indices, in ascending (top-first) order,
// that carry a present slot.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) Populated() []Index {
	if d.Start == None {
		return nil
	}
	var out []Index
	limit := d.End
	if d.OpaqueAt != None && d.OpaqueAt < limit {
		limit = d.OpaqueAt
	}
	for b := d.Start; b <= limit; b++ {
		if d.Lower[b].Present {
			out = append(out, b)
		}
	}
	return out
}

// CollapseToSingle shrinks the node to a single positive slot at branch b —
// used after copy-up of a regular file (§4.5 step 5) and after a delayed
// copy-up in C8.
//
// LOCKS_REQUIRED(d.Mu)
func (d *Node) CollapseToSingle(b Index, slot Slot) {
	for i := range d.Lower {
		d.Lower[i] = Slot{}
	}
	d.Start, d.End, d.OpaqueAt = b, b, None
	d.Lower[b] = slot
}

// Nlinks implements the directory nlink-folding rule from §4.2, given the
// lower nlink values for each populated directory branch (0 meaning
// "deleted lower", skipped). For non-directories the caller should just use
// the top slot's own Nlink directly; this helper is for directories only.
func Nlinks(populatedDirNlinks []uint32) uint32 {
	var total uint32
	var any bool
	for _, n := range populatedDirNlinks {
		if n == 0 {
			continue
		}
		any = true
		inner := uint32(2)
		if n > 4 {
			inner = n - 2
		}
		total += inner + 2
	}
	if !any {
		return 0
	}
	return total
}
