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

// Package branch implements the Branch Table (C1, §4.1): the ordered
// vector of backing roots with per-branch permissions, parsed once at
// mount from a dirs=<spec> option, plus the superblock-wide generation
// counter that the revalidation engine (C5) compares against.
package branch

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stackfs/stackfs/internal/dirio"
)

// MaxBranches is the constant from §6.
const MaxBranches = 128

// Perm is a branch's mount-time permission.
type Perm int

const (
	RW Perm = iota
	RO
)

func (p Perm) String() string {
	if p == RO {
		return "ro"
	}
	return "rw"
}

// Branch is one backing filesystem, numbered by mount-time priority.
type Branch struct {
	// Root is the Directory Interface handle for the branch's root.
	Root dirio.Dir

	// Path is the host path the branch was mounted from, used only for
	// ancestor/descendant validation (§4.1 rule c) and logging.
	Path string

	Perm Perm

	// ID is reassigned on every (re)mount so open files (C8) can detect a
	// branch reshuffle by comparing the ID they saved at open time against
	// the ID now occupying their remembered index.
	ID uint32
}

func (b Branch) Writable() bool { return b.Perm == RW }

// Table is the superblock's branch vector plus its generation counter.
//
// LOCK ORDERING: Table.mu is the superblock lock from §5: multi-reader/
// single-writer, held in read mode by almost every operation and in write
// mode only by branch management (Add/Remove/Reorder). It must never be
// acquired while holding a fan-out node lock (node locks nest inside it).
type Table struct {
	mu           sync.RWMutex
	branches     []Branch
	generation   atomic.Uint32
	highBranchID atomic.Uint32
}

// NewTable validates and wraps an already-opened set of branches, assigning
// fresh IDs as if this were a fresh mount.
func NewTable(branches []Branch) (*Table, error) {
	if err := validate(branches); err != nil {
		return nil, err
	}

	t := &Table{branches: append([]Branch(nil), branches...)}
	var next uint32
	for i := range t.branches {
		next++
		t.branches[i].ID = next
	}
	t.highBranchID.Store(next)
	t.generation.Store(1)

	return t, nil
}

// validate applies §4.1's rules (a)-(d). Rule (d) ("lower objects must be
// directories") is the Directory Interface's responsibility at Open time
// since it requires a stat; it is re-checked there, not here.
func validate(branches []Branch) error {
	if len(branches) == 0 {
		return fmt.Errorf("branch table: at least one branch is required")
	}
	if len(branches) > MaxBranches {
		return fmt.Errorf("branch table: %d branches exceeds MaxBranches (%d)", len(branches), MaxBranches)
	}
	if branches[0].Perm != RW {
		return fmt.Errorf("branch table: branch 0 (%s) must be RW", branches[0].Path)
	}

	for i, bi := range branches {
		for j, bj := range branches {
			if i == j || bi.Path == "" || bj.Path == "" {
				continue
			}
			if isAncestor(bi.Path, bj.Path) {
				return fmt.Errorf("branch table: %q is an ancestor of %q, which would create a coherency loop", bi.Path, bj.Path)
			}
		}
	}

	return nil
}

func isAncestor(a, b string) bool {
	if a == b {
		return false
	}
	a = strings.TrimRight(a, "/")
	return strings.HasPrefix(b, a+"/")
}

// Len returns the current branch count N.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.branches)
}

// At returns a copy of the branch at position i.
func (t *Table) At(i int) Branch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.branches[i]
}

// Snapshot returns a copy of the whole branch vector, for callers (e.g. the
// lookup engine) that need to scan without repeatedly taking the lock.
func (t *Table) Snapshot() []Branch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Branch(nil), t.branches...)
}

// Generation returns the superblock's current generation counter.
func (t *Table) Generation() uint32 {
	return t.generation.Load()
}

// BranchIDToIndex performs the linear scan from §4.1.
func (t *Table) BranchIDToIndex(id uint32) (index int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, b := range t.branches {
		if b.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Add inserts a new top branch (position 0), bumping the generation and
// assigning it a fresh, never-before-used ID. Branch management always
// write-locks the table, per §5.
func (t *Table) Add(b Branch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.branches)+1 > MaxBranches {
		return fmt.Errorf("branch table: adding %q would exceed MaxBranches (%d)", b.Path, MaxBranches)
	}

	b.ID = t.highBranchID.Add(1)
	t.branches = append([]Branch{b}, t.branches...)
	t.generation.Add(1)
	return nil
}

// Remove drops the branch at index i, bumping the generation. It is an
// error to remove branch 0 (the invariant that branch 0 is RW would break).
func (t *Table) Remove(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i == 0 {
		return fmt.Errorf("branch table: cannot remove branch 0")
	}
	if i < 0 || i >= len(t.branches) {
		return fmt.Errorf("branch table: index %d out of range", i)
	}

	t.branches = append(t.branches[:i], t.branches[i+1:]...)
	t.generation.Add(1)
	return nil
}

// Reorder replaces the branch vector wholesale (e.g. after an admin
// re-prioritizes branches), bumping the generation. It does not renumber
// existing IDs: an open file's saved_branch_ids remain valid for ID→index
// remapping across the reorder, per §4.7.
func (t *Table) Reorder(order []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(order) != len(t.branches) {
		return fmt.Errorf("branch table: reorder permutation has wrong length")
	}
	next := make([]Branch, len(order))
	seen := make(map[int]bool, len(order))
	for dst, src := range order {
		if src < 0 || src >= len(t.branches) || seen[src] {
			return fmt.Errorf("branch table: invalid permutation")
		}
		seen[src] = true
		next[dst] = t.branches[src]
	}
	if next[0].Perm != RW {
		return fmt.Errorf("branch table: reorder would put a non-RW branch at position 0")
	}

	t.branches = next
	t.generation.Add(1)
	return nil
}
