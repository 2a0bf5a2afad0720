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

// Package lookup implements the Lookup Engine (C4, §4.3): the per-branch
// scan that builds a Fan-out Node for a name, honoring whiteouts and
// directory opacity.
package lookup

import (
	"context"
	"fmt"

	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/nameproto"
)

// Engine runs the §4.3 procedure against a branch table.
type Engine struct {
	Branches *branch.Table
}

func New(t *branch.Table) *Engine { return &Engine{Branches: t} }

// Child builds a Fan-out Node for name under the already-revalidated parent
// node P. It returns the child node; child.IsNegative() reports whether it
// denotes an existing object.
//
// LOCKS_REQUIRED(p.Mu) (read access to p's populated slots)
func (e *Engine) Child(ctx context.Context, p *fanout.Node, name string) (*fanout.Node, error) {
	if err := nameproto.Validate(name); err != nil {
		return nil, err
	}

	n := e.Branches.Len()
	child := fanout.New(n, name, false) // IsDir corrected below once we know

	var negativeSlot fanout.Index = fanout.None
	limit := p.End
	if p.OpaqueAt != fanout.None && p.OpaqueAt < limit {
		limit = p.OpaqueAt
	}

	for b := p.Start; b != fanout.None && b <= limit; b++ {
		slot := p.Lower[b]
		if !slot.Present || !slot.Attr.IsDir() || slot.Dir == nil {
			continue
		}

		// Step 2: whiteout check.
		whiteoutAttr, found, err := slot.Dir.Lookup(ctx, nameproto.WhiteoutName(name))
		if err != nil {
			return nil, fmt.Errorf("lookup: whiteout probe for %q on branch %d: %w", name, b, err)
		}
		if found {
			if !whiteoutAttr.IsRegular() {
				return nil, fmt.Errorf("lookup: whiteout %q on branch %d is not a regular file", nameproto.WhiteoutName(name), b)
			}
			child.OpaqueAt = b
			child.End = b
			if child.Start == fanout.None {
				// A whiteout with nothing positive above it: the child is
				// negative, but we still remember where the wall is so a
				// later create knows to replace this whiteout.
				child.SetNegative(b)
			}
			break
		}

		// Step 3: look up the name itself.
		attr, found, err := slot.Dir.Lookup(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("lookup: %q on branch %d: %w", name, b, err)
		}

		if !found {
			// Step 4: remember the topmost negative slot as the fallback
			// create target, per §4.3 — a lower branch's absence of the
			// name must never override one already recorded higher up.
			if negativeSlot == fanout.None {
				negativeSlot = b
			}
			continue
		}

		// Step 5.
		childSlot := fanout.Slot{Present: true, Attr: attr}
		if attr.IsDir() {
			childSlot.Dir = slot.Dir.Sub(name)
		}

		if child.Start == fanout.None {
			child.Start = b
		}
		child.End = b
		child.Lower[b] = childSlot
		child.IsDir = attr.IsDir()

		if !attr.IsDir() {
			// Files cannot fan out: stop at the first (highest) hit.
			break
		}

		if found, err := probeOpaque(ctx, childSlot.Dir); err != nil {
			return nil, err
		} else if found {
			child.OpaqueAt = b
			break
		}
	}

	// Step 6.
	if child.Start == fanout.None {
		if negativeSlot == fanout.None {
			// Nothing at all was found and no branch was even scanned
			// (e.g. the parent itself had no populated branches): fall
			// back to branch 0 as the canonical negative slot so a later
			// create has somewhere to aim.
			negativeSlot = 0
			if n == 0 {
				return nil, fmt.Errorf("lookup: branch table is empty")
			}
		}
		child.SetNegative(negativeSlot)
	}

	return child, nil
}

func probeOpaque(ctx context.Context, d dirio.Dir) (bool, error) {
	attr, found, err := d.Lookup(ctx, nameproto.OpaqueMarker)
	if err != nil {
		return false, fmt.Errorf("lookup: opacity probe: %w", err)
	}
	if !found {
		return false, nil
	}
	if !attr.IsRegular() {
		return false, fmt.Errorf("lookup: opacity marker is not a regular file")
	}
	return true, nil
}
