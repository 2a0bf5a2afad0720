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

package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/stackfs/stackfs/internal/dirio"
)

type FanoutNodeTest struct {
	suite.Suite
}

func TestFanoutNodeTest(t *testing.T) { suite.Run(t, new(FanoutNodeTest)) }

func (t *FanoutNodeTest) TestNewStartsEmpty() {
	n := New(4, "foo", false)
	require.Equal(t.T(), 4, n.N)
	assert.Equal(t.T(), "foo", n.Name)
	assert.False(t.T(), n.IsDir)
	assert.Equal(t.T(), None, n.Start)
	assert.Equal(t.T(), None, n.End)
	assert.Equal(t.T(), None, n.OpaqueAt)
	assert.False(t.T(), n.Stale)

	idx, _, ok := n.Top()
	assert.False(t.T(), ok)
	assert.Equal(t.T(), None, idx)
	assert.Empty(t.T(), n.Populated())
}

func (t *FanoutNodeTest) TestSetPositiveThenTopReturnsHighestPriorityBranch() {
	n := New(3, "foo", true)
	n.SetPositive(0, Slot{Present: true})
	n.Widen(2, Slot{Present: true})

	idx, slot, ok := n.Top()
	require.True(t.T(), ok)
	assert.Equal(t.T(), Index(0), idx, "lowest index is highest priority")
	assert.True(t.T(), slot.Present)
	assert.ElementsMatch(t.T(), []Index{0, 2}, n.Populated())
}

func (t *FanoutNodeTest) TestSetNegativeMarksSlotAbsentWithoutRemovingIt() {
	n := New(2, "foo", false)
	n.SetPositive(0, Slot{Present: true})
	n.SetNegative(0)

	_, slot, ok := n.Top()
	assert.False(t.T(), ok)
	assert.False(t.T(), slot.Present)
}

func (t *FanoutNodeTest) TestIsNegativeTrueOnlyWhenNothingPresent() {
	n := New(2, "foo", false)
	assert.True(t.T(), n.IsNegative())

	n.SetPositive(1, Slot{Present: true})
	assert.False(t.T(), n.IsNegative())
}

func (t *FanoutNodeTest) TestWidenExtendsRangeWithoutDisturbingExistingSlots() {
	n := New(4, "foo", false)
	n.SetPositive(1, Slot{Present: true})
	n.Widen(3, Slot{Present: true})

	assert.ElementsMatch(t.T(), []Index{1, 3}, n.Populated())
}

func (t *FanoutNodeTest) TestCollapseToSingleResetsToOneBranch() {
	n := New(4, "foo", false)
	n.SetPositive(0, Slot{Present: true})
	n.SetPositive(2, Slot{Present: true})

	n.CollapseToSingle(1, Slot{Present: true, Attr: dirio.Attr{}})
	assert.ElementsMatch(t.T(), []Index{1}, n.Populated())
}

func (t *FanoutNodeTest) TestResetClearsAllSlots() {
	n := New(3, "foo", false)
	n.SetPositive(0, Slot{Present: true})
	n.Reset()

	assert.Empty(t.T(), n.Populated())
	assert.True(t.T(), n.IsNegative())
}

func (t *FanoutNodeTest) TestGenerationIncrementsIndependently() {
	n := New(2, "foo", false)
	g0 := n.Generation()
	n.SetGeneration(g0 + 1)
	assert.Equal(t.T(), g0+1, n.Generation())
}

func (t *FanoutNodeTest) TestNlinksAllZeroReturnsZero() {
	assert.Equal(t.T(), uint32(0), Nlinks([]uint32{0, 0, 0}))
}

func (t *FanoutNodeTest) TestNlinksFoldsPopulatedDirsOnly() {
	// Each populated branch contributes max(2, nlink-2)+2, folding its own
	// "." and ".." into one pair: a lone nlink-2 directory reports 4.
	single := Nlinks([]uint32{2})
	assert.Equal(t.T(), uint32(4), single)

	// Two populated branches sum their contributions: (2+2) + (2+2).
	folded := Nlinks([]uint32{2, 3})
	assert.Equal(t.T(), uint32(8), folded)

	// A deleted lower (nlink 0) is skipped entirely, not treated as -2.
	skipped := Nlinks([]uint32{0, 4})
	assert.Equal(t.T(), uint32(4), skipped)
}

func (t *FanoutNodeTest) TestCheckInvariantsPanicsOnStartPastEnd() {
	n := New(4, "foo", false)
	n.Start = 2
	n.End = 1
	assert.Panics(t.T(), func() { n.checkInvariants() })
}
