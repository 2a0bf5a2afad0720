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

package lookup

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fanout"
	"github.com/stackfs/stackfs/internal/nameproto"
)

type LookupEngineTest struct {
	suite.Suite
	ctx     context.Context
	upper   *dirio.OSDir
	lower   *dirio.OSDir
	table   *branch.Table
	engine  *Engine
	root    *fanout.Node
}

func TestLookupEngineTest(t *testing.T) { suite.Run(t, new(LookupEngineTest)) }

func (t *LookupEngineTest) SetupTest() {
	t.ctx = context.Background()
	upperRoot := t.T().TempDir()
	lowerRoot := t.T().TempDir()

	upper, err := dirio.NewOSDir(upperRoot)
	require.NoError(t.T(), err)
	lower, err := dirio.NewOSDir(lowerRoot)
	require.NoError(t.T(), err)
	t.upper, t.lower = upper, lower

	table, err := branch.NewTable([]branch.Branch{
		{Root: upper, Path: upperRoot, Perm: branch.RW},
		{Root: lower, Path: lowerRoot, Perm: branch.RO},
	})
	require.NoError(t.T(), err)
	t.table = table
	t.engine = New(table)

	dirAttr := dirio.Attr{Mode: os.ModeDir | 0o755}
	t.root = fanout.New(2, "", true)
	t.root.SetPositive(0, fanout.Slot{Present: true, Attr: dirAttr, Dir: upper})
	t.root.Widen(1, fanout.Slot{Present: true, Attr: dirAttr, Dir: lower})
}

func (t *LookupEngineTest) TestChildRejectsReservedName() {
	_, err := t.engine.Child(t.ctx, t.root, nameproto.OpaqueMarker)
	assert.Error(t.T(), err)
}

func (t *LookupEngineTest) TestChildFindsHighestPriorityBranchFirst() {
	_, err := t.upper.Create(t.ctx, "foo", 0o644)
	require.NoError(t.T(), err)
	_, err = t.lower.Create(t.ctx, "foo", 0o644)
	require.NoError(t.T(), err)

	child, err := t.engine.Child(t.ctx, t.root, "foo")
	require.NoError(t.T(), err)
	assert.False(t.T(), child.IsNegative())

	idx, _, ok := child.Top()
	require.True(t.T(), ok)
	assert.Equal(t.T(), fanout.Index(0), idx, "upper branch must win over lower")
}

func (t *LookupEngineTest) TestChildFallsThroughToLowerWhenAbsentFromUpper() {
	_, err := t.lower.Create(t.ctx, "only-lower", 0o644)
	require.NoError(t.T(), err)

	child, err := t.engine.Child(t.ctx, t.root, "only-lower")
	require.NoError(t.T(), err)
	assert.False(t.T(), child.IsNegative())

	idx, _, ok := child.Top()
	require.True(t.T(), ok)
	assert.Equal(t.T(), fanout.Index(1), idx)
}

func (t *LookupEngineTest) TestChildIsNegativeWhenAbsentEverywhere() {
	child, err := t.engine.Child(t.ctx, t.root, "nope")
	require.NoError(t.T(), err)
	assert.True(t.T(), child.IsNegative())
}

func (t *LookupEngineTest) TestChildStopsAtWhiteout() {
	_, err := t.lower.Create(t.ctx, "gone", 0o644)
	require.NoError(t.T(), err)
	_, err = t.upper.Create(t.ctx, nameproto.WhiteoutName("gone"), 0o644)
	require.NoError(t.T(), err)

	child, err := t.engine.Child(t.ctx, t.root, "gone")
	require.NoError(t.T(), err)
	assert.True(t.T(), child.IsNegative(), "a whiteout on the upper branch must hide the lower object")
	assert.Equal(t.T(), fanout.Index(0), child.OpaqueAt)
}

func (t *LookupEngineTest) TestChildFansOutDirectoriesButStopsAtFile() {
	require.NoError(t.T(), t.upper.Mkdir(t.ctx, "d", 0o755))
	require.NoError(t.T(), t.lower.Mkdir(t.ctx, "d", 0o755))

	child, err := t.engine.Child(t.ctx, t.root, "d")
	require.NoError(t.T(), err)
	assert.True(t.T(), child.IsDir)
	assert.ElementsMatch(t.T(), []fanout.Index{0, 1}, child.Populated())
}

func (t *LookupEngineTest) TestChildStopsFanOutAtOpaqueDirectory() {
	require.NoError(t.T(), t.upper.Mkdir(t.ctx, "d", 0o755))
	require.NoError(t.T(), t.lower.Mkdir(t.ctx, "d", 0o755))
	upperD := t.upper.Sub("d")
	_, err := upperD.Create(t.ctx, nameproto.OpaqueMarker, 0o644)
	require.NoError(t.T(), err)

	child, err := t.engine.Child(t.ctx, t.root, "d")
	require.NoError(t.T(), err)
	assert.ElementsMatch(t.T(), []fanout.Index{0}, child.Populated(), "opacity marker must cut off the lower branch")
}
