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

package copyup

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

type CopyUpEngineTest struct {
	suite.Suite
	ctx        context.Context
	lowerRoot  string
	upperRoot  string
	lower      *dirio.OSDir
	upper      *dirio.OSDir
	engine     *Engine
}

func TestCopyUpEngineTest(t *testing.T) { suite.Run(t, new(CopyUpEngineTest)) }

func (t *CopyUpEngineTest) SetupTest() {
	t.ctx = context.Background()
	t.lowerRoot = t.T().TempDir()
	t.upperRoot = t.T().TempDir()

	lower, err := dirio.NewOSDir(t.lowerRoot)
	require.NoError(t.T(), err)
	upper, err := dirio.NewOSDir(t.upperRoot)
	require.NoError(t.T(), err)
	t.lower = lower
	t.upper = upper

	table, err := branch.NewTable([]branch.Branch{
		{Root: upper, Path: t.upperRoot, Perm: branch.RW},
		{Root: lower, Path: t.lowerRoot, Perm: branch.RO},
	})
	require.NoError(t.T(), err)
	t.engine = New(table)
}

func (t *CopyUpEngineTest) TestCopyUpFileStreamsContentAndAttrs() {
	srcFile, err := t.lower.Create(t.ctx, "foo", 0o640)
	require.NoError(t.T(), err)
	_, err = srcFile.WriteAt(t.ctx, []byte("payload"), 0)
	require.NoError(t.T(), err)
	srcAttr, err := srcFile.Stat(t.ctx)
	require.NoError(t.T(), err)

	dstFile, newAttr, err := t.engine.CopyUpFile(t.ctx, srcFile, srcAttr, t.upper, "foo")
	require.NoError(t.T(), err)
	defer dstFile.Close()

	assert.Equal(t.T(), int64(len("payload")), newAttr.Size)

	buf := make([]byte, len("payload"))
	n, err := dstFile.ReadAt(t.ctx, buf, 0)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "payload", string(buf[:n]))
}

func (t *CopyUpEngineTest) TestCopyUpSymlinkPreservesTarget() {
	require.NoError(t.T(), t.lower.Symlink(t.ctx, "link", "/wherever"))

	attr, err := t.engine.CopyUpSymlink(t.ctx, t.lower, "link", t.upper)
	require.NoError(t.T(), err)
	assert.True(t.T(), attr.IsSymlink())

	target, err := t.upper.Readlink(t.ctx, "link")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "/wherever", target)
}

func (t *CopyUpEngineTest) TestCopyUpDirCreatesOpacityMarkerWhenOpaque() {
	sub, _, err := t.engine.CopyUpDir(t.ctx, t.upper, "dir", 0o755, true)
	require.NoError(t.T(), err)

	_, ok, err := sub.Lookup(t.ctx, nameproto.OpaqueMarker)
	require.NoError(t.T(), err)
	assert.True(t.T(), ok)
}

func (t *CopyUpEngineTest) TestCopyUpDirSkipsMarkerWhenNotOpaque() {
	sub, _, err := t.engine.CopyUpDir(t.ctx, t.upper, "dir", 0o755, false)
	require.NoError(t.T(), err)

	_, ok, err := sub.Lookup(t.ctx, nameproto.OpaqueMarker)
	require.NoError(t.T(), err)
	assert.False(t.T(), ok)
}

func (t *CopyUpEngineTest) TestCopyUpDirIsIdempotentWhenDestinationAlreadyExists() {
	_, _, err := t.engine.CopyUpDir(t.ctx, t.upper, "dir", 0o755, false)
	require.NoError(t.T(), err)

	_, _, err = t.engine.CopyUpDir(t.ctx, t.upper, "dir", 0o755, false)
	assert.NoError(t.T(), err)
}

func (t *CopyUpEngineTest) TestCreateParentsBuildsMissingChain() {
	a := fanout.New(2, "a", true)
	a.SetPositive(1, fanout.Slot{Present: true, Attr: dirio.Attr{Mode: os.ModeDir | 0o750}})

	parent, err := t.engine.CreateParents(t.ctx, 0, []Ancestor{{Node: a, Name: "a"}})
	require.NoError(t.T(), err)
	require.NotNil(t.T(), parent)

	attr, ok, err := t.upper.Lookup(t.ctx, "a")
	require.NoError(t.T(), err)
	require.True(t.T(), ok)
	assert.True(t.T(), attr.IsDir())
}

func (t *CopyUpEngineTest) TestInstallFileCollapsesNodeToSingleSlot() {
	n := fanout.New(2, "foo", false)
	n.SetPositive(1, fanout.Slot{Present: true})

	InstallFile(n, 0, nil, dirio.Attr{Size: 3})

	idx, slot, ok := n.Top()
	require.True(t.T(), ok)
	assert.Equal(t.T(), fanout.Index(0), idx)
	assert.Equal(t.T(), int64(3), slot.Attr.Size)
	assert.ElementsMatch(t.T(), []fanout.Index{0}, n.Populated())
}

func (t *CopyUpEngineTest) TestSillyRenameProducesUnusedName() {
	name, err := SillyRename(t.ctx, t.lower, t.upper, 42)
	require.NoError(t.T(), err)

	_, ok, err := t.lower.Lookup(t.ctx, name)
	require.NoError(t.T(), err)
	assert.False(t.T(), ok, "silly-rename must return a currently free name")

	_, ok, err = t.upper.Lookup(t.ctx, name)
	require.NoError(t.T(), err)
	assert.False(t.T(), ok, "silly-rename must return a name free on the destination branch too")
}

func (t *CopyUpEngineTest) TestSillyRenameRetriesPastADestinationCollision() {
	seed := sillyCounter.Load()
	first, err := SillyRename(t.ctx, t.lower, t.upper, 7)
	require.NoError(t.T(), err)

	// Occupy the name on the destination branch only; the source branch
	// alone reporting it free must not be enough to reuse it.
	f, err := t.upper.Create(t.ctx, first, 0o644)
	require.NoError(t.T(), err)
	f.Close()

	// Rewind the counter so the next call generates first again and has to
	// retry past the collision.
	sillyCounter.Store(seed)
	second, err := SillyRename(t.ctx, t.lower, t.upper, 7)
	require.NoError(t.T(), err)
	assert.NotEqual(t.T(), first, second)

	_, ok, err := t.upper.Lookup(t.ctx, second)
	require.NoError(t.T(), err)
	assert.False(t.T(), ok)
}
