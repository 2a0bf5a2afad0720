// Copyright 2024 Google Inc. All Rights Reserved.
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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackfs/stackfs/cfg"
	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/config"
)

func TestOpenBranchesResolvesEachSpecToABranch(t *testing.T) {
	upper := t.TempDir()
	lower := t.TempDir()

	brs, err := openBranches([]cfg.BranchSpec{
		{Path: upper, Mode: "rw"},
		{Path: lower, Mode: "ro"},
	})
	require.NoError(t, err)
	require.Len(t, brs, 2)

	assert.Equal(t, upper, brs[0].Path)
	assert.Equal(t, branch.RW, brs[0].Perm)
	assert.Equal(t, lower, brs[1].Path)
	assert.Equal(t, branch.RO, brs[1].Perm)
}

func TestOpenBranchesPreservesPriorityOrder(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	c := t.TempDir()

	brs, err := openBranches([]cfg.BranchSpec{
		{Path: a, Mode: "rw"},
		{Path: b, Mode: "ro"},
		{Path: c, Mode: "ro"},
	})
	require.NoError(t, err)
	require.Len(t, brs, 3)
	assert.Equal(t, []string{a, b, c}, []string{brs[0].Path, brs[1].Path, brs[2].Path})
}

func TestOpenBranchesFailsWhenBranchDoesNotExist(t *testing.T) {
	_, err := openBranches([]cfg.BranchSpec{{Path: "/nonexistent/path/for/stackfs/test", Mode: "rw"}})
	assert.Error(t, err)
}

func TestFuseMountConfigSetsErrorLoggerUnlessSeverityIsOff(t *testing.T) {
	mc := fuseMountConfig(config.INFO)
	assert.NotNil(t, mc.ErrorLogger)
	assert.Equal(t, "stackfs", mc.FSName)
}

func TestFuseMountConfigOmitsErrorLoggerWhenSeverityIsOff(t *testing.T) {
	mc := fuseMountConfig(config.OFF)
	assert.Nil(t, mc.ErrorLogger)
}

func TestFuseMountConfigSetsDebugLoggerOnTraceSeverity(t *testing.T) {
	prev := cfgFlags.DebugFuse
	cfgFlags.DebugFuse = false
	defer func() { cfgFlags.DebugFuse = prev }()

	mc := fuseMountConfig(config.TRACE)
	assert.NotNil(t, mc.DebugLogger)
}

func TestFuseMountConfigSetsDebugLoggerWhenFlagSetRegardlessOfSeverity(t *testing.T) {
	prev := cfgFlags.DebugFuse
	cfgFlags.DebugFuse = true
	defer func() { cfgFlags.DebugFuse = prev }()

	mc := fuseMountConfig(config.INFO)
	assert.NotNil(t, mc.DebugLogger)
}
