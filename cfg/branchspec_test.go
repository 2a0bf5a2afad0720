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

package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchListSetParsesDefaultRWMode(t *testing.T) {
	var b BranchList
	require.NoError(t, b.Set("/upper"))
	assert.Equal(t, []BranchSpec{{Path: "/upper", Mode: "rw"}}, b.Branches)
}

func TestBranchListSetParsesExplicitModes(t *testing.T) {
	var b BranchList
	require.NoError(t, b.Set("/upper=rw:/lower1=ro:/lower2=ro"))
	assert.Equal(t, []BranchSpec{
		{Path: "/upper", Mode: "rw"},
		{Path: "/lower1", Mode: "ro"},
		{Path: "/lower2", Mode: "ro"},
	}, b.Branches)
}

func TestBranchListSetRejectsEmptySpec(t *testing.T) {
	var b BranchList
	assert.Error(t, b.Set(""))
}

func TestBranchListSetRejectsEmptyTerm(t *testing.T) {
	var b BranchList
	assert.Error(t, b.Set("/upper::/lower"))
}

func TestBranchListSetRejectsInvalidMode(t *testing.T) {
	var b BranchList
	assert.Error(t, b.Set("/upper=readonly"))
}

func TestBranchListSetRejectsEmptyPath(t *testing.T) {
	var b BranchList
	assert.Error(t, b.Set("=ro"))
}

func TestBranchListSetReplacesPreviousValue(t *testing.T) {
	var b BranchList
	require.NoError(t, b.Set("/a"))
	require.NoError(t, b.Set("/b=ro"))
	assert.Equal(t, []BranchSpec{{Path: "/b", Mode: "ro"}}, b.Branches)
}

func TestBranchListString(t *testing.T) {
	var b BranchList
	require.NoError(t, b.Set("/upper=rw:/lower=ro"))
	assert.Equal(t, "/upper=rw:/lower=ro", b.String())
}

func TestBranchListStringEmpty(t *testing.T) {
	var b BranchList
	assert.Equal(t, "", b.String())
}

func TestOctalSetParsesWithAndWithoutLeadingZero(t *testing.T) {
	tests := []struct {
		in   string
		want Octal
	}{
		{"644", 0o644},
		{"0644", 0o644},
		{"755", 0o755},
	}
	for _, tt := range tests {
		var o Octal
		require.NoError(t, o.Set(tt.in))
		assert.Equal(t, tt.want, o)
	}
}

func TestOctalSetRejectsNonOctal(t *testing.T) {
	var o Octal
	assert.Error(t, o.Set("abc"))
}

func TestOctalString(t *testing.T) {
	o := Octal(0o755)
	assert.Equal(t, "0755", o.String())
}
