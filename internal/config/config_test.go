// Copyright 2023 Google Inc. All Rights Reserved.
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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConfigTest struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTest))
}

func (t *ConfigTest) TestNewMountConfigDefaults() {
	mc := NewMountConfig()

	assert.Equal(t.T(), INFO, mc.LogConfig.Severity)
	assert.Equal(t.T(), "json", mc.LogConfig.Format)
	assert.Equal(t.T(), 512, mc.LogConfig.LogRotateConfig.MaxFileSizeMB)
	assert.Equal(t.T(), 10, mc.LogConfig.LogRotateConfig.BackupFileCount)
	assert.True(t.T(), mc.LogConfig.LogRotateConfig.Compress)
}

func (t *ConfigTest) TestOverrideLoggingFlags_NonEmptyConfigWins() {
	mc := &MountConfig{LogConfig: LogConfig{Severity: ERROR, File: "/tmp/hello.txt", Format: "text"}}

	OverrideWithLoggingFlags(mc, "a.txt", "json", true, false, false)

	assert.Equal(t.T(), "text", mc.LogConfig.Format)
	assert.Equal(t.T(), "/tmp/hello.txt", mc.LogConfig.File)
	assert.Equal(t.T(), TRACE, mc.LogConfig.Severity)
}

func (t *ConfigTest) TestOverrideLoggingFlags_EmptyConfigTakesFlags() {
	mc := &MountConfig{LogConfig: LogConfig{Severity: INFO}}

	OverrideWithLoggingFlags(mc, "a.txt", "json", false, false, false)

	assert.Equal(t.T(), "json", mc.LogConfig.Format)
	assert.Equal(t.T(), "a.txt", mc.LogConfig.File)
	assert.Equal(t.T(), INFO, mc.LogConfig.Severity)
}

func (t *ConfigTest) TestParseConfigFile_EmptyPath() {
	mc, err := ParseConfigFile("")

	require.NoError(t.T(), err)
	assert.Equal(t.T(), INFO, mc.LogConfig.Severity)
	assert.Equal(t.T(), 512, mc.LogConfig.LogRotateConfig.MaxFileSizeMB)
}

func (t *ConfigTest) TestParseConfigFile_NonExisting() {
	_, err := ParseConfigFile(filepath.Join(t.T().TempDir(), "nofile.yaml"))

	require.Error(t.T(), err)
}

func (t *ConfigTest) TestParseConfigFile_ValidBranches() {
	path := filepath.Join(t.T().TempDir(), "config.yaml")
	contents := "branches:\n  - path: /data/rw\n    mode: rw\n  - path: /data/ro\n    mode: ro\nlogging:\n  severity: DEBUG\n"
	require.NoError(t.T(), os.WriteFile(path, []byte(contents), 0o644))

	mc, err := ParseConfigFile(path)

	require.NoError(t.T(), err)
	require.Len(t.T(), mc.Branches, 2)
	assert.Equal(t.T(), "/data/rw", mc.Branches[0].Path)
	assert.Equal(t.T(), "rw", mc.Branches[0].Mode)
	assert.Equal(t.T(), DEBUG, mc.LogConfig.Severity)
}
