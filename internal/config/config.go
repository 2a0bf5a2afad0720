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

// Package config holds the mount-time configuration surface: the branch
// spec, logging knobs, and the handful of ambient settings a mount needs
// beyond the dirs=<spec> option itself. Everything here is decoded from
// YAML via gopkg.in/yaml.v3 (yaml.Unmarshal on the struct tags; no
// decode hooks), the way the teacher decodes its own MountConfig.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity levels accepted by LogConfig.Severity, mirroring the teacher's
// string-constant severities.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// LogRotateConfig controls lumberjack.v2 rotation of the log file.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

// DefaultLogRotateConfig matches the teacher's defaults: 512MB per file,
// keep 10 backups, compress rotated files.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

// LogConfig is the logging section of MountConfig.
type LogConfig struct {
	Severity        string `yaml:"severity" mapstructure:"severity"`
	File            string `yaml:"file" mapstructure:"file"`
	Format          string `yaml:"format" mapstructure:"format"`
	LogRotateConfig LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

// WriteConfig holds write-path knobs; CreateEmptyFile mirrors the
// teacher's "touch the destination before streaming" behavior for create.
type WriteConfig struct {
	CreateEmptyFile bool `yaml:"create-empty-file" mapstructure:"create-empty-file"`
}

// BranchConfig describes one branch of the dirs=<spec> option after
// parsing, kept here (rather than only in internal/branch) so it can
// round-trip through YAML for a config-file-driven mount.
type BranchConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
	Mode string `yaml:"mode" mapstructure:"mode"` // "ro" or "rw"
}

// MountConfig is the top-level decoded configuration.
type MountConfig struct {
	Branches    []BranchConfig `yaml:"branches" mapstructure:"branches"`
	LogConfig   LogConfig      `yaml:"logging" mapstructure:"logging"`
	WriteConfig WriteConfig    `yaml:"write" mapstructure:"write"`
}

// NewMountConfig returns a MountConfig with the teacher's documented
// defaults applied.
func NewMountConfig() *MountConfig {
	return &MountConfig{
		LogConfig: LogConfig{
			Severity:        INFO,
			Format:          "json",
			LogRotateConfig: DefaultLogRotateConfig(),
		},
	}
}

// OverrideWithLoggingFlags layers CLI flag values over whatever a config
// file left unset, and promotes severity to TRACE when any debug flag is
// set — mirroring the teacher's overrideWithLoggingFlags.
func OverrideWithLoggingFlags(mc *MountConfig, logFile, logFormat string, debugFuse, debugGCS, debugMutex bool) {
	if mc.LogConfig.File == "" {
		mc.LogConfig.File = logFile
	}
	if mc.LogConfig.Format == "" {
		mc.LogConfig.Format = logFormat
	}
	if debugFuse || debugGCS || debugMutex {
		mc.LogConfig.Severity = TRACE
	}
}

// ParseConfigFile reads and decodes a mount config file. An empty path (no
// --config-file flag given) yields the documented defaults, matching the
// teacher's ParseConfigFile("").
func ParseConfigFile(path string) (*MountConfig, error) {
	mc := NewMountConfig()
	if path == "" {
		return mc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if len(data) == 0 {
		return mc, nil
	}

	if err := yaml.Unmarshal(data, mc); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if mc.LogConfig.Severity == "" {
		mc.LogConfig.Severity = INFO
	}
	if mc.LogConfig.LogRotateConfig == (LogRotateConfig{}) {
		mc.LogConfig.LogRotateConfig = DefaultLogRotateConfig()
	}

	return mc, nil
}
