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
	"os"
	"path/filepath"
	"strings"
)

// ResolvedPath is a filesystem path that has already been made absolute
// and had "~" expanded, the way the teacher's cfg package resolves paths
// at flag-parse time rather than at first use.
type ResolvedPath string

// Resolve expands "~" and makes p absolute relative to cwd, mirroring
// the teacher's path resolution rules for flags like --log-file.
func Resolve(p string) (ResolvedPath, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[1:])
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return ResolvedPath(abs), nil
}

// LoggingConfig is the new-style (cobra/viper-bound) counterpart of
// internal/config.LogConfig — present so logger.InitLogFile can accept
// both the legacy on-disk config shape and the flag-bound shape the CLI
// decodes directly, the way the teacher's logger bridges cfg.Config and
// the legacy config.MountConfig during its flag migration.
type LoggingConfig struct {
	FilePath ResolvedPath
	Format   string
	Severity string

	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}
