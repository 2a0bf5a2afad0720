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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stackfs/stackfs/cfg"
)

// flagConfig is the cobra/viper-bound counterpart of internal/config.MountConfig,
// unmarshaled straight out of viper the way the teacher's cfg.Config is
// unmarshaled in cmd/root.go's initConfig. Branches is parsed separately
// (it needs cfg.BranchList.Set's dirs=<spec> grammar, not a scalar
// mapstructure decode), so it is read off the flag directly rather than
// through this struct.
type flagConfig struct {
	UID             int    `mapstructure:"uid"`
	GID             int    `mapstructure:"gid"`
	FileMode        uint32 `mapstructure:"file-mode"`
	DirMode         uint32 `mapstructure:"dir-mode"`
	DebugInvariants bool   `mapstructure:"debug-invariants"`
	DebugFuse       bool   `mapstructure:"debug-fuse"`
	LogFile         string `mapstructure:"log-file"`
	LogFormat       string `mapstructure:"log-format"`
	LogSeverity     string `mapstructure:"log-severity"`
	Foreground      bool   `mapstructure:"foreground"`
	MetricsAddr     string `mapstructure:"metrics-addr"`
}

var (
	branches  cfg.BranchList
	fileMode  = cfg.Octal(0o644)
	dirMode   = cfg.Octal(0o755)
	cfgFlags  flagConfig
)

// bindFlags registers every persistent flag against fs and binds each
// scalar one (all but dirs, file-mode and dir-mode, which are read from
// their package variables) into viper under the same name, mirroring the
// teacher's generated cfg.BindFlags — one fs.Int/Bool/String per flag, one
// BindPFlag per bound flag, no reflection-based magic.
func bindFlags(fs *pflag.FlagSet) error {
	fs.Var(&branches, "dirs", "dirs=<spec>: colon-separated list of dir[=ro|rw] branch terms, highest priority first")
	fs.Var(&fileMode, "file-mode", "octal permission bits for new regular files (parsed; not applied by the mount)")
	fs.Var(&dirMode, "dir-mode", "octal permission bits for new directories (parsed; not applied by the mount)")
	fs.Int("uid", -1, "owner uid (parsed; not applied: inodes report the on-disk owner)")
	fs.Int("gid", -1, "owner gid (parsed; not applied: inodes report the on-disk owner)")
	fs.Bool("debug-invariants", false, "log a note that invariant checks run on every node lock/unlock (they always do)")
	fs.Bool("debug-fuse", false, "enable jacobsa/fuse wire-level debug logging")
	fs.String("log-file", "", "path to the log file (stderr if empty)")
	fs.String("log-format", "json", "log line format: json or text")
	fs.String("log-severity", "INFO", "minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	fs.Bool("foreground", false, "accepted for compatibility; the mount always stays attached to the terminal")
	fs.String("metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")

	for _, name := range []string{
		"uid", "gid", "debug-invariants", "debug-fuse",
		"log-file", "log-format", "log-severity", "foreground", "metrics-addr",
	} {
		if err := viper.BindPFlag(name, fs.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}
