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

// Command stackfs mounts a stackable union of directories at a single
// mount point: the top (highest-priority) branch is writable, every
// branch below it is consulted read-through on lookup, and mutations
// against a lower-only path are copied up before being applied.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stackfs/stackfs/cfg"
)

var (
	cfgFile       string
	bindErr       error
	unmarshalErr  error
)

var rootCmd = &cobra.Command{
	Use:   "stackfs [flags] mount_point",
	Short: "Mount a stackable union of directories as a single FUSE filesystem",
	Long: `stackfs mounts a writable union of one or more host directories
(--dirs=<spec>, highest priority first) at mount_point. Lookups fan out
across every branch; mutations land on the highest-priority writable
branch, copying a file or directory up from a lower branch on first
write the way a classic union/overlay filesystem does.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := validateFlags(); err != nil {
			return err
		}

		mountPoint, err := cfg.Resolve(args[0])
		if err != nil {
			return fmt.Errorf("resolving mount point: %w", err)
		}

		return runMount(cmd.Context(), string(mountPoint))
	},
}

// validateFlags applies the handful of checks that can be made without
// touching the filesystem, mirroring the teacher's validateConfig — a
// bare sanity pass run before the expensive branch-opening work begins.
func validateFlags() error {
	if len(branches.Branches) == 0 {
		return fmt.Errorf("--dirs is required: at least one branch must be given")
	}
	switch cfgFlags.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("--log-format must be json or text, got %q", cfgFlags.LogFormat)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to an optional YAML config file")
	bindErr = bindFlags(rootCmd.PersistentFlags())
}

// initConfig unmarshals viper's bound flags into cfgFlags, overlaying an
// explicit --config-file if one was given — the same "flags, optionally
// overlaid by a YAML file" precedence the teacher's initConfig applies.
func initConfig() {
	if cfgFile != "" {
		resolved, err := cfg.Resolve(cfgFile)
		if err != nil {
			unmarshalErr = fmt.Errorf("resolving config file path: %w", err)
			return
		}
		viper.SetConfigFile(string(resolved))
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			unmarshalErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}
	unmarshalErr = viper.Unmarshal(&cfgFlags)
}

func main() {
	Execute()
}
