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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/stackfs/stackfs/cfg"
	"github.com/stackfs/stackfs/internal/branch"
	"github.com/stackfs/stackfs/internal/config"
	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/internal/fs"
	"github.com/stackfs/stackfs/internal/logger"
	"github.com/stackfs/stackfs/metrics"
)

// openBranches resolves every "dir[=mode]" term from --dirs into a
// branch.Branch, in the order given (highest priority first, matching
// §4.1). Branch IDs are left zero here; branch.NewTable assigns them.
func openBranches(specs []cfg.BranchSpec) ([]branch.Branch, error) {
	out := make([]branch.Branch, 0, len(specs))
	for _, spec := range specs {
		root, err := dirio.NewOSDir(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("opening branch %q: %w", spec.Path, err)
		}
		perm := branch.RW
		if spec.Mode == "ro" {
			perm = branch.RO
		}
		out = append(out, branch.Branch{Root: root, Path: spec.Path, Perm: perm})
	}
	return out, nil
}

// registerSIGINTHandler unmounts on Ctrl-C the way the teacher's own
// signal handler does, retrying until fuse.Unmount succeeds since the
// kernel can report EBUSY while in-flight ops are still draining.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("Received SIGINT, attempting to unmount %q...", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("Failed to unmount in response to SIGINT: %v", err)
				continue
			}
			logger.Infof("Successfully unmounted in response to SIGINT.")
			return
		}
	}()
}

// fuseMountConfig builds the jacobsa/fuse mount options, wiring the
// configured log severity into fuse's own error/debug loggers the same
// way the teacher's getFuseMountConfig maps its severity rank onto
// mountCfg.ErrorLogger/DebugLogger.
func fuseMountConfig(severity string) *fuse.MountConfig {
	mountCfg := &fuse.MountConfig{
		FSName:                  "stackfs",
		Subtype:                 "stackfs",
		VolumeName:              "stackfs",
		EnableParallelDirOps:    true,
		DisableWritebackCaching: true,
		EnableReaddirplus:       true,
	}

	if severity != config.OFF {
		mountCfg.ErrorLogger = logger.NewStdLogger("fuse: ")
	}
	if cfgFlags.DebugFuse || severity == config.TRACE {
		mountCfg.DebugLogger = logger.NewStdLogger("fuse_debug: ")
	}
	return mountCfg
}

// runMount is the RunE body: it opens every configured branch, builds
// the fan-out file system, mounts it via jacobsa/fuse, and blocks until
// the mount is torn down (by SIGINT or a host unmount(8)).
func runMount(ctx context.Context, mountPoint string) error {
	newLogCfg := cfg.LoggingConfig{
		Format:          cfgFlags.LogFormat,
		Severity:        cfgFlags.LogSeverity,
		MaxFileSizeMB:   config.DefaultLogRotateConfig().MaxFileSizeMB,
		BackupFileCount: config.DefaultLogRotateConfig().BackupFileCount,
		Compress:        config.DefaultLogRotateConfig().Compress,
	}
	if cfgFlags.LogFile != "" {
		resolved, err := cfg.Resolve(cfgFlags.LogFile)
		if err != nil {
			return fmt.Errorf("resolving log file path: %w", err)
		}
		newLogCfg.FilePath = resolved
	}
	if err := logger.InitLogFile(config.LogConfig{LogRotateConfig: config.DefaultLogRotateConfig()}, newLogCfg); err != nil {
		return err
	}

	if cfgFlags.DebugInvariants {
		logger.Infof("Invariant checking is always active on fan-out nodes; --debug-invariants only adds this note.")
	}

	brs, err := openBranches(branches.Branches)
	if err != nil {
		return err
	}

	table, err := branch.NewTable(brs)
	if err != nil {
		return fmt.Errorf("building branch table: %w", err)
	}

	fsys, err := fs.New(table)
	if err != nil {
		return fmt.Errorf("building file system: %w", err)
	}
	defer fsys.Destroy()

	if cfgFlags.MetricsAddr != "" {
		m, err := metrics.New(ctx)
		if err != nil {
			return fmt.Errorf("building metrics: %w", err)
		}
		fsys.SetMetrics(m)

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfgFlags.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server exited: %v", err)
			}
		}()
		defer srv.Close()
	}

	logger.Infof("Mounting stackfs at %q with %d branches...", mountPoint, table.Len())

	mfs, err := fuse.Mount(mountPoint, fuseutil.NewFileSystemServer(fsys), fuseMountConfig(cfgFlags.LogSeverity))
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}

	registerSIGINTHandler(mountPoint)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("mfs.Join: %w", err)
	}
	return nil
}
