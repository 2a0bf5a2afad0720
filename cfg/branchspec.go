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

// Package cfg holds the pflag.Value types the CLI binds directly — the
// dirs=<spec> branch list and octal file-mode flags — each parsing its
// own text through its Set method (no mapstructure decode hooks).
package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// BranchSpec is one parsed "dir[=mode]" term from a dirs=<spec> option.
type BranchSpec struct {
	Path string
	Mode string // "ro" or "rw"
}

// BranchList is a pflag.Value/flag.Value collecting the whole dirs=<spec>
// option: "dir[=mode](:dir[=mode])*", default mode rw. It is bound
// directly to the --dirs flag the way the teacher binds its own
// structured flags in cfg/config.go.
type BranchList struct {
	Branches []BranchSpec
	set      bool
}

func (b *BranchList) String() string {
	if b == nil || len(b.Branches) == 0 {
		return ""
	}
	parts := make([]string, len(b.Branches))
	for i, br := range b.Branches {
		parts[i] = br.Path + "=" + br.Mode
	}
	return strings.Join(parts, ":")
}

// Set parses the whole spec, replacing any previous value — consistent
// with how a single --dirs flag should behave if given more than once.
func (b *BranchList) Set(spec string) error {
	if spec == "" {
		return fmt.Errorf("cfg: dirs spec must not be empty")
	}

	var branches []BranchSpec
	for _, term := range strings.Split(spec, ":") {
		if term == "" {
			return fmt.Errorf("cfg: dirs spec %q has an empty branch term", spec)
		}

		path := term
		mode := "rw"
		if idx := strings.LastIndexByte(term, '='); idx >= 0 {
			path = term[:idx]
			mode = term[idx+1:]
		}
		if mode != "ro" && mode != "rw" {
			return fmt.Errorf("cfg: branch %q has invalid mode %q (want ro or rw)", path, mode)
		}
		if path == "" {
			return fmt.Errorf("cfg: branch term %q has an empty path", term)
		}

		branches = append(branches, BranchSpec{Path: path, Mode: mode})
	}

	b.Branches = branches
	b.set = true
	return nil
}

func (b *BranchList) Type() string { return "dirs-spec" }

// Octal is a flag.Value/pflag.Value for file-mode flags given in octal,
// e.g. "0755", the way the teacher accepts --dir-mode/--file-mode.
type Octal uint32

func (o *Octal) String() string { return fmt.Sprintf("0%o", uint32(*o)) }

func (o *Octal) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0"), 8, 32)
	if err != nil {
		return fmt.Errorf("cfg: invalid octal mode %q: %w", s, err)
	}
	*o = Octal(v)
	return nil
}

func (o *Octal) Type() string { return "octal" }
