// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// Package instr loads an already-resolved weeder-instruction root table:
// the set of PkgBuilds the operator wants kept regardless of age. The
// pattern language that resolves repository scans into PkgBuilds is out of
// scope; this package only reads the resulting flat table.
package instr

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/transparency-dev/weeder/api"
)

// Roots is a resolved weeder-instruction table: PkgBuild to whether it
// should be kept.
type Roots map[api.PkgBuild]bool

// Load reads a flat text file of `pkgFP,model,keep` lines (one per root),
// e.g. as produced by a repository-scan tool external to this repo.
// Blank lines and lines starting with '#' are ignored.
func Load(path string) (Roots, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("instr: open %s: %w", path, err)
	}
	defer f.Close()

	roots := Roots{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("instr: %s:%d: want 3 comma-separated fields, got %d", path, lineNo, len(parts))
		}
		fp, err := api.ParseFP(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("instr: %s:%d: %w", path, lineNo, err)
		}
		model, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("instr: %s:%d: invalid model %q: %w", path, lineNo, parts[1], err)
		}
		keep, err := strconv.ParseBool(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("instr: %s:%d: invalid keep flag %q: %w", path, lineNo, parts[2], err)
		}
		roots[api.PkgBuild{DirFP: fp, Model: api.ShortID(model)}] = keep
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("instr: read %s: %w", path, err)
	}
	return roots, nil
}

// Contains reports whether pb is named in the table and marked to keep.
func (r Roots) Contains(pb api.PkgBuild) bool {
	return r[pb]
}
