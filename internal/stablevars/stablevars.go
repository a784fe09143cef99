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

// Package stablevars persists the weeder's cross-restart variables, Weeded
// and MiscVars, each via a temp-file-then-rename so a reader never observes
// partial content, and removes the transient PendingGL/WorkingGL
// directories the mark phase leaves in its work directory.
package stablevars

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/bitvector"
)

const (
	weededFile   = "weeded"
	miscVarsFile = "miscvars"
)

// Store reads and writes the stable variable files rooted at dir.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir (created if it doesn't exist).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("stablevars: mkdir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// ReadWeeded reads the Weeded file, returning an empty BitVector if it
// doesn't exist yet (no weed has ever run).
func (s *Store) ReadWeeded() (*bitvector.BitVector, error) {
	f, err := os.Open(filepath.Join(s.dir, weededFile))
	if os.IsNotExist(err) {
		return bitvector.New(), nil
	} else if err != nil {
		return nil, fmt.Errorf("stablevars: open weeded: %w", err)
	}
	defer f.Close()
	bv, err := bitvector.Read(f)
	if err != nil {
		return nil, fmt.Errorf("stablevars: read weeded: %w", err)
	}
	return bv, nil
}

// WriteWeeded durably writes weeded. Passing an empty BitVector retires the
// state a completed weed's deletion phase leaves behind.
func (s *Store) WriteWeeded(weeded *bitvector.BitVector) error {
	var buf bytes.Buffer
	if err := weeded.Write(&buf); err != nil {
		return fmt.Errorf("stablevars: encode weeded: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, weededFile), buf.Bytes())
}

// RootTbl is the persisted form of MarkEngine's markedRoots: the subset of
// instrRoots (plus any freshly-discovered roots) that survived marking,
// keyed by PkgBuild.
type RootTbl map[api.PkgBuild]bool

// MiscVars bundles the remaining cross-restart mark-phase state: the wall
// times the mark phase used, the ShortId of the DIs-to-keep file, the graph
// log generation the mark phase replayed through, and the root table.
type MiscVars struct {
	StartTime   time.Time
	KeepTime    time.Time
	DisShortID  api.ShortID
	MarkLogVer  int64
	MarkedRoots RootTbl
}

// ReadMiscVars reads MiscVars, written as [int32 startTime][int32
// keepTime][u32 disShortId][int64 markLogVer] followed by the pickled root
// table.
func (s *Store) ReadMiscVars() (MiscVars, error) {
	var mv MiscVars
	data, err := os.ReadFile(filepath.Join(s.dir, miscVarsFile))
	if err != nil {
		return mv, fmt.Errorf("stablevars: read miscvars: %w", err)
	}
	r := bytes.NewReader(data)
	var startTime, keepTime int32
	var disShortID uint32
	var markLogVer int64
	for _, v := range []any{&startTime, &keepTime, &disShortID, &markLogVer} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return mv, fmt.Errorf("stablevars: decode miscvars header: %w", err)
		}
	}
	mv.StartTime = time.Unix(int64(startTime), 0)
	mv.KeepTime = time.Unix(int64(keepTime), 0)
	mv.DisShortID = api.ShortID(disShortID)
	mv.MarkLogVer = markLogVer

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return mv, fmt.Errorf("stablevars: decode root table count: %w", err)
	}
	mv.MarkedRoots = make(RootTbl, n)
	for i := uint32(0); i < n; i++ {
		var fp api.FP
		var model uint32
		var keep byte
		if _, err := io.ReadFull(r, fp[:]); err != nil {
			return mv, fmt.Errorf("stablevars: decode root %d fp: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &model); err != nil {
			return mv, fmt.Errorf("stablevars: decode root %d model: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &keep); err != nil {
			return mv, fmt.Errorf("stablevars: decode root %d keep flag: %w", i, err)
		}
		mv.MarkedRoots[api.PkgBuild{DirFP: fp, Model: api.ShortID(model)}] = keep != 0
	}
	return mv, nil
}

// WriteMiscVars durably writes mv.
func (s *Store) WriteMiscVars(mv MiscVars) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, int32(mv.StartTime.Unix()))
	binary.Write(&buf, binary.BigEndian, int32(mv.KeepTime.Unix()))
	binary.Write(&buf, binary.BigEndian, uint32(mv.DisShortID))
	binary.Write(&buf, binary.BigEndian, mv.MarkLogVer)
	binary.Write(&buf, binary.BigEndian, uint32(len(mv.MarkedRoots)))
	for pb, keep := range mv.MarkedRoots {
		buf.Write(pb.DirFP[:])
		binary.Write(&buf, binary.BigEndian, uint32(pb.Model))
		if keep {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	return atomicWrite(filepath.Join(s.dir, miscVarsFile), buf.Bytes())
}

// Resumable reports whether a previous weed's deletion phase was
// interrupted: Weeded is non-empty, meaning the mark phase completed but
// deletion did not finish. Per spec.md §4.6's resume semantics, the outer
// controller should skip straight to the deletion phase in that case.
func Resumable(weeded *bitvector.BitVector) bool {
	return !weeded.IsEmpty()
}

// RemovePendingWorking deletes the transient PendingGL/WorkingGL
// directories under dir. The outer controller calls it once a deletion
// phase completes, whether resumed or part of a fresh weed.
func RemovePendingWorking(dir string) error {
	for _, name := range []string{"pendinggl", "workinggl"} {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("stablevars: remove %s: %w", name, err)
		}
	}
	return nil
}
