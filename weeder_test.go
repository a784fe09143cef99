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

package weeder

import (
	"context"
	"testing"
	"time"

	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/bitvector"
	"github.com/transparency-dev/weeder/internal/cacheclient"
	"github.com/transparency-dev/weeder/internal/graphlog"
	"github.com/transparency-dev/weeder/internal/instr"
	"github.com/transparency-dev/weeder/internal/repoclient"
	"github.com/transparency-dev/weeder/internal/shortid"
	"github.com/transparency-dev/weeder/internal/stablevars"
)

func fp(b byte) api.FP {
	var f api.FP
	f[0] = b
	return f
}

func writeGL(t *testing.T, dir string, roots []graphlog.Root, nodes []graphlog.Node) {
	t.Helper()
	gl, err := graphlog.Open(dir, "")
	if err != nil {
		t.Fatalf("graphlog.Open: %v", err)
	}
	for _, r := range roots {
		if err := gl.AppendRoot(r); err != nil {
			t.Fatalf("AppendRoot: %v", err)
		}
	}
	for _, n := range nodes {
		if err := gl.AppendNode(n); err != nil {
			t.Fatalf("AppendNode: %v", err)
		}
	}
	if err := gl.Close(); err != nil {
		t.Fatalf("close graphlog: %v", err)
	}
}

// TestRunResumesInterruptedDeletion covers spec.md §8 scenario S5: a prior
// weed wrote Weeded and MiscVars stably but crashed before the deletion
// phase ran. On restart, Run must skip the mark phase entirely and run
// only deletion, leaving Weeded empty afterwards, then (since NoNew is
// set) exit without starting a fresh weed.
func TestRunResumesInterruptedDeletion(t *testing.T) {
	glDir := t.TempDir()
	derivedDir := t.TempDir()
	stableDir := t.TempDir()
	workDir := t.TempDir()

	pb := api.PkgBuild{DirFP: fp(1), Model: api.ShortID(1)}
	kept := fp(0xAA)
	weededLoc := fp(0xBB)
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: 100, CIs: []api.CI{42}, Done: true}},
		[]graphlog.Node{
			{CI: 42, Loc: kept, Model: pb.Model, Refs: []api.DI{1}},
			{CI: 43, Loc: weededLoc, Model: pb.Model, Refs: []api.DI{2}},
		},
	)

	store, err := stablevars.Open(stableDir)
	if err != nil {
		t.Fatalf("stablevars.Open: %v", err)
	}
	weeded := bitvector.New()
	weeded.Set(43)
	if err := store.WriteWeeded(weeded); err != nil {
		t.Fatalf("seed WriteWeeded: %v", err)
	}
	if err := store.WriteMiscVars(stablevars.MiscVars{
		StartTime:   time.Now(),
		KeepTime:    time.Now().Add(-time.Hour),
		DisShortID:  api.ShortID(0x10),
		MarkLogVer:  2,
		MarkedRoots: stablevars.RootTbl{pb: true},
	}); err != nil {
		t.Fatalf("seed WriteMiscVars: %v", err)
	}

	fake := cacheclient.NewFake()
	repo := repoclient.NewFake()

	err = Run(context.Background(), Options{
		Cache:       fake,
		Repo:        repo,
		GLDir:       glDir,
		WorkDir:     workDir,
		DerivedDir:  derivedDir,
		StableDir:   stableDir,
		ShortIDs:    shortid.New(derivedDir),
		NodeBufSize: 16,
		DIBufSize:   16,
		InstrRoots:  instr.Roots{},
		KeepDur:     time.Hour,
		NoNew:       true,
	})
	if err != nil {
		t.Fatalf("Run (resume): %v", err)
	}

	if len(fake.Checkpoints) != 1 {
		t.Fatalf("CommitChkpt called %d times, want 1", len(fake.Checkpoints))
	}
	if repo.Checkpoints != 1 {
		t.Fatalf("repo.Checkpoint called %d times, want 1", repo.Checkpoints)
	}
	w, err := store.ReadWeeded()
	if err != nil {
		t.Fatalf("ReadWeeded: %v", err)
	}
	if !w.IsEmpty() {
		t.Fatalf("stored weeded after resume = %v, want empty", w)
	}
}

// TestRunFreshWeedNoResume covers the non-resume path end to end against
// an empty cache (spec.md §8 scenario S1): Weeded starts empty, so Run
// drives a full mark+deletion cycle and leaves Weeded empty.
func TestRunFreshWeedNoResume(t *testing.T) {
	glDir := t.TempDir()
	derivedDir := t.TempDir()
	stableDir := t.TempDir()
	workDir := t.TempDir()

	fake := cacheclient.NewFake()
	repo := repoclient.NewFake()

	err := Run(context.Background(), Options{
		Cache:       fake,
		Repo:        repo,
		GLDir:       glDir,
		WorkDir:     workDir,
		DerivedDir:  derivedDir,
		StableDir:   stableDir,
		ShortIDs:    shortid.New(derivedDir),
		NodeBufSize: 16,
		DIBufSize:   16,
		InstrRoots:  instr.Roots{},
		KeepDur:     time.Hour,
	})
	if err != nil {
		t.Fatalf("Run (fresh): %v", err)
	}

	w, err := store(t, stableDir).ReadWeeded()
	if err != nil {
		t.Fatalf("ReadWeeded: %v", err)
	}
	if !w.IsEmpty() {
		t.Fatalf("stored weeded after fresh weed = %v, want empty", w)
	}
}

func store(t *testing.T, dir string) *stablevars.Store {
	t.Helper()
	s, err := stablevars.Open(dir)
	if err != nil {
		t.Fatalf("stablevars.Open: %v", err)
	}
	return s
}
