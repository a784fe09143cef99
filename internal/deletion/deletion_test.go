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

package deletion

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/bitvector"
	"github.com/transparency-dev/weeder/internal/cacheclient"
	"github.com/transparency-dev/weeder/internal/graphlog"
	"github.com/transparency-dev/weeder/internal/repoclient"
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

func TestRunPrunesWeededAndKeepsMarkedRoot(t *testing.T) {
	glDir := t.TempDir()
	pb := api.PkgBuild{DirFP: fp(1), Model: api.ShortID(1)}
	locKept := fp(0xAA)
	locWeeded := fp(0xBB)
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: 100, CIs: []api.CI{42}, Done: true}},
		[]graphlog.Node{
			{CI: 42, Loc: locKept, Model: pb.Model, Refs: []api.DI{0xdeadbeef}},
			{CI: 43, Loc: locWeeded, Model: pb.Model, Refs: []api.DI{0xcafebabe}},
		},
	)

	weeded := bitvector.New()
	weeded.Set(43)
	markedRoots := stablevars.RootTbl{pb: true}

	fake := cacheclient.NewFake()
	repo := repoclient.NewFake()
	store, err := stablevars.Open(t.TempDir())
	if err != nil {
		t.Fatalf("stablevars.Open: %v", err)
	}
	if err := store.WriteWeeded(weeded); err != nil {
		t.Fatalf("seed WriteWeeded: %v", err)
	}

	e := &Engine{Cache: fake, Repo: repo, Store: store, GLDir: glDir}
	res, err := e.Run(context.Background(), weeded, markedRoots, api.ShortID(0x10), time.Now(), 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fake.LastEndMarkWeeded == nil || !fake.LastEndMarkWeeded.IsSet(43) {
		t.Fatalf("EndMark was not called with the weeded set")
	}
	if fake.LastPrefixes == nil || fake.LastPrefixes.Len() != 1 || !fake.LastPrefixes.Contains(string(locWeeded[:pkPrefixLen])) {
		t.Fatalf("weededPrefixes = %v, want just the weeded node's prefix", fake.LastPrefixes)
	}
	if len(fake.Checkpoints) != 1 {
		t.Fatalf("CommitChkpt called %d times, want 1", len(fake.Checkpoints))
	}
	if len(repo.KeepDerivedCalls) != 1 || repo.KeepDerivedCalls[0].DisShortID != api.ShortID(0x10) {
		t.Fatalf("KeepDerived calls = %v, want one call for disShortId 0x10", repo.KeepDerivedCalls)
	}
	if repo.Checkpoints != 1 {
		t.Fatalf("repo.Checkpoint called %d times, want 1", repo.Checkpoints)
	}

	w, err := store.ReadWeeded()
	if err != nil {
		t.Fatalf("ReadWeeded: %v", err)
	}
	if !w.IsEmpty() {
		t.Fatalf("stored weeded = %v, want reset to empty", w)
	}

	entries, err := os.ReadDir(glDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] != ".log" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no checkpoint file found among %v", entries)
	}
	if res.NewLogVer != fake.LogVersion {
		t.Fatalf("Result.NewLogVer = %d, want %d (cache's post-EndMark version)", res.NewLogVer, fake.LogVersion)
	}
}

func TestRunFailsWhenMarkedRootMissingFromLog(t *testing.T) {
	glDir := t.TempDir()
	// Write a log with no roots at all, but claim one was marked.
	writeGL(t, glDir, nil, []graphlog.Node{{CI: 1, Loc: fp(1), Model: api.ShortID(1)}})

	pb := api.PkgBuild{DirFP: fp(9), Model: api.ShortID(1)}
	markedRoots := stablevars.RootTbl{pb: true}
	weeded := bitvector.New()

	store, err := stablevars.Open(t.TempDir())
	if err != nil {
		t.Fatalf("stablevars.Open: %v", err)
	}
	e := &Engine{Cache: cacheclient.NewFake(), Repo: repoclient.NewFake(), Store: store, GLDir: glDir}

	if _, err := e.Run(context.Background(), weeded, markedRoots, api.ShortID(0x20), time.Now(), 2); err == nil {
		t.Fatalf("Run succeeded, want a failure: markedRoots names a root absent from the log")
	}
}
