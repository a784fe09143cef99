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

package mark

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/bitvector"
	"github.com/transparency-dev/weeder/internal/cacheclient"
	"github.com/transparency-dev/weeder/internal/graphlog"
	"github.com/transparency-dev/weeder/internal/instr"
	"github.com/transparency-dev/weeder/internal/shortid"
)

func fp(b byte) api.FP {
	var f api.FP
	f[0] = b
	return f
}

// writeGL opens a fresh graph log under dir, appends the given roots/nodes
// in order, and closes it, leaving everything in a single generation.
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

func newEngine(t *testing.T, glDir, workDir, derivedDir string) *Engine {
	t.Helper()
	return &Engine{
		GLDir:       glDir,
		WorkDir:     workDir,
		DerivedDir:  derivedDir,
		ShortIDs:    shortid.New(derivedDir),
		NodeBufSize: 16,
		DIBufSize:   16,
	}
}

func readDIFile(t *testing.T, derivedDir string, id api.ShortID) string {
	t.Helper()
	b, err := os.ReadFile(shortid.PathFor(derivedDir, id))
	if err != nil {
		t.Fatalf("read DIs-to-keep file: %v", err)
	}
	return string(b)
}

func TestRunEmptyCache(t *testing.T) {
	glDir, workDir, derivedDir := t.TempDir(), t.TempDir(), t.TempDir()
	e := newEngine(t, glDir, workDir, derivedDir)
	e.Cache = cacheclient.NewFake()

	res, err := e.Run(context.Background(), instr.Roots{}, time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Weeded.IsEmpty() {
		t.Fatalf("weeded = %v, want empty", res.Weeded)
	}
	content := readDIFile(t, derivedDir, res.DisShortID)
	lines := strings.Fields(content)
	if len(lines) != 1 {
		t.Fatalf("DIs-to-keep file = %q, want exactly the DI file's own id", content)
	}
}

func TestRunOneRootOneNode(t *testing.T) {
	glDir, workDir, derivedDir := t.TempDir(), t.TempDir(), t.TempDir()
	pb := api.PkgBuild{DirFP: fp(1), Model: api.ShortID(1)}
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: 100, CIs: []api.CI{42}, Done: true}},
		[]graphlog.Node{{CI: 42, Model: pb.Model, Kids: nil, Refs: []api.DI{0xdeadbeef}}},
	)

	e := newEngine(t, glDir, workDir, derivedDir)
	fake := cacheclient.NewFake()
	fake.AllCIs.Set(42)
	fake.LogVersion = 2 // graph log committed through generation 1
	e.Cache = fake

	res, err := e.Run(context.Background(), instr.Roots{pb: true}, 50*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Weeded.IsEmpty() {
		t.Fatalf("weeded = %v, want empty", res.Weeded)
	}
	if kept, ok := res.MarkedRoots[pb]; !ok || !kept {
		t.Fatalf("markedRoots[%v] = (%v, %v), want (true, true)", pb, kept, ok)
	}
	content := readDIFile(t, derivedDir, res.DisShortID)
	if !strings.Contains(content, "deadbeef") {
		t.Fatalf("DIs-to-keep file = %q, want it to contain deadbeef", content)
	}
}

func TestRunUnreachableNodeIsWeeded(t *testing.T) {
	glDir, workDir, derivedDir := t.TempDir(), t.TempDir(), t.TempDir()
	pb := api.PkgBuild{DirFP: fp(1), Model: api.ShortID(1)}
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: 100, CIs: []api.CI{42}, Done: true}},
		[]graphlog.Node{
			{CI: 42, Model: pb.Model, Kids: nil, Refs: []api.DI{0xdeadbeef}},
			{CI: 43, Model: pb.Model, Kids: nil, Refs: []api.DI{0xcafebabe}},
		},
	)

	e := newEngine(t, glDir, workDir, derivedDir)
	fake := cacheclient.NewFake()
	fake.AllCIs.Set(42)
	fake.AllCIs.Set(43)
	fake.LogVersion = 2
	e.Cache = fake

	res, err := e.Run(context.Background(), instr.Roots{pb: true}, 50*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Weeded.IsSet(43) || res.Weeded.Cardinality() != 1 {
		t.Fatalf("weeded = %v, want just {43}", res.Weeded)
	}
	if !fake.HitFilter.IsSet(43) {
		t.Fatalf("SetHitFilter was not called with {43}: %v", fake.HitFilter)
	}
	content := readDIFile(t, derivedDir, res.DisShortID)
	if strings.Contains(content, "cafebabe") {
		t.Fatalf("DIs-to-keep file = %q, should not contain cafebabe", content)
	}
}

func TestRunFreshRootKeptByAge(t *testing.T) {
	glDir, workDir, derivedDir := t.TempDir(), t.TempDir(), t.TempDir()
	pb := api.PkgBuild{DirFP: fp(2), Model: api.ShortID(1)}
	now := uint32(time.Now().Unix())
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: now, CIs: []api.CI{42}, Done: true}},
		[]graphlog.Node{{CI: 42, Model: pb.Model}},
	)

	e := newEngine(t, glDir, workDir, derivedDir)
	fake := cacheclient.NewFake()
	fake.AllCIs.Set(42)
	fake.LogVersion = 2
	e.Cache = fake

	res, err := e.Run(context.Background(), instr.Roots{}, time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if kept, ok := res.MarkedRoots[pb]; !ok || kept {
		t.Fatalf("markedRoots[%v] = (%v, %v), want (false, true): kept by age, not by instruction", pb, kept, ok)
	}
	if !res.Weeded.IsEmpty() {
		t.Fatalf("weeded = %v, want empty", res.Weeded)
	}
}

func TestRunRootReferencingUnknownCIIsFatal(t *testing.T) {
	glDir, workDir, derivedDir := t.TempDir(), t.TempDir(), t.TempDir()
	pb := api.PkgBuild{DirFP: fp(3), Model: api.ShortID(1)}
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: 100, CIs: []api.CI{99}, Done: true}},
		nil,
	)

	e := newEngine(t, glDir, workDir, derivedDir)
	fake := cacheclient.NewFake() // AllCIs stays empty: 99 is unknown
	fake.LogVersion = 2
	e.Cache = fake

	if _, err := e.Run(context.Background(), instr.Roots{pb: true}, time.Hour); err == nil {
		t.Fatalf("Run succeeded, want an invariant error for root referencing unknown CI 99")
	}
}

func TestRunResumesLeaseExpirationOnFailure(t *testing.T) {
	glDir, workDir, derivedDir := t.TempDir(), t.TempDir(), t.TempDir()
	pb := api.PkgBuild{DirFP: fp(4), Model: api.ShortID(1)}
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: 100, CIs: []api.CI{99}, Done: true}},
		nil,
	)

	e := newEngine(t, glDir, workDir, derivedDir)
	fake := cacheclient.NewFake()
	fake.LogVersion = 2
	e.Cache = fake

	if _, err := e.Run(context.Background(), instr.Roots{pb: true}, time.Hour); err == nil {
		t.Fatalf("Run succeeded, want a failure")
	}
	if fake.LeaseExpFrozen {
		t.Fatalf("lease expiration still frozen after a failed mark")
	}
}

func TestRunTransitiveChildIsMarked(t *testing.T) {
	glDir, workDir, derivedDir := t.TempDir(), t.TempDir(), t.TempDir()
	pb := api.PkgBuild{DirFP: fp(5), Model: api.ShortID(1)}
	writeGL(t, glDir,
		[]graphlog.Root{{PkgFP: pb.DirFP, Model: pb.Model, Timestamp: 100, CIs: []api.CI{1}, Done: true}},
		[]graphlog.Node{
			{CI: 1, Model: pb.Model, Kids: []api.CI{2}},
			{CI: 2, Model: pb.Model, Kids: []api.CI{3}},
			{CI: 3, Model: pb.Model, Refs: []api.DI{0x11111111}},
		},
	)

	e := newEngine(t, glDir, workDir, derivedDir)
	fake := cacheclient.NewFake()
	for _, ci := range []int{1, 2, 3} {
		fake.AllCIs.Set(ci)
	}
	fake.LogVersion = 2
	e.Cache = fake

	res, err := e.Run(context.Background(), instr.Roots{pb: true}, time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Weeded.IsEmpty() {
		t.Fatalf("weeded = %v, want empty: CI 3 is transitively reachable from the root", res.Weeded)
	}
	content := readDIFile(t, derivedDir, res.DisShortID)
	if !strings.Contains(content, "11111111") {
		t.Fatalf("DIs-to-keep file = %q, want it to contain 11111111 from the transitively-marked node", content)
	}
}
