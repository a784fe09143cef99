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

package instr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/transparency-dev/weeder/api"
)

func TestLoadParsesRootsSkippingCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "roots.txt")
	fp := api.FP{1, 2, 3}
	content := "# comment\n\n" + fp.String() + ",0000000a,true\n" + fp.String() + ",0000000b,false\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	roots, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("len(roots) = %d, want 2", len(roots))
	}
	keepPB := api.PkgBuild{DirFP: fp, Model: 0xa}
	dropPB := api.PkgBuild{DirFP: fp, Model: 0xb}
	if !roots.Contains(keepPB) {
		t.Fatalf("Contains(%v) = false, want true", keepPB)
	}
	if roots.Contains(dropPB) {
		t.Fatalf("Contains(%v) = true, want false", dropPB)
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "roots.txt")
	if err := os.WriteFile(p, []byte("not,enough\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("Load on malformed line: want error, got nil")
	}
}
