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

package stablevars

import (
	"testing"
	"time"

	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/bitvector"
)

func TestWeededRoundTripAndEmptyDefault(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bv, err := s.ReadWeeded()
	if err != nil {
		t.Fatalf("ReadWeeded (no file yet): %v", err)
	}
	if !bv.IsEmpty() {
		t.Fatalf("ReadWeeded before any write should be empty")
	}
	if Resumable(bv) {
		t.Fatalf("Resumable(empty) = true, want false")
	}

	want := bitvector.New()
	want.Set(3)
	want.Set(100)
	if err := s.WriteWeeded(want); err != nil {
		t.Fatalf("WriteWeeded: %v", err)
	}
	got, err := s.ReadWeeded()
	if err != nil {
		t.Fatalf("ReadWeeded: %v", err)
	}
	if !bitvector.Equal(got, want) {
		t.Fatalf("ReadWeeded() = %v, want %v", got, want)
	}
	if !Resumable(got) {
		t.Fatalf("Resumable(non-empty) = false, want true")
	}
}

func TestMiscVarsRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mv := MiscVars{
		StartTime:  time.Unix(1000, 0),
		KeepTime:   time.Unix(900, 0),
		DisShortID: api.ShortID(0xabcdef01),
		MarkedRoots: RootTbl{
			{DirFP: api.FP{1, 2, 3}, Model: 7}: true,
			{DirFP: api.FP{4, 5, 6}, Model: 8}: false,
		},
	}
	if err := s.WriteMiscVars(mv); err != nil {
		t.Fatalf("WriteMiscVars: %v", err)
	}
	got, err := s.ReadMiscVars()
	if err != nil {
		t.Fatalf("ReadMiscVars: %v", err)
	}
	if !got.StartTime.Equal(mv.StartTime) || !got.KeepTime.Equal(mv.KeepTime) {
		t.Fatalf("times = %+v, want %+v", got, mv)
	}
	if got.DisShortID != mv.DisShortID {
		t.Fatalf("DisShortID = %s, want %s", got.DisShortID, mv.DisShortID)
	}
	if len(got.MarkedRoots) != len(mv.MarkedRoots) {
		t.Fatalf("MarkedRoots = %v, want %v", got.MarkedRoots, mv.MarkedRoots)
	}
	for pb, keep := range mv.MarkedRoots {
		if got.MarkedRoots[pb] != keep {
			t.Fatalf("MarkedRoots[%v] = %v, want %v", pb, got.MarkedRoots[pb], keep)
		}
	}
}
