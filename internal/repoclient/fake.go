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

package repoclient

import (
	"context"
	"sync"
	"time"

	"github.com/transparency-dev/weeder/api"
)

// Fake is an in-memory Repository used by tests and `cmd/weeder -query`.
type Fake struct {
	mu sync.Mutex

	// KeptFiles maps derived-file ShortId to a value considered "alive" for
	// KeepDerived's deletion count; removing an entry simulates the
	// repository actually deleting that file.
	KeptFiles map[api.ShortID]bool

	KeepDerivedCalls []KeepDerivedCall
	Checkpoints      int
}

// KeepDerivedCall records one call made to KeepDerived, for test assertions.
type KeepDerivedCall struct {
	DisShortID api.ShortID
	Lease      time.Time
}

// NewFake creates an empty Fake repository.
func NewFake() *Fake {
	return &Fake{KeptFiles: map[api.ShortID]bool{}}
}

// KeepDerived simulates deleting every file not referenced by the
// DIs-to-keep file named by disShortID, reporting how many it removed.
// Since the fake has no real derived-file tree to scan, it simply reports
// the number of entries currently in KeptFiles marked for deletion by the
// test via SetDead, then clears them.
func (f *Fake) KeepDerived(ctx context.Context, disShortID api.ShortID, lease time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.KeepDerivedCalls = append(f.KeepDerivedCalls, KeepDerivedCall{DisShortID: disShortID, Lease: lease})
	deleted := 0
	for id, alive := range f.KeptFiles {
		if !alive {
			delete(f.KeptFiles, id)
			deleted++
		}
	}
	return deleted, nil
}

// SetDead marks id as due for deletion on the next KeepDerived call.
func (f *Fake) SetDead(id api.ShortID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.KeptFiles[id] = false
}

func (f *Fake) Checkpoint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checkpoints++
	return nil
}

var _ Repository = (*Fake)(nil)
