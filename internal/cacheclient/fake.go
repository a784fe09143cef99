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

package cacheclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/transparency-dev/weeder/internal/bitvector"
	"github.com/transparency-dev/weeder/internal/prefixtbl"
)

// Fake is an in-memory Cache used by tests and by `cmd/weeder -query`. It
// tracks just enough state to exercise the mark/deletion engine protocol:
// a set of known CIs, the current log generation, a lease-frozen flag, and
// whether a weed is already in progress.
type Fake struct {
	mu sync.Mutex

	AllCIs         *bitvector.BitVector
	LeasedCIs      *bitvector.BitVector
	LogVersion     int64
	LeaseExpFrozen bool
	InProgress     bool

	HitFilter         *bitvector.BitVector
	LastEndMarkWeeded *bitvector.BitVector
	LastPrefixes      *prefixtbl.PrefixTbl
	Checkpoints       []string
}

// NewFake creates a Fake with an empty CI set at log generation 0.
func NewFake() *Fake {
	return &Fake{AllCIs: bitvector.New(), LeasedCIs: bitvector.New()}
}

func (f *Fake) WeederRecovering(ctx context.Context, resumable bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	already := f.InProgress
	f.InProgress = true
	_ = resumable
	return already, nil
}

func (f *Fake) StartMark(ctx context.Context) (*bitvector.BitVector, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LeaseExpFrozen {
		return nil, 0, fmt.Errorf("cacheclient: fake: StartMark called while a weed is already in progress")
	}
	f.LeaseExpFrozen = true
	f.InProgress = true
	return f.AllCIs.Clone(), f.LogVersion, nil
}

func (f *Fake) GetLeases(ctx context.Context) (*bitvector.BitVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LeasedCIs.Clone(), nil
}

func (f *Fake) ResumeLeaseExp(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeaseExpFrozen = false
	return nil
}

func (f *Fake) SetHitFilter(ctx context.Context, toDelete *bitvector.BitVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HitFilter = toDelete.Clone()
	return nil
}

func (f *Fake) EndMark(ctx context.Context, weeded *bitvector.BitVector, weededPrefixes *prefixtbl.PrefixTbl) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LastEndMarkWeeded = weeded.Clone()
	f.LastPrefixes = weededPrefixes
	f.AllCIs = bitvector.Minus(f.AllCIs, weeded)
	f.LogVersion++
	f.InProgress = false
	return f.LogVersion, nil
}

func (f *Fake) CommitChkpt(ctx context.Context, relFilename string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checkpoints = append(f.Checkpoints, relFilename)
	return true, nil
}

var _ Cache = (*Fake)(nil)
