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
	"errors"
	"testing"
	"time"

	"github.com/transparency-dev/weeder/api"
)

func TestFakeKeepDerivedDeletesDeadOnly(t *testing.T) {
	f := NewFake()
	f.SetDead(api.ShortID(1))
	f.KeptFiles[api.ShortID(2)] = true

	deleted, err := f.KeepDerived(context.Background(), api.ShortID(99), time.Now())
	if err != nil {
		t.Fatalf("KeepDerived: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("KeepDerived deleted = %d, want 1", deleted)
	}
	if _, stillThere := f.KeptFiles[api.ShortID(1)]; stillThere {
		t.Fatalf("dead file should have been removed from KeptFiles")
	}
	if !f.KeptFiles[api.ShortID(2)] {
		t.Fatalf("alive file should remain")
	}
}

type failingTransport struct{ calls int }

func (f *failingTransport) KeepDerived(ctx context.Context, disShortID api.ShortID, lease time.Time) (int, error) {
	f.calls++
	return 0, errors.New("rpc down")
}
func (f *failingTransport) Checkpoint(ctx context.Context) error {
	f.calls++
	return errors.New("rpc down")
}

func TestRPCClientWrapsFailureAsRepositoryError(t *testing.T) {
	tr := &failingTransport{}
	c := NewRPCClient(tr, 2)
	_, err := c.KeepDerived(context.Background(), api.ShortID(1), time.Now())
	var repoErr *RepositoryError
	if !errors.As(err, &repoErr) {
		t.Fatalf("KeepDerived error = %v, want *RepositoryError", err)
	}
	if tr.calls != 2 {
		t.Fatalf("transport called %d times, want 2", tr.calls)
	}
}
