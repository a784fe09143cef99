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

// Package repoclient defines the weeder's view of the repository it asks
// to delete dead derived files and checkpoint itself, plus an in-memory
// fake and a retrying RPC client stub.
package repoclient

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/weeder/api"
)

// Repository is the set of repository operations the deletion engine
// drives.
type Repository interface {
	KeepDerived(ctx context.Context, disShortID api.ShortID, lease time.Time) (deleted int, err error)
	Checkpoint(ctx context.Context) error
}

// RepositoryError reports a repository RPC/lookup failure, mirroring
// spec.md §7's "Repository" error kind: op name, code string, and the
// argument that failed.
type RepositoryError struct {
	Op   string
	Code string
	Arg  fmt.Stringer
	Err  error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repoclient: %s(%v) [%s]: %v", e.Op, e.Arg, e.Code, e.Err)
}
func (e *RepositoryError) Unwrap() error { return e.Err }

// Transport is the minimal wire-level surface an RPCClient drives; the
// concrete transport is out of scope and left to the caller.
type Transport interface {
	KeepDerived(ctx context.Context, disShortID api.ShortID, lease time.Time) (int, error)
	Checkpoint(ctx context.Context) error
}

// RPCClient wraps a Transport with bounded retries for transient failures.
type RPCClient struct {
	t       Transport
	retries uint
}

// NewRPCClient wraps t with attempts retries (0 selects a default of 10).
func NewRPCClient(t Transport, attempts uint) *RPCClient {
	if attempts == 0 {
		attempts = 10
	}
	return &RPCClient{t: t, retries: attempts}
}

func (c *RPCClient) KeepDerived(ctx context.Context, disShortID api.ShortID, lease time.Time) (int, error) {
	var deleted int
	err := retry.Do(func() error {
		var err error
		deleted, err = c.t.KeepDerived(ctx, disShortID, lease)
		return err
	}, retry.Attempts(c.retries), retry.DelayType(retry.BackOffDelay))
	if err != nil {
		klog.Warningf("repoclient: KeepDerived(%s) failed after retries: %v", disShortID, err)
		return 0, &RepositoryError{Op: "KeepDerived", Code: "io", Arg: disShortID, Err: err}
	}
	return deleted, nil
}

func (c *RPCClient) Checkpoint(ctx context.Context) error {
	err := retry.Do(func() error {
		return c.t.Checkpoint(ctx)
	}, retry.Attempts(c.retries), retry.DelayType(retry.BackOffDelay))
	if err != nil {
		klog.Warningf("repoclient: Checkpoint failed after retries: %v", err)
		return &RepositoryError{Op: "Checkpoint", Code: "io", Arg: stringerString("-"), Err: err}
	}
	return nil
}

type stringerString string

func (s stringerString) String() string { return string(s) }

var _ Repository = (*RPCClient)(nil)
