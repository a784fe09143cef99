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

// Package cacheclient defines the weeder's view of the cache server it
// coordinates a weed against, plus an in-memory fake and a retrying RPC
// client stub. Wire transport is out of scope: RPCClient dials nothing on
// its own, it wraps a caller-supplied Transport in the retry policy the
// weeder needs.
package cacheclient

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/weeder/internal/bitvector"
	"github.com/transparency-dev/weeder/internal/prefixtbl"
)

// Cache is the set of cache-server operations the weeder's mark and
// deletion engines drive a weed through.
type Cache interface {
	WeederRecovering(ctx context.Context, resumable bool) (alreadyInProgress bool, err error)
	StartMark(ctx context.Context) (initCIs *bitvector.BitVector, newLogVer int64, err error)
	GetLeases(ctx context.Context) (leasedCIs *bitvector.BitVector, err error)
	ResumeLeaseExp(ctx context.Context) error
	SetHitFilter(ctx context.Context, toDelete *bitvector.BitVector) error
	EndMark(ctx context.Context, weeded *bitvector.BitVector, weededPrefixes *prefixtbl.PrefixTbl) (newLogVer int64, err error)
	CommitChkpt(ctx context.Context, relFilename string) (accepted bool, err error)
}

// RPCError reports a cache RPC/transport failure, mirroring spec.md §7's
// "RPC" error kind.
type RPCError struct {
	Op  string
	Err error
}

func (e *RPCError) Error() string { return fmt.Sprintf("cacheclient: %s: %v", e.Op, e.Err) }
func (e *RPCError) Unwrap() error { return e.Err }

// Transport is the minimal wire-level surface an RPCClient drives; the
// concrete transport (SRPC, gRPC, HTTP, ...) is out of scope here and left
// to be supplied by the caller.
type Transport interface {
	WeederRecovering(ctx context.Context, resumable bool) (bool, error)
	StartMark(ctx context.Context) (*bitvector.BitVector, int64, error)
	GetLeases(ctx context.Context) (*bitvector.BitVector, error)
	ResumeLeaseExp(ctx context.Context) error
	SetHitFilter(ctx context.Context, toDelete *bitvector.BitVector) error
	EndMark(ctx context.Context, weeded *bitvector.BitVector, weededPrefixes *prefixtbl.PrefixTbl) (int64, error)
	CommitChkpt(ctx context.Context, relFilename string) (bool, error)
}

// RPCClient wraps a Transport with bounded retries for transient failures,
// matching the teacher's retry-go usage for its own remote log calls.
type RPCClient struct {
	t       Transport
	retries uint
}

// NewRPCClient wraps t with attempts retries (0 selects a sensible default
// of 10, matching the teacher's migrate.go).
func NewRPCClient(t Transport, attempts uint) *RPCClient {
	if attempts == 0 {
		attempts = 10
	}
	return &RPCClient{t: t, retries: attempts}
}

func (c *RPCClient) do(op string, f func() error) error {
	err := retry.Do(f, retry.Attempts(c.retries), retry.DelayType(retry.BackOffDelay))
	if err != nil {
		klog.Warningf("cacheclient: %s failed after retries: %v", op, err)
		return &RPCError{Op: op, Err: err}
	}
	return nil
}

func (c *RPCClient) WeederRecovering(ctx context.Context, resumable bool) (bool, error) {
	var out bool
	err := c.do("WeederRecovering", func() error {
		var err error
		out, err = c.t.WeederRecovering(ctx, resumable)
		return err
	})
	return out, err
}

func (c *RPCClient) StartMark(ctx context.Context) (*bitvector.BitVector, int64, error) {
	var cis *bitvector.BitVector
	var ver int64
	err := c.do("StartMark", func() error {
		var err error
		cis, ver, err = c.t.StartMark(ctx)
		return err
	})
	return cis, ver, err
}

func (c *RPCClient) GetLeases(ctx context.Context) (*bitvector.BitVector, error) {
	var out *bitvector.BitVector
	err := c.do("GetLeases", func() error {
		var err error
		out, err = c.t.GetLeases(ctx)
		return err
	})
	return out, err
}

func (c *RPCClient) ResumeLeaseExp(ctx context.Context) error {
	return c.do("ResumeLeaseExp", func() error { return c.t.ResumeLeaseExp(ctx) })
}

func (c *RPCClient) SetHitFilter(ctx context.Context, toDelete *bitvector.BitVector) error {
	return c.do("SetHitFilter", func() error { return c.t.SetHitFilter(ctx, toDelete) })
}

func (c *RPCClient) EndMark(ctx context.Context, weeded *bitvector.BitVector, weededPrefixes *prefixtbl.PrefixTbl) (int64, error) {
	var ver int64
	err := c.do("EndMark", func() error {
		var err error
		ver, err = c.t.EndMark(ctx, weeded, weededPrefixes)
		return err
	})
	return ver, err
}

func (c *RPCClient) CommitChkpt(ctx context.Context, relFilename string) (bool, error) {
	var accepted bool
	err := c.do("CommitChkpt", func() error {
		var err error
		accepted, err = c.t.CommitChkpt(ctx, relFilename)
		return err
	})
	return accepted, err
}

var _ Cache = (*RPCClient)(nil)
