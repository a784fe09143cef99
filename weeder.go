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

// Package weeder is the outer controller: it drives one weed (or, on
// recovery from an interrupted deletion phase, just the tail end of one)
// by wiring internal/stablevars, internal/mark, internal/deletion, and the
// background internal/shortid lease-reclamation task together.
package weeder

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/weeder/internal/cacheclient"
	"github.com/transparency-dev/weeder/internal/deletion"
	"github.com/transparency-dev/weeder/internal/instr"
	"github.com/transparency-dev/weeder/internal/mark"
	"github.com/transparency-dev/weeder/internal/repoclient"
	"github.com/transparency-dev/weeder/internal/shortid"
	"github.com/transparency-dev/weeder/internal/stablevars"
	"github.com/transparency-dev/weeder/internal/werrors"
)

// InvariantError reports a weeder-level inconsistency that isn't specific
// to any one subsystem, e.g. the cache reporting a weed already in
// progress when the outer controller didn't start one.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "weeder: " + e.Msg }

// Options configures one invocation of Run.
type Options struct {
	Cache cacheclient.Cache
	Repo  repoclient.Repository

	GLDir       string
	GLBackupDir string
	WorkDir     string
	DerivedDir  string
	StableDir   string

	ShortIDs *shortid.Allocator
	Landlord *shortid.Landlord

	NodeBufSize int
	DIBufSize   int

	// InstrRoots names the PkgBuilds the operator wants kept regardless of
	// age. Ignored on a resume (the prior mark phase's result is reused).
	InstrRoots instr.Roots
	// KeepDur is how far back a root's timestamp keeps it even without an
	// explicit instruction; see spec.md §4.5.
	KeepDur time.Duration
	// NoDelete runs only the mark phase, skipping deletion; spec.md §6's
	// `-nodelete` flag.
	NoDelete bool
	// NoNew, when true, means the caller supplied no fresh instruction
	// roots for this invocation: on a resume, once the deletion phase
	// completes the weeder exits instead of starting a fresh weed (spec.md
	// §4.6's resume semantics).
	NoNew bool
}

// Run drives one weeder invocation to completion: resuming an interrupted
// deletion phase if stable state says one is pending, then either exiting
// (resume-and-no-new-instructions) or running a fresh mark/deletion cycle.
// The background lease-reclamation landlord, if set, runs alongside
// whichever weed phases execute and is stopped before Run returns.
func Run(ctx context.Context, opts Options) error {
	store, err := stablevars.Open(opts.StableDir)
	if err != nil {
		return err
	}

	weeded, err := store.ReadWeeded()
	if err != nil {
		return err
	}

	landlordCtx, stopLandlord := context.WithCancel(ctx)
	defer stopLandlord()
	eg, egCtx := errgroup.WithContext(landlordCtx)
	if opts.Landlord != nil {
		eg.Go(func() error {
			opts.Landlord.Run(egCtx)
			return nil
		})
	}

	resumable := stablevars.Resumable(weeded)
	alreadyInProgress, err := opts.Cache.WeederRecovering(ctx, resumable)
	if err != nil {
		return err
	}
	if alreadyInProgress {
		return &InvariantError{Msg: "the cache reports a weed is already in progress"}
	}

	de := &deletion.Engine{Cache: opts.Cache, Repo: opts.Repo, Store: store, GLDir: opts.GLDir, GLBackupDir: opts.GLBackupDir}

	if resumable {
		klog.Infof("weeder: resuming an interrupted deletion phase")
		mv, err := store.ReadMiscVars()
		if err != nil {
			return err
		}
		if _, err := de.Run(ctx, weeded, mv.MarkedRoots, mv.DisShortID, mv.StartTime, mv.MarkLogVer); err != nil {
			return err
		}
		if err := stablevars.RemovePendingWorking(opts.WorkDir); err != nil {
			return err
		}
		if opts.NoNew {
			klog.Infof("weeder: resume-and-exit: no new instruction roots supplied")
			stopLandlord()
			return eg.Wait()
		}
	}

	if err := runWeed(ctx, opts, store, de); err != nil {
		return err
	}
	stopLandlord()
	return eg.Wait()
}

// runWeed drives one fresh mark phase and, unless NoDelete is set, the
// deletion phase that follows it.
func runWeed(ctx context.Context, opts Options, store *stablevars.Store, de *deletion.Engine) error {
	me := &mark.Engine{
		Cache:       opts.Cache,
		GLDir:       opts.GLDir,
		GLBackupDir: opts.GLBackupDir,
		WorkDir:     opts.WorkDir,
		DerivedDir:  opts.DerivedDir,
		ShortIDs:    opts.ShortIDs,
		NodeBufSize: opts.NodeBufSize,
		DIBufSize:   opts.DIBufSize,
	}
	res, err := me.Run(ctx, opts.InstrRoots, opts.KeepDur)
	if err != nil {
		return err
	}

	if err := store.WriteWeeded(res.Weeded); err != nil {
		return err
	}
	if err := store.WriteMiscVars(stablevars.MiscVars{
		StartTime:   res.StartTime,
		KeepTime:    res.KeepTime,
		DisShortID:  res.DisShortID,
		MarkLogVer:  res.NewLogVer,
		MarkedRoots: res.MarkedRoots,
	}); err != nil {
		return err
	}

	if opts.NoDelete {
		klog.Infof("weeder: -nodelete set, stopping after the mark phase")
		return nil
	}

	if _, err := de.Run(ctx, res.Weeded, res.MarkedRoots, res.DisShortID, res.StartTime, res.NewLogVer); err != nil {
		return err
	}
	return stablevars.RemovePendingWorking(opts.WorkDir)
}

// ExitCode maps err, as returned by Run, onto the weeder's process exit
// behavior per spec.md §7: 0 only if err is nil, non-zero for every error
// kind, with Input errors distinguished (no side effects occurred) from
// the rest (fatal for the current weed, but resumable on the next run
// unless the invariant is irrecoverable). A checked invariant violation
// exits with status 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch err.(type) {
	case *werrors.InputError:
		return 2
	case *werrors.SystemError:
		return 3
	case *werrors.InvariantError:
		return 1
	case *repoclient.RepositoryError:
		return 5
	case *cacheclient.RPCError:
		return 6
	case *InvariantError:
		return 7
	default:
		return 1
	}
}
