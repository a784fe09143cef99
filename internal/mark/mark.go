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

// Package mark implements the weeder's MarkEngine: it replays the graph
// log against the cache's current CI set to compute which CIs are still
// reachable from a kept root, iterating the pending/working overflow
// files to a fixed point, then asks the cache which CIs are leased and
// repeats until those are accounted for too.
package mark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/alog"
	"github.com/transparency-dev/weeder/internal/bitvector"
	"github.com/transparency-dev/weeder/internal/cacheclient"
	"github.com/transparency-dev/weeder/internal/graphlog"
	"github.com/transparency-dev/weeder/internal/instr"
	"github.com/transparency-dev/weeder/internal/shortid"
	"github.com/transparency-dev/weeder/internal/stablevars"
	"github.com/transparency-dev/weeder/internal/werrors"
)

// Engine drives one mark phase against Cache, replaying the graph log
// rooted at GLDir/GLBackupDir and spilling its pending/working scratch
// files under WorkDir.
type Engine struct {
	Cache cacheclient.Cache

	GLDir       string
	GLBackupDir string
	WorkDir     string
	DerivedDir  string
	ShortIDs    *shortid.Allocator

	NodeBufSize int
	DIBufSize   int
}

// Result is everything the outer controller needs to persist after a
// successful mark phase and hand to the deletion engine.
type Result struct {
	Weeded      *bitvector.BitVector
	DisShortID  api.ShortID
	MarkedRoots stablevars.RootTbl
	StartTime   time.Time
	KeepTime    time.Time
	GLCIs       *bitvector.BitVector
	NewLogVer   int64
}

const (
	pendingDirName = "pendinggl"
	workingDirName = "workinggl"
)

// Run executes the full mark protocol (spec.md §4.5, steps 1-10).
func (e *Engine) Run(ctx context.Context, instrRoots instr.Roots, keepDur time.Duration) (res Result, err error) {
	startTime := time.Now()
	keepTime := startTime.Add(-keepDur)

	initCIs, newLogVer, err := e.Cache.StartMark(ctx)
	if err != nil {
		return Result{}, err
	}

	succeeded := false
	defer func() {
		if !succeeded {
			if rerr := e.Cache.ResumeLeaseExp(ctx); rerr != nil {
				klog.Warningf("mark: ResumeLeaseExp after failed weed: %v", rerr)
			}
		}
	}()

	diID, err := e.ShortIDs.AllocateSingle(true)
	if err != nil {
		return Result{}, fmt.Errorf("mark: allocating DIs-to-keep file: %w", err)
	}
	diPath := shortid.PathFor(e.DerivedDir, diID)
	if err := os.MkdirAll(filepath.Dir(diPath), 0o755); err != nil {
		return Result{}, werrors.NewSystem("mkdir "+filepath.Dir(diPath), err)
	}
	diFile, err := os.Create(diPath)
	if err != nil {
		return Result{}, werrors.NewSystem("create DIs-to-keep file", err)
	}
	defer diFile.Close()

	dedup, err := newDIDedup(e.DIBufSize)
	if err != nil {
		return Result{}, err
	}
	writeDI := func(d api.DI) error {
		if dedup.SeenRecently(d) {
			return nil
		}
		if _, err := fmt.Fprintf(diFile, "%08x\n", uint32(d)); err != nil {
			return werrors.NewSystem("write DIs-to-keep file", err)
		}
		return nil
	}
	// The file itself is retained by listing its own id first.
	if err := writeDI(api.DI(diID)); err != nil {
		return Result{}, err
	}

	pendingDir := filepath.Join(e.WorkDir, pendingDirName)
	workingDir := filepath.Join(e.WorkDir, workingDirName)
	if err := os.RemoveAll(pendingDir); err != nil {
		return Result{}, werrors.NewSystem("remove stale pendinggl", err)
	}
	if err := os.RemoveAll(workingDir); err != nil {
		return Result{}, werrors.NewSystem("remove stale workinggl", err)
	}
	pendingGL, err := graphlog.Open(pendingDir, "")
	if err != nil {
		return Result{}, err
	}

	marked := bitvector.New()
	glCIs := bitvector.New()
	markedRoots := stablevars.RootTbl{}

	if err := e.copyGLtoPending(instrRoots, initCIs, keepTime, newLogVer, pendingGL, marked, glCIs, markedRoots); err != nil {
		pendingGL.Close()
		return Result{}, err
	}

	if err := e.scanToFixedPoint(&pendingGL, pendingDir, workingDir, marked, writeDI); err != nil {
		pendingGL.Close()
		return Result{}, err
	}

	toDelete := bitvector.Minus(initCIs, marked)
	if err := e.Cache.SetHitFilter(ctx, toDelete); err != nil {
		pendingGL.Close()
		return Result{}, err
	}

	leasedCIs, err := e.Cache.GetLeases(ctx)
	if err != nil {
		pendingGL.Close()
		return Result{}, err
	}
	if err := e.Cache.ResumeLeaseExp(ctx); err != nil {
		pendingGL.Close()
		return Result{}, err
	}

	newlyMarked := false
	leasedCIs.ForEach(func(ci int) {
		if !marked.IsSet(ci) {
			marked.Set(ci)
			newlyMarked = true
		}
	})
	if newlyMarked {
		if err := e.scanToFixedPoint(&pendingGL, pendingDir, workingDir, marked, writeDI); err != nil {
			pendingGL.Close()
			return Result{}, err
		}
	}

	leftover := bitvector.Minus(bitvector.Minus(marked, leasedCIs), glCIs)
	if !leftover.IsEmpty() {
		pendingGL.Close()
		return Result{}, werrors.NewInvariant(
			"a marked CI has neither a lease nor a graph-log node; its children/deriveds could not have been protected",
			"marked-leased-glCIs is non-empty: %v", leftover)
	}

	if err := pendingGL.Close(); err != nil {
		return Result{}, werrors.NewSystem("close pendinggl", err)
	}

	weeded := bitvector.Minus(initCIs, marked)
	if err := diFile.Sync(); err != nil {
		return Result{}, werrors.NewSystem("fsync DIs-to-keep file", err)
	}

	succeeded = true
	return Result{
		Weeded:      weeded,
		DisShortID:  diID,
		MarkedRoots: markedRoots,
		StartTime:   startTime,
		KeepTime:    keepTime,
		GLCIs:       glCIs,
		NewLogVer:   newLogVer,
	}, nil
}

// copyGLtoPending is step 4: it replays the graph log up through
// generation newLogVer-1, seeding marked from kept roots and glCIs/pendingGL
// from every Node.
func (e *Engine) copyGLtoPending(instrRoots instr.Roots, initCIs *bitvector.BitVector, keepTime time.Time, newLogVer int64, pendingGL *graphlog.Log, marked, glCIs *bitvector.BitVector, markedRoots stablevars.RootTbl) error {
	r, err := graphlog.NewReader(e.GLDir, e.GLBackupDir, 0, true)
	if err != nil {
		return err
	}
	defer r.Close()

	lastGenSeen := int64(-1)
	for {
		if r.CurLogVersion() >= newLogVer {
			break
		}
		rec, err := r.Next()
		if errors.Is(err, alog.ErrEof) {
			break
		}
		if err != nil {
			return err
		}
		if r.CurLogVersion() >= newLogVer {
			break
		}
		lastGenSeen = r.CurLogVersion()

		switch {
		case rec.Root != nil:
			root := *rec.Root
			pb := api.PkgBuild{DirFP: root.PkgFP, Model: root.Model}
			keptByInstr := instrRoots.Contains(pb)
			keptByAge := !time.Unix(int64(root.Timestamp), 0).Before(keepTime)
			if keptByInstr || keptByAge {
				for _, ci := range root.CIs {
					if !initCIs.IsSet(int(ci)) {
						return werrors.NewInvariant("cache and weeder metadata are out of sync",
							"root %v references CI %d not present in initCIs", pb, ci)
					}
					marked.Set(int(ci))
				}
				// markedRoots records whether the root was kept because an
				// instruction named it explicitly (true) or only because it
				// was recent enough (false). PruneGraphLog keeps every root
				// named here and does not look at the reason.
				markedRoots[pb] = keptByInstr
			}
		case rec.Node != nil:
			n := *rec.Node
			if !initCIs.IsSet(int(n.CI)) {
				return werrors.NewInvariant("cache and weeder metadata are out of sync",
					"node %d is not present in initCIs", n.CI)
			}
			for _, kid := range n.Kids {
				if !initCIs.IsSet(int(kid)) {
					return werrors.NewInvariant("cache and weeder metadata are out of sync",
						"node %d references child CI %d not present in initCIs", n.CI, kid)
				}
			}
			if err := pendingGL.AppendNode(n.Reduced()); err != nil {
				return err
			}
			glCIs.Set(int(n.CI))
		}
	}

	if lastGenSeen != newLogVer-1 {
		return werrors.NewInvariant(
			"the graph log and the cache server appear to be out of sync (check you're reading the right filesystem)",
			"last generation read was %d, want %d", lastGenSeen, newLogVer-1)
	}
	return nil
}

// scanToFixedPoint is step 5 (ScanLogOnce, repeated while new CIs keep
// getting marked): it rotates pendingGL into workingGL, replays workingGL
// against marked, and either recursively marks or re-buffers each Node.
func (e *Engine) scanToFixedPoint(pendingGL **graphlog.Log, pendingDir, workingDir string, marked *bitvector.BitVector, writeDI func(api.DI) error) error {
	for {
		newlyMarked, err := e.scanLogOnce(pendingGL, pendingDir, workingDir, marked, writeDI)
		if err != nil {
			return err
		}
		if !newlyMarked {
			return nil
		}
	}
}

func (e *Engine) scanLogOnce(pendingGL **graphlog.Log, pendingDir, workingDir string, marked *bitvector.BitVector, writeDI func(api.DI) error) (bool, error) {
	if err := (*pendingGL).Close(); err != nil {
		return false, werrors.NewSystem("close pendinggl before rotation", err)
	}
	if err := os.RemoveAll(workingDir); err != nil {
		return false, werrors.NewSystem("remove stale workinggl", err)
	}
	if err := os.Rename(pendingDir, workingDir); err != nil {
		return false, werrors.NewSystem("rotate pendinggl to workinggl", err)
	}
	fresh, err := graphlog.Open(pendingDir, "")
	if err != nil {
		return false, err
	}
	*pendingGL = fresh

	wr, err := graphlog.NewReader(workingDir, "", 0, true)
	if err != nil {
		return false, err
	}
	defer wr.Close()

	nodeBuf := graphlog.NewNodeBuffer(e.NodeBufSize)
	newlyMarked := false
	for {
		rec, err := wr.Next()
		if errors.Is(err, alog.ErrEof) {
			break
		}
		if err != nil {
			return false, err
		}
		if rec.Node == nil {
			continue
		}
		n := *rec.Node
		if marked.IsSet(int(n.CI)) {
			changed, err := e.markNode(n, marked, nodeBuf, writeDI)
			if err != nil {
				return false, err
			}
			newlyMarked = newlyMarked || changed
		} else if err := nodeBuf.Put(n, *pendingGL); err != nil {
			return false, err
		}
	}
	if err := nodeBuf.Flush(*pendingGL); err != nil {
		return false, err
	}
	return newlyMarked, nil
}

// markNode is MarkNode: it marks n's unmarked children, recursing
// immediately into any child still held in nodeBuf (skipping a round trip
// through pendingGL for it), and appends n's DI references to the
// DIs-to-keep file.
func (e *Engine) markNode(n graphlog.Node, marked *bitvector.BitVector, nodeBuf *graphlog.NodeBuffer, writeDI func(api.DI) error) (bool, error) {
	changed := false
	for _, kid := range n.Kids {
		if marked.IsSet(int(kid)) {
			continue
		}
		marked.Set(int(kid))
		changed = true
		if buffered, ok := nodeBuf.Get(kid); ok {
			nodeBuf.Delete(kid)
			sub, err := e.markNode(buffered, marked, nodeBuf, writeDI)
			if err != nil {
				return changed, err
			}
			changed = changed || sub
		}
	}
	for _, di := range n.Refs {
		if err := writeDI(di); err != nil {
			return changed, err
		}
	}
	return changed, nil
}
