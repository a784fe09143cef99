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

// Package deletion implements the weeder's DeletionEngine: the phase that
// runs once a mark phase's result has been committed to stable storage,
// telling the cache and repository to actually drop what was weeded and
// writing a pruned graph-log checkpoint.
package deletion

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/alog"
	"github.com/transparency-dev/weeder/internal/bitvector"
	"github.com/transparency-dev/weeder/internal/cacheclient"
	"github.com/transparency-dev/weeder/internal/graphlog"
	"github.com/transparency-dev/weeder/internal/prefixtbl"
	"github.com/transparency-dev/weeder/internal/repoclient"
	"github.com/transparency-dev/weeder/internal/stablevars"
	"github.com/transparency-dev/weeder/internal/werrors"
)

// pkPrefixLen is how many leading bytes of a Node's location fingerprint
// identify the primary-key file it belongs to.
const pkPrefixLen = 4

// Engine drives one deletion phase: EndMark, KeepDerived, PruneGraphLog,
// CommitChkpt, and resetting the stable weeded set.
type Engine struct {
	Cache cacheclient.Cache
	Repo  repoclient.Repository
	Store *stablevars.Store

	GLDir       string
	GLBackupDir string
}

// Result reports the cache's new log version after EndMark.
type Result struct {
	NewLogVer int64
}

// Run executes the deletion protocol (spec.md §4.6, steps 1-7) against a
// committed mark-phase result. markLogVer is the newLogVer the mark phase
// used: the graph log was replayed through generation markLogVer-1.
func (e *Engine) Run(ctx context.Context, weeded *bitvector.BitVector, markedRoots stablevars.RootTbl, disShortID api.ShortID, startTime time.Time, markLogVer int64) (Result, error) {
	weededPrefixes, err := e.weededPrefixes(weeded, markLogVer)
	if err != nil {
		return Result{}, err
	}

	newLogVer, err := e.Cache.EndMark(ctx, weeded, weededPrefixes)
	if err != nil {
		return Result{}, err
	}

	if _, err := e.Repo.KeepDerived(ctx, disShortID, startTime); err != nil {
		return Result{}, err
	}

	chkptName := fmt.Sprintf("%d.ckp_%x", newLogVer, time.Now().UnixNano())
	chkptPath := filepath.Join(e.GLDir, chkptName)
	if err := e.pruneGraphLog(chkptPath, weeded, markedRoots, markLogVer); err != nil {
		os.Remove(chkptPath)
		return Result{}, err
	}

	accepted, err := e.Cache.CommitChkpt(ctx, chkptName)
	if err != nil {
		os.Remove(chkptPath)
		return Result{}, err
	}
	if !accepted {
		os.Remove(chkptPath)
		return Result{}, werrors.NewInvariant("the cache rejected the new checkpoint",
			"CommitChkpt(%s) returned accepted=false", chkptName)
	}

	if err := e.Store.WriteWeeded(bitvector.New()); err != nil {
		return Result{}, err
	}

	if err := e.Repo.Checkpoint(ctx); err != nil {
		return Result{}, err
	}

	return Result{NewLogVer: newLogVer}, nil
}

// weededPrefixes is step 1: re-read the graph log up through generation
// markLogVer-1, collecting the PK prefix of every Node whose CI is weeded.
func (e *Engine) weededPrefixes(weeded *bitvector.BitVector, markLogVer int64) (*prefixtbl.PrefixTbl, error) {
	r, err := graphlog.NewReader(e.GLDir, e.GLBackupDir, 0, true)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	tbl := prefixtbl.New()
	for {
		if r.CurLogVersion() >= markLogVer {
			break
		}
		rec, err := r.Next()
		if errors.Is(err, alog.ErrEof) {
			break
		}
		if err != nil {
			return nil, err
		}
		if r.CurLogVersion() >= markLogVer {
			break
		}
		if rec.Node == nil {
			continue
		}
		if weeded.IsSet(int(rec.Node.CI)) {
			tbl.Insert(string(rec.Node.Loc[:pkPrefixLen]))
		}
	}
	return tbl, nil
}

// pruneGraphLog is step 4: write a checkpoint at chkptPath containing every
// still-kept Root (those named in markedRoots, at most one done=true copy
// each) and every still-kept Node (CI not in weeded), then verify that
// every markedRoots entry was actually observed in the log.
func (e *Engine) pruneGraphLog(chkptPath string, weeded *bitvector.BitVector, markedRoots stablevars.RootTbl, markLogVer int64) error {
	f, err := os.Create(chkptPath)
	if err != nil {
		return werrors.NewSystem("create checkpoint file", err)
	}
	w := bufio.NewWriter(f)

	r, err := graphlog.NewReader(e.GLDir, e.GLBackupDir, 0, true)
	if err != nil {
		f.Close()
		return err
	}
	defer r.Close()

	observed := make(map[api.PkgBuild]bool, len(markedRoots))
	doneWritten := make(map[api.PkgBuild]bool)

	for {
		if r.CurLogVersion() >= markLogVer {
			break
		}
		rec, err := r.Next()
		if errors.Is(err, alog.ErrEof) {
			break
		}
		if err != nil {
			f.Close()
			return err
		}
		if r.CurLogVersion() >= markLogVer {
			break
		}

		switch {
		case rec.Root != nil:
			root := *rec.Root
			pb := api.PkgBuild{DirFP: root.PkgFP, Model: root.Model}
			if _, named := markedRoots[pb]; !named {
				continue
			}
			if root.Done {
				if doneWritten[pb] {
					continue
				}
				doneWritten[pb] = true
			}
			observed[pb] = true
			if err := writeFramedRecord(w, graphlog.WriteRoot(root)); err != nil {
				f.Close()
				return werrors.NewSystem("write pruned checkpoint", err)
			}
		case rec.Node != nil:
			n := *rec.Node
			if weeded.IsSet(int(n.CI)) {
				continue
			}
			if err := writeFramedRecord(w, graphlog.WriteNode(n)); err != nil {
				f.Close()
				return werrors.NewSystem("write pruned checkpoint", err)
			}
		}
	}

	for pb := range markedRoots {
		if !observed[pb] {
			f.Close()
			return werrors.NewInvariant(
				"the graph log no longer contains a root the weeder's stable state says it marked; "+
					"the cache's metadata was likely erased independently of the weeder's own state",
				"markedRoots entry %v was never observed while pruning", pb)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return werrors.NewSystem("flush pruned checkpoint", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return werrors.NewSystem("fsync pruned checkpoint", err)
	}
	return f.Close()
}

func writeFramedRecord(w io.Writer, rec []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(rec)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(rec)
	return err
}
