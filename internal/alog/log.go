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

// Package alog implements the weeder's atomic append-only log: a durable
// byte stream, split into fixed 512-byte blocks, that survives a crash at
// any point without losing committed bytes or exposing uncommitted ones.
//
// A Log lives in a directory containing a `lock` file, a `version` file
// naming the highest committed checkpoint, a `pruned` file naming the
// highest pruned generation, and one `{N}.log` (plus, for committed
// generations, `{N}.ckp`) pair per generation. Optionally, a second
// directory mirrors every write as a synchronous backup.
package alog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

type state int

const (
	stateInitial state = iota
	stateRecovering
	stateRecovered
	stateReady
	stateLogging
	stateBad
)

const (
	versionFile = "version"
	prunedFile  = "pruned"
	lockFile_   = "lock"
)

// Log is a single writer's handle onto the on-disk log described above.
//
// A Log is not safe for concurrent use by multiple goroutines: per §5 of
// the design, a single log handle supports nested start/commit pairs
// within one goroutine, but concurrent writers are not supported.
type Log struct {
	mu sync.Mutex

	dir       string
	backupDir string // "" if no backup configured

	unlockPrimary func() error
	unlockBackup  func() error

	state         state
	checkpointing bool
	nestDepth     int

	version int64 // highest committed checkpoint generation
	pruned  int64 // highest pruned generation (hint only)

	genNum      int64 // generation currently being appended to (normally version+1)
	primaryFile *os.File
	backupFile  *os.File // nil if no backup

	sealedBlocks  int64 // number of blocks permanently sealed in genNum's log
	tailBuf       []byte
	tailUsePocket bool
	tailVer       int
	pending       []byte // bytes Write()n since the last Commit, not yet durable

	lastCommit commitSnapshot

	ckpGenNum    int64
	ckpFile      *os.File
	preCkpSnap   generationSnapshot // saved so CheckpointAbort can restore it
}

type commitSnapshot struct {
	tailBuf       []byte
	sealedBlocks  int64
	tailUsePocket bool
	tailVer       int
}

type generationSnapshot struct {
	genNum        int64
	sealedBlocks  int64
	tailBuf       []byte
	tailUsePocket bool
	tailVer       int
}

// Open opens (creating if necessary) the log stored at dir, optionally
// mirrored synchronously to backupDir, and recovers it to the ready state.
func Open(dir, backupDir string) (*Log, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, logErrorf("open", "create primary dir: %w", err)
	}
	unlockP, err := lockFile(filepath.Join(dir, lockFile_), true)
	if err != nil {
		return nil, logErrorf("open", "lock primary dir: %w", err)
	}
	l := &Log{dir: dir, backupDir: backupDir, unlockPrimary: unlockP, state: stateRecovering}

	if backupDir != "" {
		if err := os.MkdirAll(backupDir, dirPerm); err != nil {
			_ = unlockP()
			return nil, logErrorf("open", "create backup dir: %w", err)
		}
		unlockB, err := lockFile(filepath.Join(backupDir, lockFile_), true)
		if err != nil {
			_ = unlockP()
			return nil, logErrorf("open", "lock backup dir: %w", err)
		}
		l.unlockBackup = unlockB
	}

	if err := l.recover(); err != nil {
		_ = l.Close()
		return nil, err
	}
	l.state = stateReady
	return l, nil
}

func readVersionFile(dir, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s file: %w", name, err)
	}
	return v, nil
}

func (l *Log) recover() error {
	l.state = stateRecovering
	v, err := readVersionFile(l.dir, versionFile)
	if err != nil {
		return logErrorf("recover", "read version: %w", err)
	}
	p, err := readVersionFile(l.dir, prunedFile)
	if err != nil {
		return logErrorf("recover", "read pruned: %w", err)
	}
	l.version, l.pruned = v, p
	l.genNum = v + 1

	// An uncommitted checkpoint for genNum means a previous process died
	// mid-checkpoint; CheckpointResume (called explicitly by the owner once
	// Open returns) picks this up. Here we just recover the current
	// generation's log contents.
	sealed, tailBuf, tailVer, tailUsePocket, err := l.recoverGeneration(l.genNum)
	if err != nil {
		return logErrorf("recover", "recover generation %d: %w", l.genNum, err)
	}
	l.sealedBlocks, l.tailBuf, l.tailVer, l.tailUsePocket = sealed, tailBuf, tailVer, tailUsePocket
	l.lastCommit = commitSnapshot{tailBuf: append([]byte(nil), tailBuf...), sealedBlocks: sealed, tailUsePocket: tailUsePocket, tailVer: tailVer}

	primary, err := openOrCreateGenLog(l.dir, l.genNum)
	if err != nil {
		return logErrorf("recover", "open primary log %d: %w", l.genNum, err)
	}
	l.primaryFile = primary
	if l.backupDir != "" {
		backup, err := openOrCreateGenLog(l.backupDir, l.genNum)
		if err != nil {
			return logErrorf("recover", "open backup log %d: %w", l.genNum, err)
		}
		l.backupFile = backup
	}
	l.state = stateRecovered
	return nil
}

func genLogPath(dir string, gen int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.log", gen))
}

func genCkpPath(dir string, gen int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.ckp", gen))
}

func openOrCreateGenLog(dir string, gen int64) (*os.File, error) {
	return os.OpenFile(genLogPath(dir, gen), os.O_RDWR|os.O_CREATE, filePerm)
}

// Version returns the highest committed checkpoint generation.
func (l *Log) Version() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// CurGen returns the generation number currently being appended to.
func (l *Log) CurGen() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.genNum
}

// Start begins (or, if already logging, re-enters) a logging session.
// Only the outermost Commit of a nested start/commit sequence performs the
// durable flush.
func (l *Log) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateReady:
		l.state = stateLogging
	case stateLogging:
		// nested start, fall through
	default:
		protocolViolation("Start called in state %d", l.state)
	}
	l.nestDepth++
}

// Write appends p to the in-progress logging session. Bytes written this
// way are not durable until the outermost Commit returns successfully.
func (l *Log) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateLogging {
		protocolViolation("Write called outside a logging session (state %d)", l.state)
	}
	l.pending = append(l.pending, p...)
	return nil
}

// Commit durably appends everything written since Start to the log. Only
// the outermost Commit of a nested sequence performs the fsync.
func (l *Log) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateLogging {
		protocolViolation("Commit called outside a logging session (state %d)", l.state)
	}
	l.nestDepth--
	if l.nestDepth > 0 {
		return nil
	}
	l.state = stateReady
	if err := l.flush(); err != nil {
		l.state = stateBad
		return err
	}
	return nil
}

// Abort discards everything written since Start, restoring exactly the
// state as of the previous Commit (nothing written via Write ever reached
// disk, so there's nothing to undo there).
func (l *Log) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateLogging {
		protocolViolation("Abort called outside a logging session (state %d)", l.state)
	}
	l.nestDepth--
	if l.nestDepth > 0 {
		return
	}
	l.state = stateReady
	l.pending = nil
}

func (l *Log) writeBothCopies(off int64, h blockHeader, payload []byte) error {
	block := marshalBlock(h, payload)
	if _, err := l.primaryFile.WriteAt(block, off); err != nil {
		return fmt.Errorf("write primary block at %d: %w", off, err)
	}
	if err := l.primaryFile.Sync(); err != nil {
		return fmt.Errorf("fsync primary: %w", err)
	}
	if l.backupFile != nil {
		if _, err := l.backupFile.WriteAt(block, off); err != nil {
			return fmt.Errorf("write backup block at %d: %w", off, err)
		}
		if err := l.backupFile.Sync(); err != nil {
			return fmt.Errorf("fsync backup: %w", err)
		}
	}
	return nil
}

// flush performs the actual durable commit: sealing any now-full blocks at
// their permanent home address, then writing the (possibly empty, always
// <=payloadSize) remainder to the live two-slot tail pair, alternating
// slots on every commit of the same tail block.
func (l *Log) flush() error {
	content := append(append([]byte(nil), l.tailBuf...), l.pending...)
	oldTailIdx := l.sealedBlocks

	for len(content) > payloadSize {
		chunk := content[:payloadSize]
		off := l.sealedBlocks * blockSize
		h := newHeader(uint32(l.sealedBlocks), payloadSize, 0)
		if err := l.writeBothCopies(off, h, chunk); err != nil {
			return logErrorf("commit", "seal block %d: %w", l.sealedBlocks, err)
		}
		l.sealedBlocks++
		content = content[payloadSize:]
	}

	newTailIdx := l.sealedBlocks
	var nextUsePocket bool
	var nextVer int
	if newTailIdx == oldTailIdx {
		nextUsePocket = !l.tailUsePocket
		nextVer = (l.tailVer + 1) & verMask
	} else {
		nextUsePocket = true
		nextVer = 1
	}
	off := newTailIdx * blockSize
	if !nextUsePocket {
		off += blockSize
	}
	h := newHeader(uint32(newTailIdx), len(content), nextVer)
	if err := l.writeBothCopies(off, h, content); err != nil {
		return logErrorf("commit", "write tail block %d: %w", newTailIdx, err)
	}

	l.tailUsePocket, l.tailVer = nextUsePocket, nextVer
	l.tailBuf = append([]byte(nil), content...)
	l.pending = nil
	l.lastCommit = commitSnapshot{
		tailBuf:       append([]byte(nil), l.tailBuf...),
		sealedBlocks:  l.sealedBlocks,
		tailUsePocket: l.tailUsePocket,
		tailVer:       l.tailVer,
	}
	klog.V(2).Infof("alog: committed through block %d (tail %d bytes)", l.sealedBlocks, len(l.tailBuf))
	return nil
}

// Close releases the advisory locks and closes open file handles. It is
// always legal to call, even on a Log in the bad state.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.primaryFile != nil {
		note(l.primaryFile.Close())
	}
	if l.backupFile != nil {
		note(l.backupFile.Close())
	}
	if l.ckpFile != nil {
		note(l.ckpFile.Close())
	}
	if l.unlockPrimary != nil {
		note(l.unlockPrimary())
	}
	if l.unlockBackup != nil {
		note(l.unlockBackup())
	}
	l.state = stateBad
	return firstErr
}
