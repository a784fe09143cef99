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

package alog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"k8s.io/klog/v2"
)

// CheckpointBegin opens a new checkpoint file for the next generation and
// rolls the log over to a fresh, empty generation for subsequent appends.
// The caller writes the checkpoint's content via CheckpointWriter, then
// calls CheckpointEnd to commit it or CheckpointAbort to discard it.
func (l *Log) CheckpointBegin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateReady || l.checkpointing {
		protocolViolation("CheckpointBegin called in state %d (checkpointing=%v)", l.state, l.checkpointing)
	}

	l.preCkpSnap = generationSnapshot{
		genNum:        l.genNum,
		sealedBlocks:  l.sealedBlocks,
		tailBuf:       append([]byte(nil), l.tailBuf...),
		tailUsePocket: l.tailUsePocket,
		tailVer:       l.tailVer,
	}
	l.ckpGenNum = l.genNum

	ckp, err := os.OpenFile(genCkpPath(l.dir, l.ckpGenNum), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return logErrorf("checkpoint-begin", "create checkpoint file: %w", err)
	}
	l.ckpFile = ckp

	if err := l.primaryFile.Close(); err != nil {
		return logErrorf("checkpoint-begin", "close sealed primary log: %w", err)
	}
	if l.backupFile != nil {
		if err := l.backupFile.Close(); err != nil {
			return logErrorf("checkpoint-begin", "close sealed backup log: %w", err)
		}
	}

	l.genNum = l.ckpGenNum + 1
	l.sealedBlocks, l.tailBuf, l.tailUsePocket, l.tailVer, l.pending = 0, nil, false, 0, nil
	l.lastCommit = commitSnapshot{}

	primary, err := openOrCreateGenLog(l.dir, l.genNum)
	if err != nil {
		return logErrorf("checkpoint-begin", "open new primary log: %w", err)
	}
	l.primaryFile = primary
	if l.backupDir != "" {
		backup, err := openOrCreateGenLog(l.backupDir, l.genNum)
		if err != nil {
			return logErrorf("checkpoint-begin", "open new backup log: %w", err)
		}
		l.backupFile = backup
	}

	l.checkpointing = true
	return nil
}

// CheckpointWriter returns the writer for the in-progress checkpoint's
// content. Valid only between CheckpointBegin and CheckpointEnd/Abort.
func (l *Log) CheckpointWriter() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.checkpointing {
		protocolViolation("CheckpointWriter called with no checkpoint in progress")
	}
	return l.ckpFile
}

// CheckpointEnd durably commits the in-progress checkpoint: fsync its
// content, then atomically advance the version file to name it.
func (l *Log) CheckpointEnd() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.checkpointing {
		protocolViolation("CheckpointEnd called with no checkpoint in progress")
	}
	if err := l.ckpFile.Sync(); err != nil {
		return logErrorf("checkpoint-end", "fsync checkpoint file: %w", err)
	}
	if err := l.ckpFile.Close(); err != nil {
		return logErrorf("checkpoint-end", "close checkpoint file: %w", err)
	}
	l.ckpFile = nil

	if l.backupDir != "" {
		data, err := os.ReadFile(genCkpPath(l.dir, l.ckpGenNum))
		if err != nil {
			return logErrorf("checkpoint-end", "read committed checkpoint for backup: %w", err)
		}
		if err := atomicWrite(genCkpPath(l.backupDir, l.ckpGenNum), data); err != nil {
			return logErrorf("checkpoint-end", "write backup checkpoint copy: %w", err)
		}
		if err := atomicWrite(filepath.Join(l.backupDir, versionFile), []byte(strconv.FormatInt(l.ckpGenNum, 10))); err != nil {
			return logErrorf("checkpoint-end", "advance backup version: %w", err)
		}
	}
	if err := atomicWrite(filepath.Join(l.dir, versionFile), []byte(strconv.FormatInt(l.ckpGenNum, 10))); err != nil {
		return logErrorf("checkpoint-end", "advance version: %w", err)
	}

	l.version = l.ckpGenNum
	l.checkpointing = false
	klog.Infof("alog: committed checkpoint %d", l.version)
	return nil
}

// CheckpointAbort discards the in-progress checkpoint and rolls the log
// back to appending to the generation it was building before
// CheckpointBegin, with its prior contents exactly restored.
func (l *Log) CheckpointAbort() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.checkpointing {
		protocolViolation("CheckpointAbort called with no checkpoint in progress")
	}
	if l.ckpFile != nil {
		_ = l.ckpFile.Close()
	}
	_ = os.Remove(genCkpPath(l.dir, l.ckpGenNum))

	if err := l.primaryFile.Close(); err != nil {
		return logErrorf("checkpoint-abort", "close new primary log: %w", err)
	}
	_ = os.Remove(genLogPath(l.dir, l.genNum))
	if l.backupFile != nil {
		if err := l.backupFile.Close(); err != nil {
			return logErrorf("checkpoint-abort", "close new backup log: %w", err)
		}
		_ = os.Remove(genLogPath(l.backupDir, l.genNum))
	}

	l.genNum = l.preCkpSnap.genNum
	l.sealedBlocks = l.preCkpSnap.sealedBlocks
	l.tailBuf = l.preCkpSnap.tailBuf
	l.tailUsePocket = l.preCkpSnap.tailUsePocket
	l.tailVer = l.preCkpSnap.tailVer
	l.pending = nil
	l.lastCommit = commitSnapshot{tailBuf: l.tailBuf, sealedBlocks: l.sealedBlocks, tailUsePocket: l.tailUsePocket, tailVer: l.tailVer}

	primary, err := openOrCreateGenLog(l.dir, l.genNum)
	if err != nil {
		return logErrorf("checkpoint-abort", "reopen primary log: %w", err)
	}
	l.primaryFile = primary
	if l.backupDir != "" {
		backup, err := openOrCreateGenLog(l.backupDir, l.genNum)
		if err != nil {
			return logErrorf("checkpoint-abort", "reopen backup log: %w", err)
		}
		l.backupFile = backup
	}
	l.ckpFile, l.ckpGenNum = nil, 0
	l.checkpointing = false
	return nil
}

// CheckpointResume detects and re-attaches to a checkpoint left in progress
// by a process that died between CheckpointBegin and CheckpointEnd/Abort.
// It returns true (with the log positioned ready to call CheckpointWriter
// and CheckpointEnd again) if one was found.
func (l *Log) CheckpointResume() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checkpointing {
		protocolViolation("CheckpointResume called with a checkpoint already in progress")
	}
	ckpGen := l.version + 1
	info, err := os.Stat(genCkpPath(l.dir, ckpGen))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, logErrorf("checkpoint-resume", "stat checkpoint file: %w", err)
	}
	if l.genNum != ckpGen+1 {
		// The rollover to the next generation never happened either;
		// nothing consistent to resume, so discard the orphaned partial
		// checkpoint file and let the caller start a fresh one.
		_ = os.Remove(genCkpPath(l.dir, ckpGen))
		return false, nil
	}

	ckp, err := os.OpenFile(genCkpPath(l.dir, ckpGen), os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return false, logErrorf("checkpoint-resume", "reopen checkpoint file: %w", err)
	}
	l.ckpFile = ckp
	l.ckpGenNum = ckpGen
	l.preCkpSnap = generationSnapshot{genNum: ckpGen} // abort of a resumed checkpoint just re-removes it
	l.checkpointing = true
	klog.Warningf("alog: resumed in-progress checkpoint %d left by a previous run (%d bytes so far)", ckpGen, info.Size())
	return true, nil
}

// Prune deletes committed-checkpoint generation files older than the
// keep newest ones (the conceptual empty checkpoint 0 always counts as
// retained), freeing disk space for data no live record still needs.
func (l *Log) Prune(keep int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if keep < 1 {
		return fmt.Errorf("alog: Prune keep must be >= 1, got %d", keep)
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return logErrorf("prune", "read dir: %w", err)
	}
	var gens []int64
	for _, e := range entries {
		var n int64
		if _, err := fmt.Sscanf(e.Name(), "%d.ckp", &n); err == nil {
			gens = append(gens, n)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	if len(gens) <= keep {
		return nil
	}
	cutoff := gens[keep-1]
	for _, g := range gens[keep:] {
		if g >= cutoff {
			continue
		}
		_ = os.Remove(genCkpPath(l.dir, g))
		_ = os.Remove(genLogPath(l.dir, g))
		if l.backupDir != "" {
			_ = os.Remove(genCkpPath(l.backupDir, g))
			_ = os.Remove(genLogPath(l.backupDir, g))
		}
		l.pruned = g
	}
	if err := atomicWrite(filepath.Join(l.dir, prunedFile), []byte(strconv.FormatInt(l.pruned, 10))); err != nil {
		return logErrorf("prune", "advance pruned marker: %w", err)
	}
	klog.V(1).Infof("alog: pruned generations older than %d, keeping %d newest checkpoints", cutoff, keep)
	return nil
}
