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
	"os"
)

// LogSeq is a read cursor over the logical byte stream committed to a Log,
// starting at a given generation. It never blocks: once it catches up with
// the writer, Next returns ErrEof and the caller is expected to poll again
// later (e.g. the mark engine's one-shot log scan, run repeatedly until no
// new liveness roots show up).
type LogSeq struct {
	dir, backupDir string
	readOnly       bool

	curGen   int64
	consumed int64 // bytes of curGen's logical stream already returned
}

// OpenSeq positions a LogSeq at the start of generation startGen. readOnly
// is advisory: it documents that this cursor belongs to a separate process
// that only ever reads (e.g. the CLI's query mode), as opposed to the
// owning writer process replaying its own log during recovery.
func OpenSeq(dir, backupDir string, startGen int64, readOnly bool) (*LogSeq, error) {
	return &LogSeq{dir: dir, backupDir: backupDir, readOnly: readOnly, curGen: startGen}, nil
}

// CurLogVersion reports the generation the cursor is currently reading.
func (s *LogSeq) CurLogVersion() int64 {
	return s.curGen
}

// availableFromRecovery re-derives how many logical bytes of generation gen
// are currently durable on disk, by replaying it exactly as Log.recover
// does.
func availableFromRecovery(dir, backupDir string, gen int64) (sealedBlocks int64, tailLen int, err error) {
	l := &Log{dir: dir, backupDir: backupDir}
	sealed, tail, _, _, err := l.recoverGeneration(gen)
	if err != nil {
		return 0, 0, err
	}
	return sealed, len(tail), nil
}

// Next returns the next chunk of committed bytes in the logical stream,
// advancing across generation boundaries as needed. It returns ErrEof once
// it has consumed everything durable so far.
func (s *LogSeq) Next() ([]byte, error) {
	for {
		sealedBlocks, tailLen, err := availableFromRecovery(s.dir, s.backupDir, s.curGen)
		if err != nil {
			return nil, logErrorf("logseq-next", "replay generation %d: %w", s.curGen, err)
		}
		total := sealedBlocks*payloadSize + int64(tailLen)
		if s.consumed < total {
			chunk, err := readLogicalRange(s.dir, s.backupDir, s.curGen, s.consumed, total)
			if err != nil {
				return nil, err
			}
			s.consumed = total
			return chunk, nil
		}
		// Caught up with generation curGen. If a later generation file
		// already exists, curGen is permanently sealed (the writer has
		// moved its tail forward via checkpointBegin) so it's safe to
		// advance; otherwise there's simply nothing new yet.
		if _, err := os.Stat(genLogPath(s.dir, s.curGen+1)); err == nil {
			s.curGen++
			s.consumed = 0
			continue
		}
		return nil, ErrEof
	}
}

// readLogicalRange re-reads and reassembles the logical byte range
// [from,to) of generation gen's committed stream.
func readLogicalRange(dir, backupDir string, gen int64, from, to int64) ([]byte, error) {
	primary, err := os.Open(genLogPath(dir, gen))
	if err != nil {
		return nil, logErrorf("logseq-read", "open %d.log: %w", gen, err)
	}
	defer primary.Close()
	var backup *os.File
	if backupDir != "" {
		backup, err = os.Open(genLogPath(backupDir, gen))
		if err == nil {
			defer backup.Close()
		}
	}

	out := make([]byte, 0, to-from)
	var i int64
	var pos int64
	for pos < to {
		pocketOff := i * blockSize
		phyOff := pocketOff + blockSize
		a := readBlockAt(primary, backup, pocketOff, uint32(i))
		b := readBlockAt(primary, backup, phyOff, uint32(i))
		var winner candidate
		switch {
		case a.ok && b.ok:
			if verNewer(b.ver, a.ver) {
				winner = b
			} else {
				winner = a
			}
		case a.ok:
			winner = a
		case b.ok:
			winner = b
		default:
			return nil, logErrorf("logseq-read", "generation %d block %d vanished mid-read", gen, i)
		}
		blockStart, blockEnd := pos, pos+int64(len(winner.payload))
		if blockEnd > from {
			lo := from - blockStart
			if lo < 0 {
				lo = 0
			}
			hi := to - blockStart
			if hi > int64(len(winner.payload)) {
				hi = int64(len(winner.payload))
			}
			out = append(out, winner.payload[lo:hi]...)
		}
		pos = blockEnd
		i++
	}
	return out, nil
}

// Close releases any resources held by the cursor. Currently a no-op; it
// exists so callers can treat LogSeq uniformly with other closeable
// readers and so future resource use doesn't require an API change.
func (s *LogSeq) Close() error {
	return nil
}
