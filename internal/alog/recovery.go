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
	"errors"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// candidate is one physical slot's contents, read during recovery.
type candidate struct {
	ok      bool
	payload []byte
	ver     int
}

// readBlockAt reads the block at off in f, validating it against the
// expected logical sequence number. If backup is non-nil, the two copies
// must agree byte-for-byte or the candidate is rejected, per the "backup
// agreement" rule.
func readBlockAt(f, backup *os.File, off int64, expectSeq uint32) candidate {
	buf := make([]byte, blockSize)
	n, err := f.ReadAt(buf, off)
	if err != nil && n != blockSize {
		return candidate{}
	}
	h, payload, err := unmarshalBlock(buf)
	if err != nil || h.isInvalid() || !h.matchesSeq(expectSeq) {
		return candidate{}
	}
	if h.len() > payloadSize {
		return candidate{}
	}
	if backup != nil {
		bbuf := make([]byte, blockSize)
		bn, berr := backup.ReadAt(bbuf, off)
		if berr != nil && bn != blockSize {
			return candidate{}
		}
		if string(bbuf) != string(buf) {
			return candidate{}
		}
	}
	return candidate{ok: true, payload: append([]byte(nil), payload[:h.len()]...), ver: h.ver()}
}

// recoverGeneration replays generation gen's log file(s) sequentially,
// returning the number of fully-sealed blocks and the trailing partial
// (tail) block's content, ver, and which of its two candidate slots holds
// it.
func (l *Log) recoverGeneration(gen int64) (sealed int64, tailBuf []byte, tailVer int, tailUsePocket bool, err error) {
	primary, err := os.Open(genLogPath(l.dir, gen))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil, 0, false, nil
	} else if err != nil {
		return 0, nil, 0, false, fmt.Errorf("open %d.log: %w", gen, err)
	}
	defer primary.Close()

	var backup *os.File
	if l.backupDir != "" {
		backup, err = os.Open(genLogPath(l.backupDir, gen))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, nil, 0, false, fmt.Errorf("open backup %d.log: %w", gen, err)
		}
		if backup != nil {
			defer backup.Close()
		}
	}

	var i int64
	for {
		pocketOff := i * blockSize
		phyOff := pocketOff + blockSize
		a := readBlockAt(primary, backup, pocketOff, uint32(i))
		b := readBlockAt(primary, backup, phyOff, uint32(i))

		var winner candidate
		var wonAtPocket bool
		switch {
		case a.ok && b.ok:
			if verNewer(b.ver, a.ver) {
				winner, wonAtPocket = b, false
			} else {
				winner, wonAtPocket = a, true
			}
		case a.ok:
			winner, wonAtPocket = a, true
		case b.ok:
			winner, wonAtPocket = b, false
		default:
			klog.V(3).Infof("alog: recovered generation %d through %d sealed blocks, no tail", gen, i)
			return i, nil, 0, false, nil
		}

		if len(winner.payload) == payloadSize {
			i++
			continue
		}
		klog.V(3).Infof("alog: recovered generation %d through %d sealed blocks, %d-byte tail", gen, i, len(winner.payload))
		return i, winner.payload, winner.ver, wonAtPocket, nil
	}
}
