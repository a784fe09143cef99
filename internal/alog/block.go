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
	"encoding/binary"
	"fmt"
)

const (
	// blockSize is the fixed physical size of every block in a log file.
	blockSize = 512
	// headerSize is the size in bytes of the (seq, lenAndVer) header at the
	// start of every block; the remainder of the block is payload.
	headerSize = 4 + 2
	// payloadSize is the number of payload bytes available in a block.
	payloadSize = blockSize - headerSize

	// lenBits is the width of the "len" sub-field packed into lenAndVer.
	lenBits = 14
	verMask = 0x3
	lenMask = (1 << lenBits) - 1

	// invalidLenAndVer is the all-ones sentinel value written over a block's
	// lenAndVer field (together with hashSeq(invalidSeq)) to mark it as not
	// containing valid data, so a later partial write can never be mistaken
	// for committed content after the log advances past it.
	invalidLenAndVer = 0xffff
	invalidSeq       = 0xffffffff
)

// hashSeq scrambles a logical sequence number before it's stored in a
// block's header. This means a block's header can't be trivially confused
// with a header belonging to a numerically nearby but unrelated logical
// position, e.g. after a file is truncated and reused.
func hashSeq(seq uint32) uint32 {
	return uint32((uint64(seq) + 12345) * 715827881)
}

// blockHeader is the 6-byte, big-endian on-disk header of one log block.
type blockHeader struct {
	seq       uint32 // hashSeq(logical sequence number)
	lenAndVer uint16 // (len << 2) | ver
}

func (h blockHeader) len() int { return int(h.lenAndVer >> 2) }
func (h blockHeader) ver() int { return int(h.lenAndVer & verMask) }

func newHeader(logicalSeq uint32, length int, ver int) blockHeader {
	if length < 0 || length > lenMask {
		panic(fmt.Sprintf("alog: record end offset %d out of range for a %d-bit length field", length, lenBits))
	}
	return blockHeader{
		seq:       hashSeq(logicalSeq),
		lenAndVer: uint16(length<<2) | uint16(ver&verMask),
	}
}

// invalidHeader returns the sentinel header used to erase a block.
func invalidHeader() blockHeader {
	return blockHeader{seq: hashSeq(invalidSeq), lenAndVer: invalidLenAndVer}
}

// isInvalid reports whether h is the erase sentinel.
func (h blockHeader) isInvalid() bool {
	return h.lenAndVer == invalidLenAndVer && h.seq == hashSeq(invalidSeq)
}

// matchesSeq reports whether h's seq field corresponds to logical sequence
// number seq.
func (h blockHeader) matchesSeq(seq uint32) bool {
	return h.seq == hashSeq(seq)
}

// marshalBlock packs a header and payload into a single 512-byte block.
// payload is copied in and zero-padded.
func marshalBlock(h blockHeader, payload []byte) []byte {
	if len(payload) > payloadSize {
		panic(fmt.Sprintf("alog: payload of %d bytes exceeds block payload capacity %d", len(payload), payloadSize))
	}
	buf := make([]byte, blockSize)
	binary.BigEndian.PutUint32(buf[0:4], h.seq)
	binary.BigEndian.PutUint16(buf[4:6], h.lenAndVer)
	copy(buf[headerSize:], payload)
	return buf
}

// unmarshalBlock splits a 512-byte physical block into its header and
// payload. It does not validate the header against any expected sequence
// number; callers combine this with matchesSeq/isInvalid as needed.
func unmarshalBlock(buf []byte) (blockHeader, []byte, error) {
	if len(buf) != blockSize {
		return blockHeader{}, nil, fmt.Errorf("alog: block is %d bytes, want %d", len(buf), blockSize)
	}
	h := blockHeader{
		seq:       binary.BigEndian.Uint32(buf[0:4]),
		lenAndVer: binary.BigEndian.Uint16(buf[4:6]),
	}
	return h, buf[headerSize:], nil
}

// verNewer reports whether ver a is strictly newer than ver b under
// modulo-4 wraparound: it is true only when a is exactly one increment
// ahead of b, which is the only relation the live two-slot pair for the
// current tail block can have, since commits alternate between the slots.
func verNewer(a, b int) bool {
	return (a-b)&verMask != 0 && (a-b)&verMask < 2
}
