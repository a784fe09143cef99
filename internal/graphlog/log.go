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

package graphlog

import (
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/weeder/internal/alog"
)

// Log is the graph log itself: an internal/alog.Log whose logical byte
// stream is framed into individual Node/Root records (a 4-byte big-endian
// length prefix followed by the record bytes, as serialized by
// WriteNode/WriteRoot).
type Log struct {
	l *alog.Log
}

// Open opens (or creates) the graph log stored at dir, mirrored to
// backupDir if non-empty.
func Open(dir, backupDir string) (*Log, error) {
	l, err := alog.Open(dir, backupDir)
	if err != nil {
		return nil, fmt.Errorf("graphlog: open: %w", err)
	}
	return &Log{l: l}, nil
}

// Close releases the underlying log's resources.
func (g *Log) Close() error { return g.l.Close() }

// Version reports the highest committed checkpoint generation.
func (g *Log) Version() int64 { return g.l.Version() }

// AppendNode durably appends a Node record.
func (g *Log) AppendNode(n Node) error { return g.append(WriteNode(n)) }

// AppendRoot durably appends a Root record.
func (g *Log) AppendRoot(r Root) error { return g.append(WriteRoot(r)) }

func (g *Log) append(rec []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(rec)))
	g.l.Start()
	if err := g.l.Write(prefix[:]); err != nil {
		g.l.Abort()
		return err
	}
	if err := g.l.Write(rec); err != nil {
		g.l.Abort()
		return err
	}
	return g.l.Commit()
}

// Reader replays a graph log's framed records from a given generation.
type Reader struct {
	s *alog.LogSeq

	pending []byte // bytes read but not yet consumed into a full record
}

// NewReader opens a Reader over dir/backupDir starting at generation
// startGen.
func NewReader(dir, backupDir string, startGen int64, readOnly bool) (*Reader, error) {
	s, err := alog.OpenSeq(dir, backupDir, startGen, readOnly)
	if err != nil {
		return nil, fmt.Errorf("graphlog: open reader: %w", err)
	}
	return &Reader{s: s}, nil
}

// CurLogVersion reports the generation the reader is currently positioned
// in.
func (r *Reader) CurLogVersion() int64 { return r.s.CurLogVersion() }

// Close releases the reader's resources.
func (r *Reader) Close() error { return r.s.Close() }

// Next returns the next framed record in the stream, reassembling it
// across LogSeq chunk boundaries as needed. It returns alog.ErrEof once
// everything durable so far has been consumed.
func (r *Reader) Next() (Record, error) {
	for {
		if rec, ok, err := r.tryConsume(); err != nil {
			return Record{}, err
		} else if ok {
			return ReadEntry(rec)
		}
		chunk, err := r.s.Next()
		if err != nil {
			return Record{}, err
		}
		r.pending = append(r.pending, chunk...)
	}
}

func (r *Reader) tryConsume() ([]byte, bool, error) {
	if len(r.pending) < 4 {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(r.pending[:4])
	if uint32(len(r.pending)-4) < n {
		return nil, false, nil
	}
	rec := r.pending[4 : 4+n]
	r.pending = r.pending[4+n:]
	return rec, true, nil
}
