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

// Package graphlog implements the weeder's graph log: the append-only
// record of build-graph Nodes and Roots the mark engine replays to compute
// liveness, backed by internal/alog.
package graphlog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/weeder/api"
)

// Entry kind tags, as a 32-bit value at the start of every record.
const (
	kindNode uint32 = 0x4e4f4445 // "NODE"
	kindRoot uint32 = 0x524f4f54 // "ROOT"
)

func byteSwap32(v uint32) uint32 {
	return (v>>24)&0xff | (v>>8)&0xff00 | (v<<8)&0xff0000 | (v<<24)&0xff000000
}

// Node is the full graph-log record for one memoized call: its primary-key
// fingerprint, its model, the CIs of its children, and the DIs it
// references directly.
type Node struct {
	CI    api.CI
	Loc   api.FP
	Model api.ShortID
	Kids  []api.CI
	Refs  []api.DI
}

// Reduced returns the (ci, kids, refs) form written to the pending/working
// overflow files during marking, dropping Loc and Model.
func (n Node) Reduced() Node {
	return Node{CI: n.CI, Kids: n.Kids, Refs: n.Refs}
}

// Root names a top-level build result: the package/model it was built for,
// the CIs making up its root set, when it was recorded, and whether that
// build run completed.
type Root struct {
	PkgFP     api.FP
	Model     api.ShortID
	Timestamp uint32 // seconds since epoch, fixed 32-bit width regardless of host time_t
	CIs       []api.CI
	Done      bool
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteNode serializes a Node as a graph-log record.
func WriteNode(n Node) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, kindNode)
	writeUint32(&buf, uint32(n.CI))
	buf.Write(n.Loc[:])
	writeUint32(&buf, uint32(n.Model))
	writeUint32(&buf, uint32(len(n.Kids)))
	for _, k := range n.Kids {
		writeUint32(&buf, uint32(k))
	}
	writeUint32(&buf, uint32(len(n.Refs)))
	for _, d := range n.Refs {
		writeUint32(&buf, uint32(d))
	}
	return buf.Bytes()
}

// WriteRoot serializes a Root as a graph-log record.
func WriteRoot(r Root) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, kindRoot)
	buf.Write(r.PkgFP[:])
	writeUint32(&buf, uint32(r.Model))
	writeUint32(&buf, r.Timestamp)
	writeUint32(&buf, uint32(len(r.CIs)))
	for _, ci := range r.CIs {
		writeUint32(&buf, uint32(ci))
	}
	if r.Done {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Record is the result of reading one graph-log entry: exactly one of Node
// or Root is non-nil.
type Record struct {
	Node *Node
	Root *Root
}

// ReadEntry dispatches on the record's leading kind tag. If the tag matches
// neither Node nor Root, but its byte-swapped form does, the record is
// almost certainly cross-byte-order-corrupted (written by, or for, a host
// of the other endianness) and is refused rather than silently
// misinterpreted.
func ReadEntry(data []byte) (Record, error) {
	r := bytes.NewReader(data)
	kind, err := readUint32(r)
	if err != nil {
		return Record{}, fmt.Errorf("graphlog: truncated entry: %w", err)
	}
	switch kind {
	case kindNode:
		n, err := readNode(r)
		if err != nil {
			return Record{}, err
		}
		return Record{Node: &n}, nil
	case kindRoot:
		root, err := readRoot(r)
		if err != nil {
			return Record{}, err
		}
		return Record{Root: &root}, nil
	default:
		if byteSwap32(kind) == kindNode || byteSwap32(kind) == kindRoot {
			return Record{}, fmt.Errorf("graphlog: entry kind %08x looks byte-swapped (wrong-endian writer?); refusing to guess", kind)
		}
		return Record{}, fmt.Errorf("graphlog: unknown entry kind %08x", kind)
	}
}

func readNode(r *bytes.Reader) (Node, error) {
	var n Node
	ci, err := readUint32(r)
	if err != nil {
		return n, fmt.Errorf("graphlog: node ci: %w", err)
	}
	n.CI = api.CI(ci)
	if _, err := r.Read(n.Loc[:]); err != nil {
		return n, fmt.Errorf("graphlog: node loc: %w", err)
	}
	model, err := readUint32(r)
	if err != nil {
		return n, fmt.Errorf("graphlog: node model: %w", err)
	}
	n.Model = api.ShortID(model)
	nKids, err := readUint32(r)
	if err != nil {
		return n, fmt.Errorf("graphlog: node kids count: %w", err)
	}
	n.Kids = make([]api.CI, nKids)
	for i := range n.Kids {
		v, err := readUint32(r)
		if err != nil {
			return n, fmt.Errorf("graphlog: node kid %d: %w", i, err)
		}
		n.Kids[i] = api.CI(v)
	}
	nRefs, err := readUint32(r)
	if err != nil {
		return n, fmt.Errorf("graphlog: node refs count: %w", err)
	}
	n.Refs = make([]api.DI, nRefs)
	for i := range n.Refs {
		v, err := readUint32(r)
		if err != nil {
			return n, fmt.Errorf("graphlog: node ref %d: %w", i, err)
		}
		n.Refs[i] = api.DI(v)
	}
	return n, nil
}

func readRoot(r *bytes.Reader) (Root, error) {
	var root Root
	if _, err := r.Read(root.PkgFP[:]); err != nil {
		return root, fmt.Errorf("graphlog: root pkgfp: %w", err)
	}
	model, err := readUint32(r)
	if err != nil {
		return root, fmt.Errorf("graphlog: root model: %w", err)
	}
	root.Model = api.ShortID(model)
	ts, err := readUint32(r)
	if err != nil {
		return root, fmt.Errorf("graphlog: root timestamp: %w", err)
	}
	root.Timestamp = ts
	nCIs, err := readUint32(r)
	if err != nil {
		return root, fmt.Errorf("graphlog: root ci count: %w", err)
	}
	root.CIs = make([]api.CI, nCIs)
	for i := range root.CIs {
		v, err := readUint32(r)
		if err != nil {
			return root, fmt.Errorf("graphlog: root ci %d: %w", i, err)
		}
		root.CIs[i] = api.CI(v)
	}
	done, err := r.ReadByte()
	if err != nil {
		return root, fmt.Errorf("graphlog: root done flag: %w", err)
	}
	root.Done = done != 0
	return root, nil
}
