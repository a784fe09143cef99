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

// Package prefixtbl implements PrefixTbl: a table mapping path-like
// primary-key prefixes to small integer indices, used by the deletion
// engine to tell the cache which primary-key files need rewriting after a
// weed. It supports both the current 32-bit-index on-disk format and a
// legacy 16-bit-index format retained for compatibility with older cache
// servers.
package prefixtbl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// PrefixTbl deduplicates a set of byte-string prefixes, assigning each a
// stable index in first-insertion order.
type PrefixTbl struct {
	byIndex []string
	index   map[string]int
}

// New creates an empty PrefixTbl.
func New() *PrefixTbl {
	return &PrefixTbl{index: map[string]int{}}
}

// Insert adds prefix to the table if not already present, returning its
// index either way.
func (t *PrefixTbl) Insert(prefix string) int {
	if i, ok := t.index[prefix]; ok {
		return i
	}
	i := len(t.byIndex)
	t.byIndex = append(t.byIndex, prefix)
	t.index[prefix] = i
	return i
}

// Len reports the number of distinct prefixes held.
func (t *PrefixTbl) Len() int { return len(t.byIndex) }

// Contains reports whether prefix was inserted.
func (t *PrefixTbl) Contains(prefix string) bool {
	_, ok := t.index[prefix]
	return ok
}

// At returns the prefix stored at index i.
func (t *PrefixTbl) At(i int) string { return t.byIndex[i] }

// ForEach calls f with each prefix in insertion (index) order.
func (t *PrefixTbl) ForEach(f func(index int, prefix string)) {
	for i, p := range t.byIndex {
		f(i, p)
	}
}

// maxLegacyEntries is the largest table size the legacy 16-bit-index format
// can represent.
const maxLegacyEntries = 65535

// Write serializes the table in the current format: a u32 count followed
// by, for each entry in index order, a u32 length-prefixed byte string.
func (t *PrefixTbl) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, uint32(len(t.byIndex))); err != nil {
		return err
	}
	for _, p := range t.byIndex {
		if err := writeU32(bw, uint32(len(p))); err != nil {
			return err
		}
		if _, err := bw.WriteString(p); err != nil {
			return fmt.Errorf("prefixtbl: write entry: %w", err)
		}
	}
	return bw.Flush()
}

// WriteLegacy serializes the table in the old 16-bit-index format used by
// older cache servers. It refuses to serialize tables with more than 65535
// entries, matching the original implementation's hard cap.
func (t *PrefixTbl) WriteLegacy(w io.Writer) error {
	if len(t.byIndex) > maxLegacyEntries {
		return fmt.Errorf("prefixtbl: %d entries exceeds legacy format cap of %d", len(t.byIndex), maxLegacyEntries)
	}
	bw := bufio.NewWriter(w)
	if err := writeU16(bw, uint16(len(t.byIndex))); err != nil {
		return err
	}
	for _, p := range t.byIndex {
		if len(p) > 0xffff {
			return fmt.Errorf("prefixtbl: legacy format cannot represent a %d-byte prefix", len(p))
		}
		if err := writeU16(bw, uint16(len(p))); err != nil {
			return err
		}
		if _, err := bw.WriteString(p); err != nil {
			return fmt.Errorf("prefixtbl: write legacy entry: %w", err)
		}
	}
	return bw.Flush()
}

// Read parses a table written by Write.
func Read(r io.Reader) (*PrefixTbl, error) {
	br := bufio.NewReader(r)
	n, err := readU32(br)
	if err != nil {
		return nil, fmt.Errorf("prefixtbl: read count: %w", err)
	}
	t := New()
	for i := uint32(0); i < n; i++ {
		l, err := readU32(br)
		if err != nil {
			return nil, fmt.Errorf("prefixtbl: read entry %d length: %w", i, err)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("prefixtbl: read entry %d: %w", i, err)
		}
		t.Insert(string(buf))
	}
	return t, nil
}

// ReadLegacy parses a table written by WriteLegacy.
func ReadLegacy(r io.Reader) (*PrefixTbl, error) {
	br := bufio.NewReader(r)
	n, err := readU16(br)
	if err != nil {
		return nil, fmt.Errorf("prefixtbl: read legacy count: %w", err)
	}
	t := New()
	for i := uint16(0); i < n; i++ {
		l, err := readU16(br)
		if err != nil {
			return nil, fmt.Errorf("prefixtbl: read legacy entry %d length: %w", i, err)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("prefixtbl: read legacy entry %d: %w", i, err)
		}
		t.Insert(string(buf))
	}
	return t, nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
