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

// Package api defines the wire-level data model shared by the weeder's
// subsystems: cache indices, derived-file identifiers, fingerprints,
// package-build keys and short identifiers.
package api

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// CI names one memoized function call result in the cache.
type CI uint32

// DI names one immutable derived file.
type DI uint32

// FPSize is the fixed width, in bytes, of a Fingerprint.
const FPSize = 16

// FP is a fixed-width opaque tag with equality and a stable hash.
type FP [FPSize]byte

// Hash returns a stable 64-bit digest of the fingerprint, folding its bytes
// eight at a time; used wherever a map/bucket index is needed.
func (f FP) Hash() uint64 {
	var h uint64
	h ^= binary.BigEndian.Uint64(f[0:8])
	h ^= binary.BigEndian.Uint64(f[8:16])
	return h
}

func (f FP) String() string { return hex.EncodeToString(f[:]) }

// ParseFP parses a hex-encoded fingerprint.
func ParseFP(s string) (FP, error) {
	var f FP
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("api: invalid fingerprint %q: %w", s, err)
	}
	if len(b) != FPSize {
		return f, fmt.Errorf("api: fingerprint %q is %d bytes, want %d", s, len(b), FPSize)
	}
	copy(f[:], b)
	return f, nil
}

// ShortID is a 32-bit allocation unit shared by leaf and directory
// namespaces; see internal/shortid for the flag-bit layout and allocation
// policy.
type ShortID uint32

// NullShortID is the reserved value meaning "no short id assigned".
const NullShortID ShortID = 0

func (s ShortID) String() string { return fmt.Sprintf("%08x", uint32(s)) }

// PkgBuild identifies "this build of this package version": a directory
// fingerprint paired with a model short-id. Equality is field-wise; Hash is
// the XOR of the component hashes.
type PkgBuild struct {
	DirFP FP
	Model ShortID
}

// Hash XORs the fingerprint's hash with the model short-id.
func (p PkgBuild) Hash() uint64 {
	return p.DirFP.Hash() ^ uint64(p.Model)
}

func (p PkgBuild) String() string {
	return fmt.Sprintf("%s@%s", p.DirFP, p.Model)
}
