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

// Package shortid allocates and reclaims blocks of 256 consecutive
// ShortIds scattered pseudo-randomly across the namespace, tracks their
// leases, and sweeps the on-disk derived-file tree to delete anything
// whose ShortId isn't in a caller-supplied keep set once its lease expires.
package shortid

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/weeder/api"
)

const (
	// LeafFlag marks a block as belonging to the leaf (derived-file) namespace.
	LeafFlag = uint32(1) << 31
	// DirFlag marks a block as belonging to the directory namespace.
	DirFlag = uint32(1) << 30
	// lowBits is the number of low bits that vary within a block.
	lowBits   = 8
	BlockSize = 1 << lowBits
	lowMask   = BlockSize - 1
	flagMask  = LeafFlag | DirFlag
)

// LeaseExpiry is either a fixed deadline or "never expires" (an in-process
// lease, meaningless to persist across a restart).
type LeaseExpiry struct {
	never bool
	at    time.Time
}

// Never is the non-expiring lease value used for in-process clients.
func Never() LeaseExpiry { return LeaseExpiry{never: true} }

// At is a lease that expires at t, used for network clients.
func At(t time.Time) LeaseExpiry { return LeaseExpiry{at: t} }

func (e LeaseExpiry) IsNever() bool { return e.never }

// Expired reports whether the lease is past its deadline as of now. A
// never-expiring lease is never expired.
func (e LeaseExpiry) Expired(now time.Time) bool {
	return !e.never && now.After(e.at)
}

// legacyNeverSentinel is a magic int64 some older callers persisted to mean
// "never expires" before LeaseExpiry existed; tolerated on read, never
// written.
const legacyNeverSentinel = int64(-1)

// DecodeLegacyExpiry interprets an on-disk int64 using the legacy
// lease-expiry encoding, for backward compatibility with leases logged
// before this type existed.
func DecodeLegacyExpiry(v int64) LeaseExpiry {
	if v == legacyNeverSentinel {
		return Never()
	}
	return At(time.Unix(v, 0))
}

// Block identifies a 256-ShortId allocation unit and its lease.
type Block struct {
	Start   api.ShortID
	InUse   [BlockSize / 8]byte // bitmap of the low 8 bits currently occupied
	Expires LeaseExpiry
}

func blockBase(s api.ShortID) api.ShortID { return s &^ api.ShortID(lowMask) }

// PathFor returns the on-disk path of the derived file named by id within
// the storage tree rooted at dir, using the same hex-nested-directory
// layout DeleteAllShortIdsBut's walk expects.
func PathFor(dir string, id api.ShortID) string {
	return filepath.Join(dir,
		fmt.Sprintf("%06x", uint32(id)>>lowBits),
		fmt.Sprintf("%02x", uint32(id)&lowMask))
}

// Allocator mints and reclaims ShortId blocks against a derived-file tree
// rooted at dir, keeping an in-memory lease table of outstanding blocks.
type Allocator struct {
	dir    string
	leased map[api.ShortID]*Block
}

// New creates an Allocator rooted at dir (the derived-file storage tree).
func New(dir string) *Allocator {
	return &Allocator{dir: dir, leased: map[api.ShortID]*Block{}}
}

func isLeaf(s api.ShortID) bool { return uint32(s)&LeafFlag != 0 }

// firstFree returns the lowest unused slot in the block's bitmap, if any.
func (b *Block) firstFree() (int, bool) {
	for i := 0; i < BlockSize; i++ {
		if b.InUse[i/8]&(1<<uint(i%8)) == 0 {
			return i, true
		}
	}
	return 0, false
}

func (b *Block) markUsed(i int) { b.InUse[i/8] |= 1 << uint(i%8) }

// AllocateSingle mints a single ShortId for one derived file: the next
// free slot of an already-leased, non-full block of the right namespace,
// or a freshly leased block if none has room.
func (a *Allocator) AllocateSingle(leaf bool) (api.ShortID, error) {
	for start, blk := range a.leased {
		if isLeaf(start) != leaf {
			continue
		}
		if idx, ok := blk.firstFree(); ok {
			blk.markUsed(idx)
			return start | api.ShortID(idx), nil
		}
	}
	blk, err := a.Allocate(leaf)
	if err != nil {
		return 0, err
	}
	held := a.leased[blk.Start]
	idx, ok := held.firstFree()
	if !ok {
		return 0, fmt.Errorf("shortid: freshly-leased block %s has no free slot", blk.Start)
	}
	held.markUsed(idx)
	return blk.Start | api.ShortID(idx), nil
}

// populationFraction reports how full (in [0,1]) the on-disk block
// starting at base already is, by listing dir(base>>8) and counting
// hex-named files whose offset falls within the block.
func (a *Allocator) populationFraction(base api.ShortID) float64 {
	n, err := a.countPopulated(base)
	if err != nil {
		klog.V(2).Infof("shortid: population check for block %s: %v", base, err)
		return 1 // treat unreadable as fully populated: never hand it out
	}
	return float64(n) / float64(BlockSize)
}

func (a *Allocator) countPopulated(base api.ShortID) (int, error) {
	dirPath := filepath.Join(a.dir, fmt.Sprintf("%06x", uint32(base)>>lowBits))
	entries, err := os.ReadDir(dirPath)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		var low uint32
		if _, err := fmt.Sscanf(e.Name(), "%02x", &low); err == nil && low <= lowMask {
			count++
		}
	}
	return count, nil
}

// candidateStart picks a pseudo-random block start with the requested flag
// bit set and the low byte and flag bits masked off.
func candidateStart(leaf bool) api.ShortID {
	v := rand.Uint32()
	v &^= flagMask | lowMask
	if leaf {
		v |= LeafFlag
	} else {
		v |= DirFlag
	}
	return api.ShortID(v)
}

// Allocate implements the spec's randomized-probe allocation policy: pick a
// random start; reject it if it's the null id, already leased, or fully
// populated on disk; if more than half full, remember it as a fallback and
// try once more, keeping whichever of the two is less full.
func (a *Allocator) Allocate(leaf bool) (Block, error) {
	try := func() (api.ShortID, float64, bool) {
		for attempts := 0; attempts < 64; attempts++ {
			s := candidateStart(leaf)
			if s == api.NullShortID {
				continue
			}
			if _, held := a.leased[s]; held {
				continue
			}
			frac := a.populationFraction(s)
			if frac >= 1 {
				continue
			}
			return s, frac, true
		}
		return 0, 0, false
	}

	first, firstFrac, ok := try()
	if !ok {
		return Block{}, fmt.Errorf("shortid: could not find an unpopulated block after repeated probing")
	}
	if firstFrac <= 0.5 {
		return a.lease(first), nil
	}
	second, secondFrac, ok := try()
	if ok && secondFrac < firstFrac {
		return a.lease(second), nil
	}
	return a.lease(first), nil
}

func (a *Allocator) lease(start api.ShortID) Block {
	blk := &Block{Start: start, Expires: Never()}
	a.leased[start] = blk
	klog.V(1).Infof("shortid: leased block %s (asidb)", start)
	return *blk
}

// Renew re-records a lease (logically another "asidb" record) with a new
// expiry.
func (a *Allocator) Renew(start api.ShortID, exp LeaseExpiry) error {
	blk, ok := a.leased[blockBase(start)]
	if !ok {
		return fmt.Errorf("shortid: renew of unheld block %s", start)
	}
	blk.Expires = exp
	klog.V(2).Infof("shortid: renewed lease on block %s (asidb)", start)
	return nil
}

// Release drops a block's lease explicitly (an "rsidb" record).
func (a *Allocator) Release(start api.ShortID) {
	delete(a.leased, blockBase(start))
	klog.V(1).Infof("shortid: released block %s (rsidb)", start)
}

// Expired returns the starts of all leased blocks whose lease has passed
// now, for the landlord task to reclaim.
func (a *Allocator) Expired(now time.Time) []api.ShortID {
	var out []api.ShortID
	for s, blk := range a.leased {
		if blk.Expires.Expired(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckpointLeases returns an "asidb" record for each currently-held
// expiring lease, skipping non-expiring (process-local) ones, for
// persisting across a restart.
func (a *Allocator) CheckpointLeases() []Block {
	var out []Block
	for s, blk := range a.leased {
		if blk.Expires.IsNever() {
			continue
		}
		out = append(out, Block{Start: s, Expires: blk.Expires})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// DeleteAllShortIdsBut walks the derived-file storage tree depth-first in
// sorted hex order, deleting any leaf file whose ShortId is not present in
// keep (which must yield ShortIds in ascending hex order) and whose mtime
// predates cutoff. It reports each deleted id and its size via del, and
// removes any directory left empty afterward.
func (a *Allocator) DeleteAllShortIdsBut(keep func() (api.ShortID, bool), cutoff time.Time, del func(id api.ShortID, size int64)) error {
	nextKeep, hasKeep := keep()
	advance := func(upto api.ShortID) {
		for hasKeep && nextKeep < upto {
			nextKeep, hasKeep = keep()
		}
	}

	return a.walk(a.dir, 0, func(id api.ShortID, path string, info os.FileInfo) error {
		advance(id)
		if hasKeep && nextKeep == id {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		size := info.Size()
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("shortid: delete %s: %w", path, err)
		}
		del(id, size)
		return nil
	})
}

// walk recurses through dir's storage tree; prefix is the ShortId bits
// accumulated from path components seen so far.
func (a *Allocator) walk(dir string, prefix uint32, visit func(api.ShortID, string, os.FileInfo) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("shortid: read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		var v uint32
		if _, err := fmt.Sscanf(e.Name(), "%x", &v); err != nil {
			continue
		}
		child := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := a.walk(child, (prefix|v)<<lowBits, visit); err != nil {
				return err
			}
			if leftover, _ := os.ReadDir(child); len(leftover) == 0 {
				_ = os.Remove(child)
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("shortid: stat %s: %w", child, err)
		}
		if err := visit(api.ShortID(prefix|v), child, info); err != nil {
			return err
		}
	}
	return nil
}
