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
	"fmt"

	"github.com/transparency-dev/weeder/api"
)

// Overflow accepts nodes evicted from a NodeBuffer once it fills, via the
// same durable append path the graph log itself uses.
type Overflow interface {
	AppendNode(Node) error
}

// NodeBuffer is a bounded FIFO of at most maxSize nodes keyed by CI, used by
// the mark engine to hold recently-visited nodes in memory and only spill
// the oldest ones to an overflow log once the buffer is full. A CI removed
// by an explicit Delete is skipped rather than written out when its turn to
// be evicted comes.
type NodeBuffer struct {
	maxSize int

	order   []api.CI
	nodes   map[api.CI]Node
	deleted map[api.CI]bool

	flushedCnt int
}

// NewNodeBuffer creates a NodeBuffer holding at most maxSize nodes at once.
func NewNodeBuffer(maxSize int) *NodeBuffer {
	return &NodeBuffer{
		maxSize: maxSize,
		nodes:   map[api.CI]Node{},
		deleted: map[api.CI]bool{},
	}
}

// FlushedCount reports how many nodes have been evicted to the overflow log
// so far (deleted entries skipped on eviction are not counted).
func (b *NodeBuffer) FlushedCount() int { return b.flushedCnt }

// Len reports how many nodes are currently buffered in memory, including
// ones marked Delete but not yet popped off the front of the queue.
func (b *NodeBuffer) Len() int { return len(b.order) }

// Delete marks ci as no longer needed: if it's still buffered, its eventual
// eviction is skipped (not written to overflow) rather than removing it
// from the queue immediately, since removal from the middle of the FIFO
// would be O(n).
func (b *NodeBuffer) Delete(ci api.CI) {
	if _, ok := b.nodes[ci]; !ok {
		return
	}
	delete(b.nodes, ci)
	b.deleted[ci] = true
}

// Put buffers n. If the buffer is at capacity, it first pops the oldest
// queued entries until there is room, writing each popped node that was
// not deleted to ofs; popping a deleted entry frees room without a write.
// It is an error to Put a CI that is already buffered.
func (b *NodeBuffer) Put(n Node, ofs Overflow) error {
	if _, ok := b.nodes[n.CI]; ok {
		return fmt.Errorf("graphlog: node %d already buffered", n.CI)
	}
	for len(b.order) >= b.maxSize {
		if err := b.evictOne(ofs); err != nil {
			return err
		}
	}
	b.order = append(b.order, n.CI)
	b.nodes[n.CI] = n
	return nil
}

// evictOne pops the oldest queued CI, writing it to ofs unless it was
// deleted in the meantime.
func (b *NodeBuffer) evictOne(ofs Overflow) error {
	ci := b.order[0]
	b.order = b.order[1:]
	if b.deleted[ci] {
		delete(b.deleted, ci)
		return nil
	}
	n, ok := b.nodes[ci]
	if !ok {
		// Shouldn't happen: present in order but neither nodes nor deleted.
		return nil
	}
	delete(b.nodes, ci)
	if err := ofs.AppendNode(n.Reduced()); err != nil {
		return fmt.Errorf("graphlog: flushing node %d to overflow: %w", ci, err)
	}
	b.flushedCnt++
	return nil
}

// Flush evicts every remaining buffered node to ofs, in FIFO order.
func (b *NodeBuffer) Flush(ofs Overflow) error {
	for len(b.order) > 0 {
		if err := b.evictOne(ofs); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the buffered node for ci, if it is still present (neither
// evicted nor deleted).
func (b *NodeBuffer) Get(ci api.CI) (Node, bool) {
	n, ok := b.nodes[ci]
	return n, ok
}
