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

package mark

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/transparency-dev/weeder/api"
)

// diDedup is a small bounded cache of recently-written DIs, used to avoid
// writing the same DI to the DIs-to-keep file many times in a row. Dropping
// the oldest entry when full is an optimization only: missing the dedup
// window just means an extra line in the output file, never a correctness
// problem.
type diDedup struct {
	cache *lru.Cache[api.DI, struct{}]
}

func newDIDedup(size int) (*diDedup, error) {
	c, err := lru.New[api.DI, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("mark: creating DI dedup cache: %w", err)
	}
	return &diDedup{cache: c}, nil
}

// SeenRecently reports whether di was already written recently, recording
// it as seen either way.
func (d *diDedup) SeenRecently(di api.DI) bool {
	if _, ok := d.cache.Get(di); ok {
		return true
	}
	d.cache.Add(di, struct{}{})
	return false
}
