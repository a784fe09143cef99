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

package stablevars

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// syncDir fsyncs a directory so that entry changes made within it (create,
// rename, unlink) are durable.
func syncDir(d string) error {
	fd, err := os.Open(d)
	if err != nil {
		return fmt.Errorf("stablevars: open %q: %w", d, err)
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return fmt.Errorf("stablevars: sync %q: %w", d, err)
	}
	return fd.Close()
}

// atomicWrite writes d to name via a temp-file-then-rename, fsyncing both
// the temp file and the containing directory so readers never observe a
// partially-written file — the same pattern internal/alog uses for its
// version/pruned marker files.
func atomicWrite(name string, d []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("stablevars: mkdir %q: %w", dir, err)
	}
	tmpName := name + "." + strconv.Itoa(int(rand.Int32())) + ".tmp"
	if err := os.WriteFile(tmpName, d, filePerm); err != nil {
		return fmt.Errorf("stablevars: write temp %q: %w", tmpName, err)
	}
	f, err := os.OpenFile(tmpName, os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("stablevars: reopen temp %q: %w", tmpName, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("stablevars: fsync temp %q: %w", tmpName, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("stablevars: close temp %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("stablevars: rename %q to %q: %w", tmpName, name, err)
	}
	return syncDir(dir)
}
