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
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// syncDir calls fsync on the provided directory path, so that directory
// entry changes (create/rename/unlink) made within it are durable.
func syncDir(d string) error {
	fd, err := os.Open(d)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", d, err)
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		return fmt.Errorf("failed to sync %q: %w", d, err)
	}
	return fd.Close()
}

// createTemp creates a new file in the same directory as prefix, writes d
// to it, and returns its name. The caller is responsible for linking or
// renaming it into its final place and removing it on failure.
func createTemp(prefix string, d []byte) (name string, err error) {
	try := 0
	var f *os.File
	for {
		name = prefix + "." + strconv.Itoa(int(rand.Int32())) + ".tmp"
		f, err = os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, filePerm)
		if err == nil {
			break
		} else if os.IsExist(err) {
			if try++; try < 10000 {
				continue
			}
			return "", &os.PathError{Op: "createtemp", Path: prefix + "*", Err: os.ErrExist}
		}
		return "", err
	}
	defer func() {
		if errC := f.Close(); errC != nil && err == nil {
			err = errC
		}
	}()
	if n, werr := f.Write(d); werr != nil {
		return "", fmt.Errorf("failed to write to temp file %q: %w", name, werr)
	} else if l := len(d); n < l {
		return "", fmt.Errorf("short write on %q, %d < %d", name, n, l)
	}
	return name, nil
}

// atomicWrite writes d to name via a temp-file-then-rename, fsyncing the
// temp file's data and then the containing directory so that readers never
// observe a partially-written file.
func atomicWrite(name string, d []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}
	tmpName, err := createTemp(name, d)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file to %q: %w", name, err)
	}
	return syncDir(dir)
}

// lockFile opens (creating if necessary) an advisory flock target at p and
// takes an exclusive or shared lock on it, blocking until it's available.
// The returned func releases the lock and closes the file.
func lockFile(p string, exclusive bool) (func() error, error) {
	f, err := os.OpenFile(p, syscall.O_CREAT|syscall.O_RDWR|syscall.O_CLOEXEC, filePerm)
	if err != nil {
		return nil, err
	}
	flockT := syscall.Flock_t{
		Type:   syscall.F_RDLCK,
		Whence: io.SeekStart,
	}
	if exclusive {
		flockT.Type = syscall.F_WRLCK
	}
	for {
		if err := syscall.FcntlFlock(f.Fd(), syscall.F_SETLKW, &flockT); err != syscall.EINTR {
			if err != nil {
				_ = f.Close()
				return nil, err
			}
			break
		}
	}
	return f.Close, nil
}
