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
	"bytes"
	"os"
	"testing"
)

func writeRecord(t *testing.T, l *Log, data []byte) {
	t.Helper()
	l.Start()
	if err := l.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func readAll(t *testing.T, dir, backupDir string, startGen int64) []byte {
	t.Helper()
	s, err := OpenSeq(dir, backupDir, startGen, true)
	if err != nil {
		t.Fatalf("logseq Open: %v", err)
	}
	defer s.Close()
	var out []byte
	for {
		chunk, err := s.Next()
		if err == ErrEof {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, chunk...)
	}
	return out
}

func TestCommitVisibleToReader(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	writeRecord(t, l, []byte("hello"))
	writeRecord(t, l, []byte("world"))

	got := readAll(t, dir, "", l.Version()+1)
	if want := "helloworld"; string(got) != want {
		t.Fatalf("readAll = %q, want %q", got, want)
	}
}

func TestAbortDiscardsUncommittedWrites(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	writeRecord(t, l, []byte("kept"))

	l.Start()
	if err := l.Write([]byte("discarded")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	l.Abort()

	got := readAll(t, dir, "", l.Version()+1)
	if string(got) != "kept" {
		t.Fatalf("readAll after abort = %q, want %q", got, "kept")
	}
}

func TestNestedStartCommitOnlyOutermostFlushes(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Start()
	l.Start()
	if err := l.Write([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(); err != nil { // inner commit: no flush yet
		t.Fatal(err)
	}
	if err := l.Write([]byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(); err != nil { // outer commit: flushes "ab"
		t.Fatal(err)
	}

	got := readAll(t, dir, "", l.Version()+1)
	if string(got) != "ab" {
		t.Fatalf("readAll = %q, want %q", got, "ab")
	}
}

func TestCommitSpanningMultipleBlocks(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	big := bytes.Repeat([]byte{'x'}, payloadSize*3+17)
	writeRecord(t, l, big)

	got := readAll(t, dir, "", l.Version()+1)
	if !bytes.Equal(got, big) {
		t.Fatalf("readAll returned %d bytes, want %d", len(got), len(big))
	}
}

func TestReopenRecoversExactState(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		writeRecord(t, l, []byte{byte('a' + i)})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(dir, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	writeRecord(t, l2, []byte("f"))

	got := readAll(t, dir, "", l2.Version()+1)
	if string(got) != "abcdef" {
		t.Fatalf("readAll after reopen = %q, want %q", got, "abcdef")
	}
}

func TestCheckpointRollsOverGeneration(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	writeRecord(t, l, []byte("before"))
	genBefore := l.CurGen()

	if err := l.CheckpointBegin(); err != nil {
		t.Fatalf("CheckpointBegin: %v", err)
	}
	if _, err := l.CheckpointWriter().Write([]byte("snapshot-contents")); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	if err := l.CheckpointEnd(); err != nil {
		t.Fatalf("CheckpointEnd: %v", err)
	}

	if got, want := l.Version(), genBefore; got != want {
		t.Fatalf("Version() after checkpoint = %d, want %d", got, want)
	}
	if l.CurGen() != genBefore+1 {
		t.Fatalf("CurGen() after checkpoint = %d, want %d", l.CurGen(), genBefore+1)
	}

	writeRecord(t, l, []byte("after"))
	got := readAll(t, dir, "", l.Version()+1)
	if string(got) != "after" {
		t.Fatalf("post-checkpoint generation = %q, want %q", got, "after")
	}
}

func TestCheckpointAbortRestoresPriorGeneration(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	writeRecord(t, l, []byte("stable"))
	genBefore := l.CurGen()

	if err := l.CheckpointBegin(); err != nil {
		t.Fatalf("CheckpointBegin: %v", err)
	}
	if err := l.CheckpointAbort(); err != nil {
		t.Fatalf("CheckpointAbort: %v", err)
	}

	if l.CurGen() != genBefore {
		t.Fatalf("CurGen() after abort = %d, want %d", l.CurGen(), genBefore)
	}
	writeRecord(t, l, []byte("-more"))
	got := readAll(t, dir, "", l.Version()+1)
	if string(got) != "stable-more" {
		t.Fatalf("readAll after checkpoint abort = %q, want %q", got, "stable-more")
	}
}

func TestBackupAgreementAcceptsMatchingCopies(t *testing.T) {
	dir, backupDir := t.TempDir(), t.TempDir()
	l, err := Open(dir, backupDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeRecord(t, l, []byte("ok"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readAll(t, dir, backupDir, 1)
	if string(got) != "ok" {
		t.Fatalf("readAll = %q, want %q", got, "ok")
	}
}

func TestBackupAgreementRejectsDivergedBlock(t *testing.T) {
	dir, backupDir := t.TempDir(), t.TempDir()
	l, err := Open(dir, backupDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeRecord(t, l, []byte("ok"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a payload byte in the backup-only copy of block 0's tail slot so
	// the two copies no longer agree; the block must then be treated as
	// invalid rather than trusted from whichever copy looks well-formed.
	bf, err := os.OpenFile(genLogPath(backupDir, 1), os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open backup log: %v", err)
	}
	if _, err := bf.WriteAt([]byte{'Z'}, headerSize); err != nil {
		t.Fatalf("corrupt backup log: %v", err)
	}
	if err := bf.Close(); err != nil {
		t.Fatalf("close backup log: %v", err)
	}

	got := readAll(t, dir, backupDir, 1)
	if len(got) != 0 {
		t.Fatalf("readAll with diverged backup = %q, want empty (block must be rejected)", got)
	}
}
