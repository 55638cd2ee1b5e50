// writer_test.go: Durable writer tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDurableWriterAppend(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "deep", "app.log")
	w := newDurableWriter(0644, 3, time.Millisecond, nil)

	if err := w.append(func() string { return target }, []byte("first line\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.append(func() string { return target }, []byte("second line\n")); err != nil {
		t.Fatalf("second append: %v", err)
	}

	// Missing parent directories are created on demand.
	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "first line\nsecond line\n" {
		t.Errorf("file content = %q", content)
	}
}

func TestDurableWriterDrain(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.log")
	w := newDurableWriter(0644, 3, time.Millisecond, nil)

	if err := w.append(func() string { return target }, []byte("before drain\n")); err != nil {
		t.Fatalf("append: %v", err)
	}

	failures := w.drain(context.Background())
	if len(failures) != 0 {
		t.Errorf("drain reported %d failures: %v", len(failures), failures)
	}
	if got := w.pending(); got != 0 {
		t.Errorf("pending after drain = %d, want 0", got)
	}

	// The write path is closed after drain.
	err := w.append(func() string { return target }, []byte("after drain\n"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("append after drain: got %v, want ErrClosed", err)
	}
}

func TestDurableWriterCleanupOrphans(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "app.log.173621.tmp")
	unrelated := filepath.Join(dir, "other.log.tmp")
	for _, path := range []string{orphan, unrelated} {
		if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}

	w := newDurableWriter(0644, 3, time.Millisecond, nil)
	w.cleanupOrphans(dir, "app")

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned temp file for this stream survived cleanup")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("temp file of a different stream was removed")
	}
}

func TestClassifyWriteError(t *testing.T) {
	if got := classifyWriteError(nil); got != writeRetryable {
		t.Errorf("classify(nil) = %v, want retryable", got)
	}
	if got := classifyWriteError(errors.New("transient failure")); got != writeRetryable {
		t.Errorf("classify(generic) = %v, want retryable", got)
	}
	// Access denials cannot be retried away; they fail fast.
	if got := classifyWriteError(os.ErrPermission); got != writeFatal {
		t.Errorf("classify(permission) = %v, want fatal", got)
	}
	wrapped := &os.PathError{Op: "mkdir", Path: "/var/log/app", Err: os.ErrPermission}
	if got := classifyWriteError(wrapped); got != writeFatal {
		t.Errorf("classify(wrapped permission) = %v, want fatal", got)
	}
}
