// writer.go: Durable append path with retry, fsync and pending-op tracking
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// pendingOp is one in-flight write, tracked so shutdown can cancel or await
// it. Not persisted.
type pendingOp struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// durableWriter appends encoded lines to the active file. Every append is
// open-append-sync-close so concurrent appends interleave at the OS level
// without corrupting each other, and data is on stable storage before the
// call returns.
type durableWriter struct {
	fileMode   os.FileMode
	retryCount int
	retryDelay time.Duration
	report     func(operation string, err error)

	mu     sync.Mutex
	ops    map[uint64]*pendingOp
	nextID uint64
	closed bool
}

func newDurableWriter(fileMode os.FileMode, retryCount int, retryDelay time.Duration, report func(string, error)) *durableWriter {
	if fileMode == 0 {
		fileMode = 0644
	}
	if retryCount <= 0 {
		retryCount = 3
	}
	if retryDelay <= 0 {
		retryDelay = 10 * time.Millisecond
	}
	if report == nil {
		report = func(string, error) {}
	}
	return &durableWriter{
		fileMode:   fileMode,
		retryCount: retryCount,
		retryDelay: retryDelay,
		report:     report,
		ops:        make(map[uint64]*pendingOp),
	}
}

// append durably writes data to the path returned by activePath. The path is
// re-resolved on every attempt: an append racing a roll may target a file
// that was just renamed, fail, and retry against the refreshed pointer.
//
// Transient errors are retried with exponential backoff up to the configured
// bound. Resource exhaustion (disk full, quota) and permission denials are
// surfaced immediately; retrying cannot help.
func (w *durableWriter) append(activePath func() string, data []byte) error {
	op, err := w.register()
	if err != nil {
		return err
	}
	defer w.complete(op)

	delay := w.retryDelay
	var lastErr error
	for attempt := 0; attempt < w.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-op.ctx.Done():
				op.err = op.ctx.Err()
				return op.err
			}
			delay *= 2
		}

		err := w.appendOnce(activePath(), data)
		if err == nil {
			return nil
		}
		if classifyWriteError(err) == writeFatal {
			op.err = err
			return err
		}
		lastErr = err
	}

	op.err = fmt.Errorf("append failed after %d attempts: %w", w.retryCount, lastErr)
	return op.err
}

// appendOnce performs a single open-append-sync-close cycle followed by a
// size confirmation.
func (w *durableWriter) appendOnce(path string, data []byte) error {
	if err := w.ensureDirectory(path); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, w.fileMode)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	return w.confirmWrite(path, data)
}

// confirmWrite re-reads the file size to verify a non-empty result. A first
// failure falls back to a direct overwrite-and-recheck as a corruption
// guard; a second failure propagates.
func (w *durableWriter) confirmWrite(path string, data []byte) error {
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	w.report("write_confirm", fmt.Errorf("append to %q produced no data, rewriting", path))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.fileMode)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	info, err = os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("write confirmation failed for %q", path)
	}
	return nil
}

// ensureDirectory creates the target directory when it does not exist.
// Access errors other than not-exist fail fast; they are configuration
// problems, not transient conditions.
func (w *durableWriter) ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	_, err := os.Stat(dir)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0750)
	}
	return err
}

// register creates a pending-operation handle for one append.
func (w *durableWriter) register() (*pendingOp, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.nextID++
	op := &pendingOp{
		id:     w.nextID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ops[op.id] = op
	return op, nil
}

// complete removes a pending operation and releases its context.
func (w *durableWriter) complete(op *pendingOp) {
	close(op.done)
	op.cancel()
	w.mu.Lock()
	delete(w.ops, op.id)
	w.mu.Unlock()
}

// pending returns the number of in-flight operations.
func (w *durableWriter) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ops)
}

// drain stops accepting new operations, cancels in-flight ones at their
// cooperative points (backoff waits), then awaits completion of all of them.
// Failures are collected, never re-raised.
func (w *durableWriter) drain(ctx context.Context) []error {
	w.mu.Lock()
	w.closed = true
	remaining := make([]*pendingOp, 0, len(w.ops))
	for _, op := range w.ops {
		remaining = append(remaining, op)
	}
	w.mu.Unlock()

	// Cancel and await in submission order so drain is deterministic.
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].id < remaining[j].id })

	var failures []error
	for _, op := range remaining {
		op.cancel()
		select {
		case <-op.done:
			if op.err != nil {
				failures = append(failures, op.err)
			}
		case <-ctx.Done():
			failures = append(failures, fmt.Errorf("pending op %d abandoned: %w", op.id, ctx.Err()))
		}
	}
	return failures
}

// cleanupOrphans removes temporary files left behind by interrupted
// compression or rewrite attempts for this stream. Best effort.
func (w *durableWriter) cleanupOrphans(dir, name string) {
	matches, err := filepath.Glob(filepath.Join(dir, name+"*.tmp"))
	if err != nil {
		return
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			w.report("orphan_cleanup", err)
		}
	}
}
