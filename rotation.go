// rotation.go: Active-file rotation, retention, compression and checksums
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nightlyone/lockfile"
)

// rotator owns the active-file pointer and everything that happens when the
// file rolls over: rename, compression, retention pruning, checksums. The
// pointer is mutated only by the roll operation (single-writer swap);
// writers take a snapshot through activeFilePath.
type rotator struct {
	dir       string
	name      string
	dated     bool
	localTime bool
	sequence  bool
	compress  bool
	checksum  bool

	maxSizeBytes int64
	maxBackups   int
	fileMode     os.FileMode
	retryCount   int
	retryDelay   time.Duration

	now    func() time.Time
	report func(operation string, err error)

	activePath    atomic.Pointer[string]
	sizeHint      atomic.Int64
	lastRotatedAt atomic.Int64
	rotationSeq   atomic.Uint64
	rotationFlag  atomic.Bool

	bgWorkers atomic.Pointer[backgroundWorkers]

	stopTimer chan struct{}
	timerDone chan struct{}
	stopOnce  sync.Once
}

func newRotator(cfg *Config, maxSizeBytes int64, now func() time.Time, report func(string, error)) *rotator {
	r := &rotator{
		dir:          cfg.Directory,
		name:         SanitizeFilename(cfg.Name),
		dated:        cfg.DatedFiles,
		localTime:    cfg.LocalTime,
		sequence:     cfg.SequenceNaming,
		compress:     cfg.Compress,
		checksum:     cfg.Checksum,
		maxSizeBytes: maxSizeBytes,
		maxBackups:   cfg.MaxBackups,
		fileMode:     cfg.FileMode,
		retryCount:   cfg.RetryCount,
		retryDelay:   cfg.RetryDelay,
		now:          now,
		report:       report,
	}
	if r.fileMode == 0 {
		r.fileMode = 0644
	}
	if r.retryCount <= 0 {
		r.retryCount = 3
	}
	if r.retryDelay <= 0 {
		r.retryDelay = 10 * time.Millisecond
	}

	path := r.computeActivePath(r.timestamp())
	r.activePath.Store(&path)
	if info, err := os.Stat(path); err == nil {
		r.sizeHint.Store(info.Size())
	}
	return r
}

func (r *rotator) timestamp() time.Time {
	t := r.now()
	if !r.localTime {
		t = t.UTC()
	}
	return t
}

// activeFilePath returns a snapshot of the current active file path.
func (r *rotator) activeFilePath() string {
	return *r.activePath.Load()
}

// computeActivePath derives the active filename for the stream.
func (r *rotator) computeActivePath(now time.Time) string {
	if r.dated {
		return filepath.Join(r.dir, fmt.Sprintf("%s-%s.log", r.name, now.Format("2006-01-02")))
	}
	return filepath.Join(r.dir, r.name+".log")
}

// noteWritten records n appended bytes and returns the new size hint.
func (r *rotator) noteWritten(n int) int64 {
	return r.sizeHint.Add(int64(n))
}

// shouldRotate reports whether the active file has reached the size limit.
// Rotation in this engine is always ultimately gated on size; the time-based
// trigger only runs this same check more often.
func (r *rotator) shouldRotate(currentSize int64) bool {
	return r.maxSizeBytes > 0 && currentSize >= r.maxSizeBytes
}

// maybeRotate rolls the active file if it has reached the size limit.
func (r *rotator) maybeRotate() {
	if !r.shouldRotate(r.sizeHint.Load()) {
		return
	}
	r.roll()
}

// roll retires the active file unconditionally and starts a new one. CAS on
// rotationFlag keeps the roll single-threaded; losers keep writing to the
// old file until the pointer swap, bounded by writer retries.
func (r *rotator) roll() {
	if !r.rotationFlag.CompareAndSwap(false, true) {
		return // someone else is rotating
	}
	defer r.rotationFlag.Store(false)

	if err := r.performRoll(); err != nil {
		r.report("rotation", err)
	}
}

// performRoll renames the active file, swaps the pointer and schedules
// compression, retention and checksum work. Rolling when no file exists yet
// is a no-op, not an error.
func (r *rotator) performRoll() error {
	oldPath := r.activeFilePath()
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}

	release, acquired := r.acquireRollLock()
	if !acquired {
		return nil // another process is rotating this stream
	}
	if release != nil {
		defer release()
	}

	now := r.timestamp()
	backupName, err := r.rotatedName(oldPath, now)
	if err != nil {
		return err
	}

	err = RetryFileOperation(func() error {
		return os.Rename(oldPath, backupName)
	}, r.retryCount, r.retryDelay)
	if err != nil {
		return fmt.Errorf("rename %q: %w", oldPath, err)
	}

	// The pointer swap happens only after the rename succeeded, so a failed
	// roll leaves the previous active file in place for the next trigger.
	newPath := r.computeActivePath(now)
	r.activePath.Store(&newPath)
	r.sizeHint.Store(0)
	r.lastRotatedAt.Store(now.Unix())
	r.rotationSeq.Add(1)

	r.scheduleBackgroundTasks(backupName)
	return nil
}

// acquireRollLock takes the cross-process rotation lock for this stream.
// A busy lock means another process is mid-roll; the caller skips its roll
// rather than racing the rename.
func (r *rotator) acquireRollLock() (release func(), acquired bool) {
	abs, err := filepath.Abs(filepath.Join(r.dir, r.name+".rotate.lock"))
	if err != nil {
		return nil, true
	}
	lock, err := lockfile.New(abs)
	if err != nil {
		r.report("rotation_lock", err)
		return nil, true
	}
	if err := lock.TryLock(); err != nil {
		if err == lockfile.ErrBusy {
			return nil, false
		}
		r.report("rotation_lock", err)
		return nil, true
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			r.report("rotation_unlock", err)
		}
	}, true
}

// rotatedName computes the backup filename for the retiring active file:
// timestamp-suffixed by default, "<path>.<N>" under sequence naming.
func (r *rotator) rotatedName(oldPath string, now time.Time) (string, error) {
	if r.sequence {
		seq, err := r.nextSequence(oldPath)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.%d", oldPath, seq), nil
	}

	base := strings.TrimSuffix(oldPath, ".log")
	stamp := now.Format(time.RFC3339Nano)
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return fmt.Sprintf("%s-%s.log", base, stamp), nil
}

// nextSequence returns one past the highest existing sequence number for
// this active path. Higher numbers are newer.
func (r *rotator) nextSequence(activePath string) (uint64, error) {
	matches, err := filepath.Glob(activePath + ".*")
	if err != nil {
		return 0, err
	}
	var highest uint64
	for _, match := range matches {
		if n, ok := parseSequence(activePath, match); ok && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// parseSequence extracts N from "<activePath>.<N>" or "<activePath>.<N>.gz".
func parseSequence(activePath, candidate string) (uint64, bool) {
	rest := strings.TrimPrefix(candidate, activePath+".")
	if rest == candidate {
		return 0, false
	}
	rest = strings.TrimSuffix(rest, ".gz")
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// scheduleBackgroundTasks hands compression, retention and checksum work to
// the worker pool so the roll itself stays fast.
func (r *rotator) scheduleBackgroundTasks(backupName string) {
	if r.bgWorkers.Load() == nil {
		workers := newBackgroundWorkers(2)
		if !r.bgWorkers.CompareAndSwap(nil, workers) {
			workers.stop()
		}
	}
	workers := r.bgWorkers.Load()
	if workers == nil {
		return
	}

	if r.maxBackups > 0 {
		r.submitTask(workers, backgroundTask{kind: taskCleanup})
	}
	// When both are enabled the compress task chains the checksum, so the
	// sidecar always covers the file that survives.
	if r.compress {
		r.submitTask(workers, backgroundTask{kind: taskCompress, filePath: backupName})
	} else if r.checksum {
		r.submitTask(workers, backgroundTask{kind: taskChecksum, filePath: backupName})
	}
}

// submitTask enqueues a task unless the pool is shutting down or full.
func (r *rotator) submitTask(workers *backgroundWorkers, task backgroundTask) {
	task.rot = r
	workers.pending.Add(1)
	select {
	case <-workers.ctx.Done():
		workers.pending.Add(-1)
	case workers.taskQueue <- task:
	default:
		// Queue full, skip task; the next roll reschedules retention.
		workers.pending.Add(-1)
	}
}

// startTimer begins the periodic rotation trigger. Each firing attempts a
// size-gated check; it never rolls an undersized file.
func (r *rotator) startTimer(every time.Duration) {
	r.stopTimer = make(chan struct{})
	r.timerDone = make(chan struct{})
	go func() {
		defer close(r.timerDone)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.maybeRotate()
			case <-r.stopTimer:
				return
			}
		}
	}()
}

// stop cancels the rotation timer synchronously and shuts down the worker
// pool after in-flight tasks finish.
func (r *rotator) stop() {
	r.stopOnce.Do(func() {
		if r.stopTimer != nil {
			close(r.stopTimer)
			<-r.timerDone
		}
	})
	if workers := r.bgWorkers.Load(); workers != nil {
		workers.stop()
	}
}

// waitForBackgroundTasks blocks until queued compression/cleanup/checksum
// work has completed. Useful in tests.
func (r *rotator) waitForBackgroundTasks() {
	if workers := r.bgWorkers.Load(); workers != nil {
		workers.waitForCompletion()
	}
}

// rotatedFile holds file information for retention sorting.
type rotatedFile struct {
	path    string
	modTime time.Time
}

// cleanupOldFiles enforces MaxBackups: rotated files for this stream are
// sorted newest-first and everything beyond the retention count is deleted.
func (r *rotator) cleanupOldFiles() {
	files, err := r.listRotated()
	if err != nil {
		r.report("retention_scan", err)
		return
	}
	if r.maxBackups <= 0 || len(files) <= r.maxBackups {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.After(files[j].modTime)
		}
		return files[i].path > files[j].path
	})

	for _, f := range files[r.maxBackups:] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			r.report("retention_remove", err)
		}
		// Sweep the checksum sidecar along with its file.
		if err := os.Remove(f.path + ".sha256"); err != nil && !os.IsNotExist(err) {
			r.report("retention_remove", err)
		}
	}
}

// listRotated enumerates the rotated files belonging to this logical stream.
func (r *rotator) listRotated() ([]rotatedFile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	activeBase := filepath.Base(r.activeFilePath())
	var files []rotatedFile
	for _, entry := range entries {
		if entry.IsDir() || !r.isRotatedName(activeBase, entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, rotatedFile{
			path:    filepath.Join(r.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}

// isRotatedName reports whether candidate is a rotated file of the stream
// whose active file is named activeBase.
func (r *rotator) isRotatedName(activeBase, candidate string) bool {
	if candidate == activeBase {
		return false
	}
	if r.sequence {
		_, ok := parseSequence(activeBase, candidate)
		return ok
	}
	prefix := strings.TrimSuffix(activeBase, ".log") + "-"
	if !strings.HasPrefix(candidate, prefix) {
		return false
	}
	rest := strings.TrimPrefix(candidate, prefix)
	// Timestamp suffixes always carry the RFC 3339 date/time separator.
	return strings.Contains(rest, "T") &&
		(strings.HasSuffix(rest, ".log") || strings.HasSuffix(rest, ".log.gz"))
}

// compressFile gzips a rotated file with crash consistency: compress into a
// temporary file, atomically rename, then remove the original.
func (r *rotator) compressFile(filename string) {
	var source *os.File
	err := RetryFileOperation(func() error {
		var err error
		source, err = os.Open(filename)
		return err
	}, r.retryCount, r.retryDelay)
	if err != nil {
		r.report("compress_open", err)
		return
	}
	defer source.Close()

	compressedName := filename + ".gz"
	tempName := compressedName + ".tmp"

	target, err := os.OpenFile(tempName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, r.fileMode)
	if err != nil {
		r.report("compress_create", err)
		return
	}

	zw := gzip.NewWriter(target)
	if _, err := io.Copy(zw, source); err != nil {
		_ = target.Close()
		_ = os.Remove(tempName)
		r.report("compress_copy", err)
		return
	}
	if err := zw.Close(); err != nil {
		_ = target.Close()
		_ = os.Remove(tempName)
		r.report("compress_finalize", err)
		return
	}
	if err := target.Close(); err != nil {
		_ = os.Remove(tempName)
		r.report("compress_close", err)
		return
	}

	if err := os.Rename(tempName, compressedName); err != nil {
		_ = os.Remove(tempName)
		r.report("compress_rename", fmt.Errorf("rename %s to %s: %w", tempName, compressedName, err))
		return
	}

	// Remove the uncompressed copy only after the rename landed.
	if err := os.Remove(filename); err != nil {
		r.report("compress_cleanup", err)
	}
}

// generateChecksum writes a SHA-256 sidecar next to a rotated file. If the
// file was already compressed, the sidecar covers the .gz.
func (r *rotator) generateChecksum(filename string) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		if !strings.HasSuffix(filename, ".gz") {
			if _, err := os.Stat(filename + ".gz"); err == nil {
				filename += ".gz"
			} else {
				r.report("checksum_missing", fmt.Errorf("file not found for checksum: %s", filename))
				return
			}
		} else {
			r.report("checksum_missing", fmt.Errorf("file not found for checksum: %s", filename))
			return
		}
	}

	file, err := os.Open(filename)
	if err != nil {
		r.report("checksum_open", err)
		return
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		r.report("checksum_read", err)
		return
	}

	content := fmt.Sprintf("%x  %s\n", hash.Sum(nil), filepath.Base(filename))
	if err := os.WriteFile(filename+".sha256", []byte(content), 0600); err != nil {
		r.report("checksum_write", err)
	}
}

type taskKind int

const (
	taskCleanup taskKind = iota
	taskCompress
	taskChecksum
)

// backgroundTask is one unit of work for the worker pool.
type backgroundTask struct {
	kind     taskKind
	filePath string
	rot      *rotator
}

// backgroundWorkers manages a small pool for retention, compression and
// checksum work.
type backgroundWorkers struct {
	ctx       context.Context
	cancel    context.CancelFunc
	taskQueue chan backgroundTask
	wg        sync.WaitGroup
	pending   atomic.Int64
	stopOnce  sync.Once
}

func newBackgroundWorkers(numWorkers int) *backgroundWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	bg := &backgroundWorkers{
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan backgroundTask, 100),
	}
	for i := 0; i < numWorkers; i++ {
		bg.wg.Add(1)
		go bg.worker()
	}
	return bg
}

func (bg *backgroundWorkers) worker() {
	defer bg.wg.Done()
	for {
		select {
		case <-bg.ctx.Done():
			return
		case task := <-bg.taskQueue:
			bg.processTask(task)
		}
	}
}

func (bg *backgroundWorkers) processTask(task backgroundTask) {
	defer bg.pending.Add(-1)

	switch task.kind {
	case taskCleanup:
		task.rot.cleanupOldFiles()
	case taskCompress:
		task.rot.compressFile(task.filePath)
		if task.rot.checksum {
			task.rot.generateChecksum(task.filePath)
		}
	case taskChecksum:
		task.rot.generateChecksum(task.filePath)
	}
}

func (bg *backgroundWorkers) stop() {
	bg.stopOnce.Do(func() {
		bg.cancel()
		bg.wg.Wait()
		// Account for tasks that were queued but never picked up, so a
		// later waitForCompletion cannot spin on them.
		for {
			select {
			case <-bg.taskQueue:
				bg.pending.Add(-1)
			default:
				return
			}
		}
	})
}

func (bg *backgroundWorkers) waitForCompletion() {
	for bg.pending.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
}
