// cellary.go: Public API - durable, tamper-resistant log storage engine
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// Engine persists structured log entries to rotating, optionally encrypted
// and compressed files, and reads them back by streaming or batch reads.
// It sits beneath a logging facade: the facade formats entries to lines and
// owns presentation, the engine owns durability. Multiple independent
// engines can coexist per process; there is no ambient state.
//
// Basic usage:
//
//	engine, err := cellary.New("./logs", "app")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	line, _ := cellary.MarshalEntry(entry)
//	engine.Append(line)
//
// Encrypted usage:
//
//	engine, err := cellary.NewWithConfig(&cellary.Config{
//		Directory:  "./logs",
//		Name:       "audit",
//		MaxSizeStr: "100MB",
//		MaxBackups: 10,
//		Encryption: &cellary.EncryptionConfig{
//			Algorithm: "aes-256-gcm",
//			Compress:  true,
//		},
//	})
type Engine struct {
	cfg             Config
	algo            Algorithm
	encryptCompress bool
	maxKeys         int

	keys   *Keyring
	writer *durableWriter
	rot    *rotator
	fc     *fingersCrossed

	// High-performance time cache for reduced allocation overhead
	timeCache *timecache.TimeCache

	writeCount   atomic.Uint64
	bytesWritten atomic.Uint64

	closed    atomic.Bool
	drainOnce sync.Once
	closeOnce sync.Once
}

// New creates an Engine with safe production defaults: 100MB rotation,
// 10 retained backups, compressed rotated files, no encryption.
func New(directory, name string) (*Engine, error) {
	return NewWithConfig(&Config{
		Directory:  directory,
		Name:       name,
		MaxSizeStr: "100MB",
		MaxBackups: 10,
		Compress:   true,
	})
}

// NewWithConfig creates an Engine with detailed configuration. All fields
// except Directory and Name are optional; unset fields use safe defaults.
func NewWithConfig(config *Config) (*Engine, error) {
	if config == nil {
		return nil, &ConfigError{Field: "Config", Reason: "must not be nil"}
	}
	maxSizeBytes, rotateEvery, err := config.validate()
	if err != nil {
		return nil, err
	}
	if err := ValidatePathLength(config.Directory); err != nil {
		return nil, &ConfigError{Field: "Directory", Reason: err.Error()}
	}

	e := &Engine{cfg: *config}
	report := func(operation string, err error) {
		if cb := e.cfg.ErrorCallback; cb != nil {
			cb(operation, err)
		}
	}

	e.timeCache = timecache.NewWithResolution(time.Millisecond)
	now := e.timeCache.CachedTime

	e.rot = newRotator(&e.cfg, maxSizeBytes, now, report)
	e.writer = newDurableWriter(e.cfg.FileMode, e.cfg.RetryCount, e.cfg.RetryDelay, report)

	if enc := e.cfg.Encryption; enc != nil {
		e.algo = AlgoAES256GCM
		if enc.Algorithm != "" {
			e.algo, _ = ParseAlgorithm(enc.Algorithm) // validated above
		}
		e.encryptCompress = enc.Compress
		e.maxKeys = enc.MaxKeys
		if e.maxKeys < 1 {
			e.maxKeys = 3
		}

		e.keys, err = newKeyring(now, report)
		if err != nil {
			e.timeCache.Stop()
			return nil, err
		}
		if enc.RotateKeysEvery > 0 {
			e.keys.startRotation(enc.RotateKeysEvery, e.maxKeys)
		}
	}

	if e.cfg.FingersCrossed != nil {
		e.fc = newFingersCrossed(e.cfg.FingersCrossed)
	}

	if rotateEvery > 0 {
		e.rot.startTimer(rotateEvery)
	}

	return e, nil
}

// Append durably writes one pre-formatted line to the active file. The line
// is enveloped (encrypted, optionally compressed) when encryption is
// configured, terminated with a newline, flushed to stable storage before
// Append returns, and counted against the rotation size threshold: an
// append that reaches the limit rolls the file before returning.
//
// The engine never formats entries for display; callers own the
// Entry-to-line conversion (see MarshalEntry).
func (e *Engine) Append(line []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}

	encoded, err := e.encodeLine(line)
	if err != nil {
		return err
	}
	data := append(encoded, '\n')

	if err := e.writer.append(e.rot.activeFilePath, data); err != nil {
		return err
	}

	e.writeCount.Add(1)
	e.bytesWritten.Add(uint64(len(data)))
	if newSize := e.rot.noteWritten(len(data)); e.rot.shouldRotate(newSize) {
		e.rot.roll()
	}
	return nil
}

// Log routes one formatted entry through the fingers-crossed buffer when
// one is configured, and writes directly otherwise. Buffered entries only
// reach disk once an entry at or above the activation level arrives.
func (e *Engine) Log(level Level, line []byte) error {
	if e.fc == nil {
		return e.Append(line)
	}
	return e.fc.offer(level, line, e.Append)
}

// Deactivate returns the fingers-crossed buffer to its initial buffering
// state, flushing remaining held entries first when so configured.
func (e *Engine) Deactivate() error {
	if e.fc == nil {
		return ErrNotInitialized
	}
	return e.fc.deactivate(e.Append)
}

// DrainBuffered writes out and clears any entries still held by the
// fingers-crossed buffer.
func (e *Engine) DrainBuffered() error {
	if e.fc == nil {
		return ErrNotInitialized
	}
	return e.fc.drainBuffered(e.Append)
}

// encodeLine produces the stored form of one line: the plaintext itself, or
// a versioned envelope under the current key. Envelope bytes are escaped so
// the newline terminator stays unambiguous against raw IV/ciphertext bytes.
func (e *Engine) encodeLine(line []byte) ([]byte, error) {
	if e.keys == nil {
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	material, id, err := e.keys.CurrentKey()
	if err != nil {
		return nil, err
	}
	env, err := encodeEnvelope(line, material, id, e.algo, e.encryptCompress)
	if err != nil {
		return nil, err
	}
	return escapeFrame(env), nil
}

// keyLookup returns the decrypt resolver, nil when encryption is disabled.
func (e *Engine) keyLookup() keyLookup {
	if e.keys == nil {
		return nil
	}
	return e.keys.KeyByID
}

// StreamEntries lazily yields the entries of one file, in append order.
func (e *Engine) StreamEntries(path string) (*Stream, error) {
	return newStream(path, e.cfg.ReadChunkSize, e.keyLookup())
}

// ReadAll returns every entry of one file, in append order.
func (e *Engine) ReadAll(path string) ([]Entry, error) {
	return readAll(path, e.cfg.ReadChunkSize, e.keyLookup())
}

// ReadBatch reads multiple files and returns the union of their entries
// sorted ascending by timestamp, stable on ties.
func (e *Engine) ReadBatch(paths []string, opts BatchOptions) ([]Entry, error) {
	return readBatch(paths, opts, e.cfg.ReadChunkSize, e.keyLookup())
}

// ValidateEncryption decodes every line of a file and returns the per-line
// failures. An empty result means the file is fully decodable with the
// engine's current keyring.
func (e *Engine) ValidateEncryption(path string) []error {
	return validateEncryption(path, e.cfg.ReadChunkSize, e.keyLookup())
}

// RotateNow forces an immediate roll of the active file, regardless of
// size. Rolling when no file exists yet is a no-op. Roll errors are
// reported through the ErrorCallback.
func (e *Engine) RotateNow() error {
	e.rot.roll()
	return nil
}

// RotateKeysNow generates a new current encryption key and prunes old keys
// down to the configured retention. Returns the new key id.
func (e *Engine) RotateKeysNow() (string, error) {
	if e.keys == nil {
		return "", ErrNotInitialized
	}
	id, err := e.keys.Rotate()
	if err != nil {
		return "", err
	}
	e.keys.Prune(e.maxKeys)
	return id, nil
}

// ActiveFilePath returns a snapshot of the current active file path.
func (e *Engine) ActiveFilePath() string {
	return e.rot.activeFilePath()
}

// Keyring exposes the engine's key manager, or nil when encryption is
// disabled. Useful for facade-level key inspection.
func (e *Engine) Keyring() *Keyring {
	return e.keys
}

// Drain shuts the write path down: new appends are rejected, the rotation
// and key-rotation timers are cancelled synchronously so neither fires
// after Drain returns, the worker pool finishes its in-flight task, and
// in-flight appends are cancelled at their cooperative points and awaited.
// Failures of already-pending operations are reported, never re-raised.
// Finally, orphaned temporary files for this stream are removed
// best-effort.
func (e *Engine) Drain(ctx context.Context) error {
	e.drainOnce.Do(func() {
		e.closed.Store(true)
		if e.keys != nil {
			e.keys.stopRotation()
		}
		e.rot.stop()
		for _, failure := range e.writer.drain(ctx) {
			if cb := e.cfg.ErrorCallback; cb != nil {
				cb("drain", failure)
			}
		}
		e.writer.cleanupOrphans(e.cfg.Directory, SanitizeFilename(e.cfg.Name))
	})
	return nil
}

// Close drains the engine and releases the remaining resource, the time
// cache. Safe to call multiple times.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		_ = e.Drain(context.Background())
		if e.timeCache != nil {
			e.timeCache.Stop()
		}
	})
	return nil
}

// WaitForBackgroundTasks blocks until queued compression, retention and
// checksum work has completed. Useful in tests that assert on rotated
// artifacts.
func (e *Engine) WaitForBackgroundTasks() {
	e.rot.waitForBackgroundTasks()
}

// Stats is a point-in-time snapshot of engine counters for telemetry.
type Stats struct {
	WriteCount      uint64 `json:"write_count"`
	TotalBytes      uint64 `json:"total_bytes"`
	RotationCount   uint64 `json:"rotation_count"`
	CurrentFileSize int64  `json:"current_file_size"`
	PendingOps      int    `json:"pending_ops"`
	BufferedEntries int    `json:"buffered_entries"`
	EvictedEntries  uint64 `json:"evicted_entries"`
	KeyCount        int    `json:"key_count"`
	MaxSizeBytes    int64  `json:"max_size_bytes"`
	ActiveFile      string `json:"active_file"`
}

// Stats returns current engine statistics. All counters are atomic; the
// snapshot is safe to take concurrently with writes.
func (e *Engine) Stats() Stats {
	s := Stats{
		WriteCount:      e.writeCount.Load(),
		TotalBytes:      e.bytesWritten.Load(),
		RotationCount:   e.rot.rotationSeq.Load(),
		CurrentFileSize: e.rot.sizeHint.Load(),
		PendingOps:      e.writer.pending(),
		MaxSizeBytes:    e.rot.maxSizeBytes,
		ActiveFile:      e.rot.activeFilePath(),
	}
	if e.fc != nil {
		s.BufferedEntries = e.fc.buffered()
		s.EvictedEntries = e.fc.evictedCount()
	}
	if e.keys != nil {
		s.KeyCount = e.keys.KeyCount()
	}
	return s
}
