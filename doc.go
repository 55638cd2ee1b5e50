// doc.go: Package documentation for cellary
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Package cellary is a durable, tamper-resistant log storage engine.
//
// cellary persists structured log entries beneath a logging facade: the
// facade owns formatting and presentation, cellary owns what happens to the
// bytes. Every append is flushed to stable storage before it returns, the
// active file rolls over at a configured size, rotated files can be
// compressed and checksummed, and individual lines can be sealed in
// versioned encryption envelopes with automatic key rotation.
//
// # Quick Start
//
//	engine, err := cellary.New("./logs", "app")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	line, _ := cellary.MarshalEntry(cellary.Entry{
//		Timestamp: time.Now(),
//		Level:     cellary.LevelInfo,
//		Name:      "api",
//		Message:   "listening",
//	})
//	engine.Append(line)
//
// # Features
//
//   - Durable appends: create, write, flush and confirm on every call
//   - Size-based rotation with retention, gzip compression and SHA-256
//     checksum sidecars for rotated files
//   - Per-line AES-256-GCM or AES-256-CBC envelopes with key ids, so old
//     files stay readable across key rotations
//   - Fingers-crossed buffering: debug noise stays in memory until an
//     error-level entry flips the buffer to direct writing
//   - Streaming and batch readers that decrypt, decompress and sort
//     transparently, including rotated .gz files
//
// # Encrypted Storage
//
//	engine, err := cellary.NewWithConfig(&cellary.Config{
//		Directory:  "./logs",
//		Name:       "audit",
//		MaxSizeStr: "100MB",
//		MaxBackups: 10,
//		Encryption: &cellary.EncryptionConfig{
//			Algorithm:       "aes-256-gcm",
//			Compress:        true,
//			RotateKeysEvery: 24 * time.Hour,
//			MaxKeys:         5,
//		},
//	})
//
// Reading the data back goes through the same engine, which resolves the
// key id embedded in each envelope:
//
//	entries, err := engine.ReadAll(engine.ActiveFilePath())
//
// # Fingers-Crossed Buffering
//
//	engine, err := cellary.NewWithConfig(&cellary.Config{
//		Directory: "./logs",
//		Name:      "svc",
//		FingersCrossed: &cellary.FingersCrossedConfig{
//			ActivationLevel: cellary.LevelError,
//			Capacity:        256,
//		},
//	})
//
//	engine.Log(cellary.LevelDebug, line) // held in memory
//	engine.Log(cellary.LevelError, line) // flushes history, then this line
//
// cellary is designed for multiple independent instances per process; it
// keeps no package-level state.
package cellary
