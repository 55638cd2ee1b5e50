// errors.go: Error taxonomy and write-error classification
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"errors"
	"fmt"
	"io/fs"
)

// Pre-allocated sentinel errors to avoid allocations in hot paths.
var (
	// ErrNotInitialized is returned by operations that require a feature
	// (encryption, rotation) that was never configured on this engine.
	ErrNotInitialized = errors.New("cellary: not initialized")

	// ErrKeyNotFound is returned by Keyring.KeyByID when the requested key
	// id is unknown, typically because the key was pruned. Callers should
	// treat it as recoverable and fail only the specific decode.
	ErrKeyNotFound = errors.New("cellary: encryption key not found")

	// ErrClosed is returned by writes submitted after Drain or Close.
	ErrClosed = errors.New("cellary: engine closed")
)

// ConfigError reports invalid or missing configuration. It is returned at
// setup time and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// DecodeError reports a line that could not be decoded: malformed envelope,
// unknown version or algorithm, missing key, or failed authentication.
// Decode errors are recoverable per line and never abort a stream.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrorf(cause error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: cause}
}

// writeClass is the outcome of classifying a failed file operation.
type writeClass int

const (
	// writeRetryable errors are retried with exponential backoff: network
	// filesystem hiccups, transient not-found, locking races and the like.
	writeRetryable writeClass = iota

	// writeFatal errors are surfaced immediately. Retrying cannot help:
	// the disk is full, a quota is exhausted, or access is denied.
	writeFatal
)

// classifyWriteError decides whether a failed write should be retried.
// Kept as a pure function over the error value so it is independently
// testable and shared by every retry loop in the package.
func classifyWriteError(err error) writeClass {
	if err == nil {
		return writeRetryable
	}
	if errors.Is(err, fs.ErrPermission) {
		return writeFatal
	}
	if isResourceExhausted(err) {
		return writeFatal
	}
	return writeRetryable
}
