// config.go: Engine configuration and parsing utilities
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration options for creating an Engine.
type Config struct {
	// Directory is where the stream's files live. Created if missing.
	Directory string `json:"directory"`

	// Name is the logical stream name. The active file is named
	// "<name>.log", or "<name>-<YYYY-MM-DD>.log" when DatedFiles is set.
	Name string `json:"name"`

	// DatedFiles embeds the current date in the active filename.
	DatedFiles bool `json:"dated_files"`

	// LocalTime determines whether backup names and dated filenames use the
	// local timezone. False (default) uses UTC.
	LocalTime bool `json:"local_time"`

	// MaxSize is the maximum active-file size in bytes before rotation.
	MaxSize int64 `json:"max_size"`

	// MaxSizeStr is the maximum size as a string (e.g. "100MB", "2GB").
	// Preferred over MaxSize.
	MaxSizeStr string `json:"max_size_str"`

	// MaxBackups is the number of rotated files to retain per stream.
	// Older files are deleted. Zero retains all backups.
	MaxBackups int `json:"max_backups"`

	// SequenceNaming rotates to "<activeFilePath>.<N>" instead of
	// timestamp-suffixed names. N grows monotonically; higher is newer.
	SequenceNaming bool `json:"sequence_naming"`

	// Compress gzips rotated files and removes the uncompressed copy.
	Compress bool `json:"compress"`

	// Checksum writes a SHA-256 sidecar next to each rotated file.
	Checksum bool `json:"checksum"`

	// RotateEvery is the period of the time-based rotation trigger. Each
	// firing performs a size-gated rotation check; it never rolls a file
	// that has not reached MaxSize. Zero disables the timer.
	RotateEvery time.Duration `json:"rotate_every"`

	// RotateEveryStr is RotateEvery as a string (e.g. "24h", "7d", "30d").
	RotateEveryStr string `json:"rotate_every_str"`

	// Encryption enables envelope encryption of every stored line.
	// Nil writes plaintext.
	Encryption *EncryptionConfig `json:"encryption"`

	// FingersCrossed enables level-gated buffering: entries are held in
	// memory and only flushed to disk once an alarming entry arrives.
	// Nil writes every entry directly.
	FingersCrossed *FingersCrossedConfig `json:"fingers_crossed"`

	// FileMode is the permission mode for created files (default: 0644).
	FileMode os.FileMode `json:"file_mode"`

	// RetryCount bounds write retries for transient errors (default: 3).
	RetryCount int `json:"retry_count"`

	// RetryDelay is the initial backoff delay, doubled per attempt
	// (default: 10ms).
	RetryDelay time.Duration `json:"retry_delay"`

	// ReadChunkSize is the chunk size used by streaming reads
	// (default: 64KB).
	ReadChunkSize int `json:"read_chunk_size"`

	// ErrorCallback is an optional function called when background
	// operations fail. Parameters are the operation name and the error.
	ErrorCallback func(operation string, err error) `json:"-"`
}

// EncryptionConfig configures envelope encryption.
type EncryptionConfig struct {
	// Algorithm is "aes-256-gcm" (default) or "aes-256-cbc".
	Algorithm string `json:"algorithm"`

	// Compress gzips each line before encryption (envelope flag bit 0).
	Compress bool `json:"compress"`

	// RotateKeysEvery is the key-rotation interval. Values below one
	// minute are raised to one minute. Zero disables the timer.
	RotateKeysEvery time.Duration `json:"rotate_keys_every"`

	// MaxKeys is how many keys Prune retains after each rotation
	// (default: 3, minimum 1).
	MaxKeys int `json:"max_keys"`
}

// FingersCrossedConfig configures the level-gated buffer.
type FingersCrossedConfig struct {
	// ActivationLevel triggers the flush. The zero value defaults to
	// LevelError; LevelDebug makes the buffer write-through.
	ActivationLevel Level `json:"activation_level"`

	// Capacity bounds the buffer; the oldest entry is evicted when full
	// (default: 64).
	Capacity int `json:"capacity"`

	// KeepOnFlush retains buffered entries after an activation flush until
	// explicitly drained, instead of clearing them.
	KeepOnFlush bool `json:"keep_on_flush"`

	// FlushOnDeactivate writes remaining buffered entries out when
	// Deactivate is called.
	FlushOnDeactivate bool `json:"flush_on_deactivate"`
}

// validate checks the configuration and resolves string-based fields.
// It returns the resolved size limit and rotation period.
func (c *Config) validate() (maxSizeBytes int64, rotateEvery time.Duration, err error) {
	if c.Directory == "" {
		return 0, 0, &ConfigError{Field: "Directory", Reason: "must not be empty"}
	}
	if c.Name == "" {
		return 0, 0, &ConfigError{Field: "Name", Reason: "must not be empty"}
	}
	if c.MaxSize > 0 && c.MaxSizeStr != "" {
		return 0, 0, &ConfigError{Field: "MaxSize", Reason: "cannot specify both MaxSize and MaxSizeStr"}
	}
	if c.RotateEvery > 0 && c.RotateEveryStr != "" {
		return 0, 0, &ConfigError{Field: "RotateEvery", Reason: "cannot specify both RotateEvery and RotateEveryStr"}
	}

	maxSizeBytes = c.MaxSize
	if c.MaxSizeStr != "" {
		maxSizeBytes, err = ParseSize(c.MaxSizeStr)
		if err != nil {
			return 0, 0, &ConfigError{Field: "MaxSizeStr", Reason: err.Error()}
		}
	}

	rotateEvery = c.RotateEvery
	if c.RotateEveryStr != "" {
		rotateEvery, err = ParseDuration(c.RotateEveryStr)
		if err != nil {
			return 0, 0, &ConfigError{Field: "RotateEveryStr", Reason: err.Error()}
		}
	}

	if enc := c.Encryption; enc != nil {
		if enc.Algorithm != "" {
			if _, err := ParseAlgorithm(enc.Algorithm); err != nil {
				return 0, 0, &ConfigError{Field: "Encryption.Algorithm", Reason: err.Error()}
			}
		}
		if enc.MaxKeys < 0 {
			return 0, 0, &ConfigError{Field: "Encryption.MaxKeys", Reason: "must not be negative"}
		}
	}
	if fc := c.FingersCrossed; fc != nil {
		if fc.Capacity < 0 {
			return 0, 0, &ConfigError{Field: "FingersCrossed.Capacity", Reason: "must not be negative"}
		}
		if fc.ActivationLevel != 0 && (fc.ActivationLevel < LevelDebug || fc.ActivationLevel > LevelError) {
			return 0, 0, &ConfigError{Field: "FingersCrossed.ActivationLevel", Reason: "unknown level"}
		}
	}

	return maxSizeBytes, rotateEvery, nil
}

// ParseSize converts size strings like "100MB", "1GB" to bytes.
// Supports case-insensitive input and single-letter units (K, M, G, T).
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Handle plain numbers (bytes)
	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		return val, nil
	}

	s = strings.ToUpper(s)

	var multiplier int64
	var numStr string

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown size suffix in %q (supported: KB/K, MB/M, GB/G, TB/T)", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number in %q: %v", s, err)
	}

	result := val * multiplier
	if result < 0 { // Overflow check
		return 0, fmt.Errorf("size %q too large", s)
	}

	return result, nil
}

// ParseDuration converts duration strings like "7d", "24h" to time.Duration.
// Supports Go durations plus d/w/y extensions.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	// Try standard Go duration first
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	s = strings.ToLower(s)

	var multiplier time.Duration
	var numStr string

	switch {
	case strings.HasSuffix(s, "d"):
		multiplier = 24 * time.Hour
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "w"):
		multiplier = 7 * 24 * time.Hour
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "y"):
		multiplier = 365 * 24 * time.Hour
		numStr = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown duration suffix in %q", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number in %q: %v", s, err)
	}

	return time.Duration(val) * multiplier, nil
}

// SanitizeFilename removes or replaces invalid characters for cross-platform
// compatibility.
func SanitizeFilename(filename string) string {
	if runtime.GOOS == "windows" {
		// Windows invalid characters: < > : " | ? * and control characters
		invalidChars := []string{"<", ">", ":", "\"", "|", "?", "*"}
		result := filename

		for _, char := range invalidChars {
			result = strings.ReplaceAll(result, char, "_")
		}

		var sanitized strings.Builder
		for _, r := range result {
			if r >= 32 {
				sanitized.WriteRune(r)
			} else {
				sanitized.WriteRune('_')
			}
		}

		return sanitized.String()
	}

	// For Unix-like systems, just remove null characters
	return strings.ReplaceAll(filename, "\x00", "_")
}

// ValidatePathLength checks if the path length is within OS limits.
func ValidatePathLength(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %v", err)
	}

	pathLen := len(absPath)

	switch runtime.GOOS {
	case "windows":
		if pathLen > 260 {
			return fmt.Errorf("path too long for Windows: %d characters (limit: 260)", pathLen)
		}
	default:
		if pathLen > 4096 {
			return fmt.Errorf("path too long: %d characters (limit: 4096)", pathLen)
		}
	}

	return nil
}

// RetryFileOperation executes a file operation with retry logic for
// cross-platform reliability. Windows antivirus scans, network shares and
// overlay filesystems all produce transient failures that a short retry
// absorbs without masking real errors.
func RetryFileOperation(operation func() error, retryCount int, retryDelay time.Duration) error {
	if retryCount <= 0 {
		retryCount = 3
	}
	if retryDelay <= 0 {
		retryDelay = 10 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < retryCount; i++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		// On the last attempt, don't wait - fail fast
		if i < retryCount-1 {
			time.Sleep(retryDelay)
		}
	}

	return fmt.Errorf("operation failed after %d retries: %v", retryCount, lastErr)
}
