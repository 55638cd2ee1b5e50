// entry.go: Log entry model and newline-delimited line codec
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log entry.
type Level int32

// Severity levels, lowest first. The zero value is reserved so an unset
// level in configuration is distinguishable from LevelDebug.
const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelSuccess
	LevelWarning
	LevelError
)

// String returns the canonical lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// ParseLevel converts a level name to its Level value. Matching is
// case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "success":
		return LevelSuccess, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// Entry is a single structured log entry. Entries are immutable once
// constructed: the facade creates them, the codec and writer consume them,
// and readers reconstruct them with the timestamp restored from its
// serialized form.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Name      string
	Message   string
	Args      []any
}

// entryLine is the wire shape of one serialized entry.
type entryLine struct {
	Timestamp string `json:"ts"`
	Level     string `json:"level"`
	Name      string `json:"name,omitempty"`
	Message   string `json:"msg"`
	Args      []any  `json:"args,omitempty"`
}

// MarshalEntry serializes an entry to its on-disk line form, without the
// trailing newline. The timestamp is rendered in RFC 3339 with nanosecond
// precision so ordering survives the round trip.
func MarshalEntry(e Entry) ([]byte, error) {
	return json.Marshal(entryLine{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:     e.Level.String(),
		Name:      e.Name,
		Message:   e.Message,
		Args:      e.Args,
	})
}

// ParseEntry reconstructs an entry from one serialized line.
func ParseEntry(line []byte) (Entry, error) {
	var wire entryLine
	if err := json.Unmarshal(line, &wire); err != nil {
		return Entry{}, decodeErrorf(err, "malformed entry line")
	}
	ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return Entry{}, decodeErrorf(err, "malformed entry timestamp %q", wire.Timestamp)
	}
	level, err := ParseLevel(wire.Level)
	if err != nil {
		return Entry{}, decodeErrorf(err, "malformed entry level")
	}
	return Entry{
		Timestamp: ts,
		Level:     level,
		Name:      wire.Name,
		Message:   wire.Message,
		Args:      wire.Args,
	}, nil
}
