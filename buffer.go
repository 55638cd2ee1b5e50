// buffer.go: Fingers-crossed buffering - hold history until it matters
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import "sync"

const defaultFingersCrossedCapacity = 64

// bufferedEntry is one formatted line awaiting a possible flush.
type bufferedEntry struct {
	level Level
	line  []byte
}

// fingersCrossed withholds low-severity entries in a bounded FIFO until an
// alarming entry proves the surrounding context is worth keeping. Two
// states: Buffering (initial) and Activated. On activation every buffered
// entry is flushed in original order, then subsequent entries bypass the
// buffer entirely. The FIFO is lossy by design: at capacity the oldest
// entry is evicted. This is a diagnostic aid, not a durability guarantee.
type fingersCrossed struct {
	mu                sync.Mutex
	capacity          int
	activation        Level
	keepOnFlush       bool
	flushOnDeactivate bool

	activated bool
	entries   []bufferedEntry
	evicted   uint64
}

func newFingersCrossed(cfg *FingersCrossedConfig) *fingersCrossed {
	fc := &fingersCrossed{
		capacity:          cfg.Capacity,
		activation:        cfg.ActivationLevel,
		keepOnFlush:       cfg.KeepOnFlush,
		flushOnDeactivate: cfg.FlushOnDeactivate,
	}
	if fc.capacity == 0 {
		fc.capacity = defaultFingersCrossedCapacity
	}
	if fc.activation == 0 {
		fc.activation = LevelError
	}
	return fc
}

// offer feeds one formatted entry through the buffer. sink performs the
// durable write. The lock is held across an activation flush so the history
// reaches the sink in original order before any concurrent entry.
func (fc *fingersCrossed) offer(level Level, line []byte, sink func([]byte) error) error {
	fc.mu.Lock()

	if fc.activated {
		fc.mu.Unlock()
		return sink(line)
	}

	if level >= fc.activation {
		fc.activated = true
		history := fc.entries
		if fc.keepOnFlush {
			history = make([]bufferedEntry, len(fc.entries))
			copy(history, fc.entries)
		} else {
			fc.entries = nil
		}
		defer fc.mu.Unlock()
		for _, buffered := range history {
			if err := sink(buffered.line); err != nil {
				return err
			}
		}
		return sink(line)
	}

	if len(fc.entries) >= fc.capacity {
		// Evict oldest first.
		n := copy(fc.entries, fc.entries[1:])
		fc.entries = fc.entries[:n]
		fc.evicted++
	}
	held := make([]byte, len(line))
	copy(held, line)
	fc.entries = append(fc.entries, bufferedEntry{level: level, line: held})
	fc.mu.Unlock()
	return nil
}

// deactivate returns the buffer to the Buffering state. When configured to
// flush on deactivation, remaining buffered entries are written out first.
func (fc *fingersCrossed) deactivate(sink func([]byte) error) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.flushOnDeactivate {
		for _, buffered := range fc.entries {
			if err := sink(buffered.line); err != nil {
				return err
			}
		}
		fc.entries = nil
	}
	fc.activated = false
	return nil
}

// drainBuffered writes every held entry through the sink and clears the
// buffer. Used to empty a keep-on-flush buffer explicitly.
func (fc *fingersCrossed) drainBuffered(sink func([]byte) error) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, buffered := range fc.entries {
		if err := sink(buffered.line); err != nil {
			return err
		}
	}
	fc.entries = nil
	return nil
}

// buffered returns the number of entries currently held.
func (fc *fingersCrossed) buffered() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.entries)
}

// evictedCount returns how many entries were lost to capacity eviction.
func (fc *fingersCrossed) evictedCount() uint64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.evicted
}

// isActivated reports whether the buffer is in direct-write mode.
func (fc *fingersCrossed) isActivated() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.activated
}
