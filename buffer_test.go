// buffer_test.go: Fingers-crossed buffering tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"errors"
	"testing"
)

// collectSink records flushed lines in order.
func collectSink(out *[]string) func([]byte) error {
	return func(line []byte) error {
		*out = append(*out, string(line))
		return nil
	}
}

func TestFingersCrossedBuffersBelowActivation(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{Capacity: 8})
	var flushed []string
	sink := collectSink(&flushed)

	for _, msg := range []string{"d1", "d2", "i1"} {
		if err := fc.offer(LevelDebug, []byte(msg), sink); err != nil {
			t.Fatalf("offer: %v", err)
		}
	}
	if len(flushed) != 0 {
		t.Errorf("low-severity entries reached the sink: %v", flushed)
	}
	if got := fc.buffered(); got != 3 {
		t.Errorf("buffered = %d, want 3", got)
	}
	if fc.isActivated() {
		t.Error("buffer activated without a triggering entry")
	}
}

func TestFingersCrossedActivationFlushesInOrder(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{Capacity: 8})
	var flushed []string
	sink := collectSink(&flushed)

	fc.offer(LevelDebug, []byte("first"), sink)
	fc.offer(LevelDebug, []byte("second"), sink)
	if err := fc.offer(LevelError, []byte("boom"), sink); err != nil {
		t.Fatalf("activating offer: %v", err)
	}

	want := []string{"first", "second", "boom"}
	if len(flushed) != len(want) {
		t.Fatalf("flushed %v, want %v", flushed, want)
	}
	for i := range want {
		if flushed[i] != want[i] {
			t.Errorf("flushed[%d] = %q, want %q", i, flushed[i], want[i])
		}
	}
	if !fc.isActivated() {
		t.Fatal("buffer did not activate")
	}

	// Subsequent entries bypass the buffer entirely.
	fc.offer(LevelDebug, []byte("after"), sink)
	if len(flushed) != 4 || flushed[3] != "after" {
		t.Errorf("post-activation entry not written through: %v", flushed)
	}
	if got := fc.buffered(); got != 0 {
		t.Errorf("buffered after activation = %d, want 0", got)
	}
}

func TestFingersCrossedEviction(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{Capacity: 3})
	var flushed []string
	sink := collectSink(&flushed)

	for _, msg := range []string{"a", "b", "c", "d"} {
		fc.offer(LevelDebug, []byte(msg), sink)
	}
	if got := fc.buffered(); got != 3 {
		t.Errorf("buffered = %d, want 3", got)
	}
	if got := fc.evictedCount(); got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}

	// Oldest entry was evicted; activation flushes the surviving three.
	fc.offer(LevelError, []byte("boom"), sink)
	want := []string{"b", "c", "d", "boom"}
	if len(flushed) != len(want) {
		t.Fatalf("flushed %v, want %v", flushed, want)
	}
	for i := range want {
		if flushed[i] != want[i] {
			t.Errorf("flushed[%d] = %q, want %q", i, flushed[i], want[i])
		}
	}
}

func TestFingersCrossedActivationLevel(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{ActivationLevel: LevelWarning, Capacity: 8})
	var flushed []string
	sink := collectSink(&flushed)

	fc.offer(LevelInfo, []byte("quiet"), sink)
	if fc.isActivated() {
		t.Fatal("info entry activated a warning-level buffer")
	}
	fc.offer(LevelWarning, []byte("louder"), sink)
	if !fc.isActivated() {
		t.Fatal("warning entry did not activate a warning-level buffer")
	}
	if len(flushed) != 2 {
		t.Errorf("flushed %v, want both entries", flushed)
	}
}

// An explicitly configured debug activation level means write-through: the
// very first entry activates the buffer. It must not be mistaken for the
// unset default.
func TestFingersCrossedExplicitDebugActivation(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{ActivationLevel: LevelDebug, Capacity: 8})
	var flushed []string
	sink := collectSink(&flushed)

	if err := fc.offer(LevelDebug, []byte("immediate"), sink); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if !fc.isActivated() {
		t.Fatal("debug entry did not activate a debug-level buffer")
	}
	if len(flushed) != 1 || flushed[0] != "immediate" {
		t.Errorf("flushed = %v, want the entry written through", flushed)
	}

	// The unset default still waits for an error.
	def := newFingersCrossed(&FingersCrossedConfig{Capacity: 8})
	def.offer(LevelWarning, []byte("held"), sink)
	if def.isActivated() {
		t.Error("warning entry activated a default-level buffer")
	}
}

func TestFingersCrossedDeactivate(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{Capacity: 8})
	var flushed []string
	sink := collectSink(&flushed)

	fc.offer(LevelError, []byte("boom"), sink)
	if !fc.isActivated() {
		t.Fatal("buffer did not activate")
	}

	if err := fc.deactivate(sink); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if fc.isActivated() {
		t.Error("buffer still activated after deactivate")
	}

	// Back to buffering: low-severity entries are held again.
	fc.offer(LevelDebug, []byte("held"), sink)
	if got := fc.buffered(); got != 1 {
		t.Errorf("buffered after deactivate = %d, want 1", got)
	}
}

func TestFingersCrossedKeepOnFlush(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{Capacity: 8, KeepOnFlush: true})
	var flushed []string
	sink := collectSink(&flushed)

	fc.offer(LevelDebug, []byte("kept"), sink)
	fc.offer(LevelError, []byte("boom"), sink)

	// The history was flushed but also retained.
	if got := fc.buffered(); got != 1 {
		t.Errorf("buffered after keep-on-flush activation = %d, want 1", got)
	}
	if err := fc.drainBuffered(sink); err != nil {
		t.Fatalf("drainBuffered: %v", err)
	}
	if got := fc.buffered(); got != 0 {
		t.Errorf("buffered after drain = %d, want 0", got)
	}
	if len(flushed) != 3 || flushed[2] != "kept" {
		t.Errorf("drain output unexpected: %v", flushed)
	}
}

func TestFingersCrossedFlushOnDeactivate(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{Capacity: 8, FlushOnDeactivate: true})
	var flushed []string
	sink := collectSink(&flushed)

	fc.offer(LevelDebug, []byte("pending"), sink)
	if err := fc.deactivate(sink); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(flushed) != 1 || flushed[0] != "pending" {
		t.Errorf("flush-on-deactivate output = %v", flushed)
	}
	if got := fc.buffered(); got != 0 {
		t.Errorf("buffered after deactivate = %d, want 0", got)
	}
}

func TestFingersCrossedSinkFailureDuringFlush(t *testing.T) {
	fc := newFingersCrossed(&FingersCrossedConfig{Capacity: 8})
	fc.offer(LevelDebug, []byte("one"), nil)
	fc.offer(LevelDebug, []byte("two"), nil)

	sinkErr := errors.New("disk unavailable")
	err := fc.offer(LevelError, []byte("boom"), func([]byte) error { return sinkErr })
	if !errors.Is(err, sinkErr) {
		t.Errorf("flush failure not surfaced: %v", err)
	}
	// Activation sticks even when the flush failed.
	if !fc.isActivated() {
		t.Error("buffer not activated after failed flush")
	}
}
