// keys_test.go: Keyring lifecycle tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestKeyringStartsWithOneKey(t *testing.T) {
	kr, err := newKeyring(nil, nil)
	if err != nil {
		t.Fatalf("newKeyring: %v", err)
	}
	if got := kr.KeyCount(); got != 1 {
		t.Errorf("KeyCount = %d, want 1", got)
	}
	material, id, err := kr.CurrentKey()
	if err != nil {
		t.Fatalf("CurrentKey: %v", err)
	}
	if len(material) != keyMaterialSize {
		t.Errorf("key material length = %d, want %d", len(material), keyMaterialSize)
	}
	if id == "" {
		t.Error("current key has empty id")
	}
}

// Decryption must be key-agnostic: data sealed under an old key stays
// decodable after any number of rotations, because the envelope carries the
// id and the keyring retains old keys until pruned.
func TestKeyringOldDataSurvivesRotation(t *testing.T) {
	kr, err := newKeyring(nil, nil)
	if err != nil {
		t.Fatalf("newKeyring: %v", err)
	}

	material, id, err := kr.CurrentKey()
	if err != nil {
		t.Fatalf("CurrentKey: %v", err)
	}
	plaintext := []byte("sealed under the first key")
	encoded, err := encodeEnvelope(plaintext, material, id, AlgoAES256GCM, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := kr.Rotate(); err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
	}
	if _, currentID, _ := kr.CurrentKey(); currentID == id {
		t.Fatal("rotation did not change the current key")
	}

	decoded, err := decodeEnvelope(encoded, kr.KeyByID)
	if err != nil {
		t.Fatalf("decode after rotations: %v", err)
	}
	if !bytes.Equal(decoded, plaintext) {
		t.Errorf("decode mismatch: got %q", decoded)
	}
}

func TestKeyringKeyByID(t *testing.T) {
	kr, err := newKeyring(nil, nil)
	if err != nil {
		t.Fatalf("newKeyring: %v", err)
	}
	material, id, err := kr.CurrentKey()
	if err != nil {
		t.Fatalf("CurrentKey: %v", err)
	}

	// The empty id resolves to the current key; legacy data depends on it.
	byEmpty, err := kr.KeyByID("")
	if err != nil {
		t.Fatalf("KeyByID(\"\"): %v", err)
	}
	if !bytes.Equal(byEmpty, material) {
		t.Error("empty id did not resolve to the current key")
	}

	byID, err := kr.KeyByID(id)
	if err != nil {
		t.Fatalf("KeyByID(%q): %v", id, err)
	}
	if !bytes.Equal(byID, material) {
		t.Error("id lookup did not return current key material")
	}

	if _, err := kr.KeyByID("no-such-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing key lookup: got %v, want ErrKeyNotFound", err)
	}
}

func TestKeyringPrune(t *testing.T) {
	// A deterministic clock keeps creation-time ordering unambiguous.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	kr, err := newKeyring(clock, nil)
	if err != nil {
		t.Fatalf("newKeyring: %v", err)
	}
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := kr.Rotate()
		if err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if got := kr.KeyCount(); got != 6 {
		t.Fatalf("KeyCount before prune = %d, want 6", got)
	}

	kr.Prune(3)
	if got := kr.KeyCount(); got != 3 {
		t.Errorf("KeyCount after Prune(3) = %d, want 3", got)
	}
	// Newest three survive, older ones are gone.
	for _, id := range ids[2:] {
		if _, err := kr.KeyByID(id); err != nil {
			t.Errorf("recent key %q pruned: %v", id, err)
		}
	}
	for _, id := range ids[:2] {
		if _, err := kr.KeyByID(id); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("old key %q survived prune: %v", id, err)
		}
	}

	// Pruning to zero still keeps the current key.
	kr.Prune(0)
	if got := kr.KeyCount(); got != 1 {
		t.Errorf("KeyCount after Prune(0) = %d, want 1", got)
	}
	if _, _, err := kr.CurrentKey(); err != nil {
		t.Errorf("current key lost by prune: %v", err)
	}
}

func TestKeyringStopRotationIdempotent(t *testing.T) {
	kr, err := newKeyring(nil, nil)
	if err != nil {
		t.Fatalf("newKeyring: %v", err)
	}
	kr.startRotation(time.Minute, 3)
	kr.stopRotation()
	kr.stopRotation() // must not panic or block
}
