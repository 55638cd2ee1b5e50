// keys.go: Encryption key lifecycle - generation, rotation, pruning
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	keyMaterialSize = 32

	// minKeyRotationInterval bounds interval-based key rotation to prevent
	// thrashing from misconfigured timers.
	minKeyRotationInterval = time.Minute
)

// encryptionKey is one symmetric key. Keys are owned exclusively by the
// Keyring; key material never leaves the package.
type encryptionKey struct {
	id        string
	material  []byte
	createdAt time.Time
}

// Keyring manages the engine's encryption keys. At most one key is current
// at any time; every non-pruned key remains available for decrypting data
// written before a rotation. The key set never becomes empty once encryption
// has been enabled: pruning always retains the current key.
type Keyring struct {
	mu      sync.RWMutex
	keys    map[string]encryptionKey
	current string

	clock  func() time.Time
	report func(operation string, err error)

	stopTimer chan struct{}
	timerDone chan struct{}
	stopOnce  sync.Once
}

// newKeyring creates a keyring holding one freshly generated current key.
func newKeyring(clock func() time.Time, report func(string, error)) (*Keyring, error) {
	if clock == nil {
		clock = time.Now
	}
	if report == nil {
		report = func(string, error) {}
	}
	kr := &Keyring{
		keys:   make(map[string]encryptionKey),
		clock:  clock,
		report: report,
	}
	if _, err := kr.Rotate(); err != nil {
		return nil, err
	}
	return kr, nil
}

// CurrentKey returns the material and id of the key used for new
// encryptions. Readers take this snapshot once per operation; the current
// key changes only through Rotate.
func (kr *Keyring) CurrentKey() ([]byte, string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[kr.current]
	if !ok {
		return nil, "", ErrNotInitialized
	}
	return k.material, k.id, nil
}

// KeyByID returns the material for a previously generated key. The empty id
// resolves to the current key, which is how legacy envelopes (written before
// ids were embedded) are decrypted. A miss is ErrKeyNotFound and signals the
// caller to fail that specific decode only.
func (kr *Keyring) KeyByID(id string) ([]byte, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if id == "" {
		id = kr.current
	}
	k, ok := kr.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	return k.material, nil
}

// Rotate generates a new key and makes it current. The previous current key
// is kept so historical data stays decryptable until pruned.
func (kr *Keyring) Rotate() (string, error) {
	material := make([]byte, keyMaterialSize)
	if _, err := rand.Read(material); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	id := uuid.New().String()

	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[id] = encryptionKey{id: id, material: material, createdAt: kr.clock()}
	kr.current = id
	return id, nil
}

// Prune deletes all but the newest max(1, maxKeys) keys, ordered by creation
// time descending. The current key is always retained.
func (kr *Keyring) Prune(maxKeys int) {
	if maxKeys < 1 {
		maxKeys = 1
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()
	if len(kr.keys) <= maxKeys {
		return
	}

	sorted := make([]encryptionKey, 0, len(kr.keys))
	for _, k := range kr.keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].createdAt.After(sorted[j].createdAt)
	})

	keep := make(map[string]bool, maxKeys)
	keep[kr.current] = true
	for _, k := range sorted {
		if len(keep) >= maxKeys && !keep[k.id] {
			continue
		}
		keep[k.id] = true
	}
	for id := range kr.keys {
		if !keep[id] {
			delete(kr.keys, id)
		}
	}
}

// KeyCount returns the number of retained keys.
func (kr *Keyring) KeyCount() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.keys)
}

// startRotation begins interval-based key rotation. Each firing generates
// one key and prunes once. Errors are reported, never raised.
func (kr *Keyring) startRotation(interval time.Duration, maxKeys int) {
	if interval < minKeyRotationInterval {
		interval = minKeyRotationInterval
	}
	kr.stopTimer = make(chan struct{})
	kr.timerDone = make(chan struct{})

	go func() {
		defer close(kr.timerDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := kr.Rotate(); err != nil {
					kr.report("key_rotation", err)
					continue
				}
				kr.Prune(maxKeys)
			case <-kr.stopTimer:
				return
			}
		}
	}()
}

// stopRotation cancels the rotation timer and waits for it to exit, so it
// cannot fire after this returns.
func (kr *Keyring) stopRotation() {
	kr.stopOnce.Do(func() {
		if kr.stopTimer != nil {
			close(kr.stopTimer)
			<-kr.timerDone
		}
	})
}
