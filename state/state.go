// Package state fingerprints raw messages so a bounce that was already
// recorded is never recorded twice, even when filing it failed earlier.
package state

import (
	"encoding/base64"
	"sync"

	"lukechampine.com/blake3"
)

// Key returns the idempotency key of a raw message.
func Key(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	sum := blake3.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// MemoryTracker remembers which archive position a key was first seen at.
// Offline classification uses it to spot repeated messages; live runs keep
// their keys in the store instead.
type MemoryTracker struct {
	mu    sync.RWMutex
	first map[string]uint32
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{first: make(map[string]uint32)}
}

// MarkProcessed records seq for hash unless the hash is already known.
func (m *MemoryTracker) MarkProcessed(hash string, seq uint32) {
	if hash == "" {
		return
	}

	m.mu.Lock()
	if _, exists := m.first[hash]; !exists {
		m.first[hash] = seq
	}
	m.mu.Unlock()
}

// FirstSeq returns the position hash was first marked at.
func (m *MemoryTracker) FirstSeq(hash string) (uint32, bool) {
	if hash == "" {
		return 0, false
	}

	m.mu.RLock()
	seq, ok := m.first[hash]
	m.mu.RUnlock()
	return seq, ok
}
