package schema

import (
	"fmt"
	"sync"
	"time"
)

// SnapshotKey builds the cache key for a group's view of the schema at a
// specific version. Bumping the version abandons every key minted against
// the old one; abandoned entries age out through the TTL.
func SnapshotKey(groupID int, version string) string {
	return fmt.Sprintf("schema:%d:%s", groupID, version)
}

// SnapshotStore caches encoded schema snapshots. Values are opaque blobs;
// concurrent writers of the same key resolve last-write-wins.
type SnapshotStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, blob []byte, ttl time.Duration)
	Delete(key string)
}

type memoryEntry struct {
	blob    []byte
	expires time.Time
}

// MemorySnapshots is an in-process SnapshotStore with per-entry TTL.
type MemorySnapshots struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{entries: make(map[string]memoryEntry)}
}

func (m *MemorySnapshots) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		m.mu.Lock()
		if e, ok := m.entries[key]; ok && time.Now().After(e.expires) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return entry.blob, true
}

func (m *MemorySnapshots) Set(key string, blob []byte, ttl time.Duration) {
	m.mu.Lock()
	m.entries[key] = memoryEntry{blob: blob, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
}

func (m *MemorySnapshots) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len reports live entries, expired ones included until their next Get.
func (m *MemorySnapshots) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
