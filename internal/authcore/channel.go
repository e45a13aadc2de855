package authcore

import (
	"context"
	"sync"
	"time"
)

// Channel is one key-value persistence channel. The store adapter composes
// two of them: a primary client channel and a server-readable mirror.
type Channel interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value. A positive ttl bounds its lifetime.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryChannel is an in-memory Channel used for tests and single-process
// deployments.
type MemoryChannel struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	clock   Clock
}

// NewMemoryChannel constructs an empty in-memory channel.
func NewMemoryChannel(clock Clock) *MemoryChannel {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryChannel{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

// Get returns the value for key, purging it when its lifetime has elapsed.
func (channel *MemoryChannel) Get(ctx context.Context, key string) (string, bool, error) {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	channel.purgeExpiredLocked()
	entry, ok := channel.entries[key]
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores the value, bounded by ttl when positive.
func (channel *MemoryChannel) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = channel.clock.Now().Add(ttl)
	}
	channel.entries[key] = entry
	channel.purgeExpiredLocked()
	return nil
}

// Delete removes the key.
func (channel *MemoryChannel) Delete(ctx context.Context, key string) error {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	delete(channel.entries, key)
	return nil
}

func (channel *MemoryChannel) purgeExpiredLocked() {
	if len(channel.entries) == 0 {
		return
	}
	now := channel.clock.Now()
	for key, entry := range channel.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(channel.entries, key)
		}
	}
}
