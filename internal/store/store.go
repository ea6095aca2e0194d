// Package store implements the per-run shared context store: an append-only,
// versioned key/value map holding step outputs.
package store

import (
	"errors"
	"sync"
	"time"
)

// ErrFrozen is returned by Put once the owning run has reached a terminal
// state.
var ErrFrozen = errors.New("context store is frozen")

// Entry is one versioned value for a key. Versions start at 1 and grow by
// completion order of the producing steps.
type Entry struct {
	Key     string    `yaml:"key" json:"key"`
	Version int       `yaml:"version" json:"version"`
	Value   any       `yaml:"value" json:"value"`
	StepID  string    `yaml:"step_id" json:"step_id"`
	At      time.Time `yaml:"at" json:"at"`
}

// Snapshot is a consistent point-in-time view of the latest value per key.
type Snapshot map[string]Entry

// ContextStore is exclusive to one run: the producing step is the only
// writer for its value, readers are unbounded.
type ContextStore struct {
	mu     sync.RWMutex
	values map[string][]Entry
	frozen bool
}

func New() *ContextStore {
	return &ContextStore{values: make(map[string][]Entry)}
}

// Put appends a new version for key and returns its version number.
func (c *ContextStore) Put(key string, value any, stepID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return 0, ErrFrozen
	}
	version := len(c.values[key]) + 1
	c.values[key] = append(c.values[key], Entry{
		Key:     key,
		Version: version,
		Value:   value,
		StepID:  stepID,
		At:      time.Now().UTC(),
	})
	return version, nil
}

// Latest returns the newest entry for key.
func (c *ContextStore) Latest(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.values[key]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// Get returns a specific version for key (versions are 1-based).
func (c *ContextStore) Get(key string, version int) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.values[key]
	if version < 1 || version > len(entries) {
		return Entry{}, false
	}
	return entries[version-1], true
}

// History returns every version recorded for key, oldest first.
func (c *ContextStore) History(key string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.values[key]...)
}

// Keys returns all keys with at least one value.
func (c *ContextStore) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot captures the latest value of every key under one lock
// acquisition; readers never observe a partially written value.
func (c *ContextStore) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(Snapshot, len(c.values))
	for k, entries := range c.values {
		snap[k] = entries[len(entries)-1]
	}
	return snap
}

// Freeze makes the store read-only. Called when the run reaches a terminal
// state; late writes from discarded attempts fail with ErrFrozen.
func (c *ContextStore) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// Frozen reports whether the store has been frozen.
func (c *ContextStore) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}
