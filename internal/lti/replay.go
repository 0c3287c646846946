package lti

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReplayGuard records single-use values. Use returns true the first time
// (kind, value) is seen within ttl and false on every reuse.
type ReplayGuard interface {
	Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error)
}

// MemoryReplay is a process-local ReplayGuard. Expired entries are purged
// every purgeN calls.
type MemoryReplay struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	useCount uint64
	purgeN   uint64
	now      func() time.Time
}

func NewMemoryReplay(purgeEvery int) *MemoryReplay {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &MemoryReplay{
		entries: make(map[string]time.Time, 256),
		purgeN:  uint64(purgeEvery),
		now:     time.Now,
	}
}

func (m *MemoryReplay) Use(_ context.Context, kind, value string, ttl time.Duration) (bool, error) {
	kind = strings.TrimSpace(strings.ToLower(kind))
	value = strings.TrimSpace(value)
	if kind == "" || value == "" {
		return false, fmt.Errorf("replay: kind and value are required")
	}
	now := m.now()
	k := kind + "|" + value

	m.mu.Lock()
	defer m.mu.Unlock()

	m.useCount++
	if m.useCount%m.purgeN == 0 {
		for key, until := range m.entries {
			if !until.After(now) {
				delete(m.entries, key)
			}
		}
	}
	if until, ok := m.entries[k]; ok && until.After(now) {
		return false, nil
	}
	m.entries[k] = now.Add(ttl)
	return true, nil
}

// Len reports the number of tracked entries, expired or not.
func (m *MemoryReplay) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
