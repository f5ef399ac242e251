package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datazip-inc/olake-cdc/types"
)

// Memory is a process local store. Entries do not survive a restart; use
// SQLite where that matters.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]types.DeadLetterEntry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]types.DeadLetterEntry)}
}

func (m *Memory) RecordFailure(_ context.Context, event types.ChangeEvent, reason string, origin types.FailureContext) (types.DeadLetterEntry, error) {
	entry := newEntry(event, reason, origin)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	return entry, nil
}

func (m *Memory) GetPending(_ context.Context, limit int) ([]types.DeadLetterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]types.DeadLetterEntry, 0)
	for _, entry := range m.entries {
		if entry.State == types.Pending {
			pending = append(pending, entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].FirstSeenAt.Equal(pending[j].FirstSeenAt) {
			return pending[i].FirstSeenAt.Before(pending[j].FirstSeenAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit >= 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *Memory) CountPending(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entry := range m.entries {
		if entry.State == types.Pending {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Get(_ context.Context, id string) (types.DeadLetterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok {
		return types.DeadLetterEntry{}, notFound(id)
	}
	return entry, nil
}

func (m *Memory) Resolve(_ context.Context, id string, resolution types.ResolutionState) error {
	if err := checkResolution(resolution); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return notFound(id)
	}
	if entry.State != types.Pending {
		return alreadyResolved(id, entry.State)
	}
	now := time.Now().UTC()
	entry.State = resolution
	entry.ResolvedAtUTC = &now
	m.entries[id] = entry
	return nil
}

func (m *Memory) Close() error {
	return nil
}
