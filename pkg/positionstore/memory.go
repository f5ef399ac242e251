package positionstore

import (
	"context"
	"sync"

	"github.com/datazip-inc/olake-cdc/types"
)

// Memory keeps positions in process memory. Positions are held encoded so a
// caller can never mutate a stored value.
type Memory struct {
	mu        sync.RWMutex
	positions map[string]map[string][]byte // connector -> shard -> encoded position
}

func NewMemory() *Memory {
	return &Memory{positions: make(map[string]map[string][]byte)}
}

func (m *Memory) GetPosition(ctx context.Context, connectorID string) (types.Position, bool, error) {
	return m.GetShardPosition(ctx, Unsharded, connectorID)
}

func (m *Memory) SavePosition(ctx context.Context, connectorID string, position types.Position) error {
	return m.SaveShardPosition(ctx, Unsharded, connectorID, position)
}

func (m *Memory) DeletePosition(ctx context.Context, connectorID string) error {
	return m.DeleteShardPosition(ctx, Unsharded, connectorID)
}

func (m *Memory) GetShardPosition(_ context.Context, shardID, connectorID string) (types.Position, bool, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	raw, found := m.positions[connectorID][shardID]
	m.mu.RUnlock()
	if !found {
		return nil, false, nil
	}
	position, err := decode(connectorID, shardID, raw)
	if err != nil {
		return nil, false, err
	}
	return position, true, nil
}

func (m *Memory) SaveShardPosition(_ context.Context, shardID, connectorID string, position types.Position) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	raw, err := encode(position)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	shards, ok := m.positions[connectorID]
	if !ok {
		shards = make(map[string][]byte)
		m.positions[connectorID] = shards
	}
	shards[shardID] = raw
	return nil
}

func (m *Memory) DeleteShardPosition(_ context.Context, shardID, connectorID string) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions[connectorID], shardID)
	if len(m.positions[connectorID]) == 0 {
		delete(m.positions, connectorID)
	}
	return nil
}

func (m *Memory) GetAllPositions(_ context.Context, connectorID string) (map[string]types.Position, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]types.Position, len(m.positions[connectorID]))
	for shardID, raw := range m.positions[connectorID] {
		if shardID == Unsharded {
			continue
		}
		position, err := decode(connectorID, shardID, raw)
		if err != nil {
			return nil, err
		}
		result[shardID] = position
	}
	return result, nil
}

func (m *Memory) Close() error {
	return nil
}
