// Package positionstore persists the last acknowledged position per connector
// and per (shard, connector). Every backend serves both the plain and the
// sharded contract; the plain contract is the sharded one with shard "".
package positionstore

import (
	"context"

	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
)

// Unsharded is the shard key used by the plain PositionStore methods.
const Unsharded = ""

type Store interface {
	protocol.PositionStore
	protocol.ShardedPositionStore
	Close() error
}

func checkConnectorID(connectorID string) error {
	if connectorID == "" {
		return types.NewError(types.PositionStoreFailed, "connector id is required")
	}
	return nil
}

func encode(position types.Position) ([]byte, error) {
	if position == nil {
		return nil, types.NewError(types.PositionStoreFailed, "cannot save a nil position")
	}
	return types.EncodePosition(position), nil
}

func decode(connectorID, shardID string, raw []byte) (types.Position, error) {
	position, err := types.DecodePosition(raw)
	if err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "stored position of connector[%s] shard[%s] is corrupt", connectorID, shardID)
	}
	return position, nil
}

// shardScoped exposes one shard of a sharded store through the plain contract.
type shardScoped struct {
	store   protocol.ShardedPositionStore
	shardID string
}

// ForShard returns a PositionStore that reads and writes only shardID. It is
// what per-shard connectors receive so they stay unaware of sharding.
func ForShard(store protocol.ShardedPositionStore, shardID string) protocol.PositionStore {
	return &shardScoped{store: store, shardID: shardID}
}

func (s *shardScoped) GetPosition(ctx context.Context, connectorID string) (types.Position, bool, error) {
	return s.store.GetShardPosition(ctx, s.shardID, connectorID)
}

func (s *shardScoped) SavePosition(ctx context.Context, connectorID string, position types.Position) error {
	return s.store.SaveShardPosition(ctx, s.shardID, connectorID, position)
}

func (s *shardScoped) DeletePosition(ctx context.Context, connectorID string) error {
	return s.store.DeleteShardPosition(ctx, s.shardID, connectorID)
}
