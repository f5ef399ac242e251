package positionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datazip-inc/olake-cdc/types"
	"github.com/redis/go-redis/v9"
)

// Redis persists positions as one hash per connector with one field per shard.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, address, keyPrefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: address})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to ping redis at %s", address)
	}
	return &Redis{client: client, prefix: keyPrefix}, nil
}

func (r *Redis) hashKey(connectorID string) string {
	return fmt.Sprintf("%s:positions:%s", r.prefix, connectorID)
}

func (r *Redis) GetPosition(ctx context.Context, connectorID string) (types.Position, bool, error) {
	return r.GetShardPosition(ctx, Unsharded, connectorID)
}

func (r *Redis) SavePosition(ctx context.Context, connectorID string, position types.Position) error {
	return r.SaveShardPosition(ctx, Unsharded, connectorID, position)
}

func (r *Redis) DeletePosition(ctx context.Context, connectorID string) error {
	return r.DeleteShardPosition(ctx, Unsharded, connectorID)
}

func (r *Redis) GetShardPosition(ctx context.Context, shardID, connectorID string) (types.Position, bool, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, false, err
	}
	raw, err := r.client.HGet(ctx, r.hashKey(connectorID), string(shardKey(shardID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.WrapError(types.PositionStoreFailed, err, "failed to read position of connector[%s]", connectorID)
	}
	position, err := decode(connectorID, shardID, raw)
	if err != nil {
		return nil, false, err
	}
	return position, true, nil
}

func (r *Redis) SaveShardPosition(ctx context.Context, shardID, connectorID string, position types.Position) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	raw, err := encode(position)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.hashKey(connectorID), string(shardKey(shardID)), raw).Err(); err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "failed to save position of connector[%s]", connectorID)
	}
	return nil
}

func (r *Redis) DeleteShardPosition(ctx context.Context, shardID, connectorID string) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	if err := r.client.HDel(ctx, r.hashKey(connectorID), string(shardKey(shardID))).Err(); err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "failed to delete position of connector[%s]", connectorID)
	}
	return nil
}

func (r *Redis) GetAllPositions(ctx context.Context, connectorID string) (map[string]types.Position, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, err
	}
	fields, err := r.client.HGetAll(ctx, r.hashKey(connectorID)).Result()
	if err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to list positions of connector[%s]", connectorID)
	}

	result := make(map[string]types.Position, len(fields))
	for field, raw := range fields {
		shardID := strings.TrimPrefix(field, shardKeyPrefix)
		if shardID == Unsharded {
			continue
		}
		position, err := decode(connectorID, shardID, []byte(raw))
		if err != nil {
			return nil, err
		}
		result[shardID] = position
	}
	return result, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
