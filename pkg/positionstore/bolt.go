package positionstore

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/types"
	"go.etcd.io/bbolt"
)

var positionsBucket = []byte("positions")

// bbolt rejects empty keys, so every shard key carries a prefix.
const shardKeyPrefix = "shard/"

func shardKey(shardID string) []byte {
	return []byte(shardKeyPrefix + shardID)
}

// Bolt persists positions in a bbolt file: one nested bucket per connector,
// one key per shard.
type Bolt struct {
	db *bbolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to open bbolt position store at %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(positionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to create positions bucket")
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) GetPosition(ctx context.Context, connectorID string) (types.Position, bool, error) {
	return b.GetShardPosition(ctx, Unsharded, connectorID)
}

func (b *Bolt) SavePosition(ctx context.Context, connectorID string, position types.Position) error {
	return b.SaveShardPosition(ctx, Unsharded, connectorID, position)
}

func (b *Bolt) DeletePosition(ctx context.Context, connectorID string) error {
	return b.DeleteShardPosition(ctx, Unsharded, connectorID)
}

func (b *Bolt) GetShardPosition(ctx context.Context, shardID, connectorID string) (types.Position, bool, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, types.WrapError(types.PositionStoreFailed, err, "get position cancelled")
	}

	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		connector := tx.Bucket(positionsBucket).Bucket([]byte(connectorID))
		if connector == nil {
			return nil
		}
		if value := connector.Get(shardKey(shardID)); value != nil {
			// values are only valid for the life of the transaction
			raw = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, false, types.WrapError(types.PositionStoreFailed, err, "failed to read position of connector[%s]", connectorID)
	}
	if raw == nil {
		return nil, false, nil
	}
	position, err := decode(connectorID, shardID, raw)
	if err != nil {
		return nil, false, err
	}
	return position, true, nil
}

func (b *Bolt) SaveShardPosition(ctx context.Context, shardID, connectorID string, position types.Position) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	raw, err := encode(position)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "save position cancelled")
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		connector, err := tx.Bucket(positionsBucket).CreateBucketIfNotExists([]byte(connectorID))
		if err != nil {
			return err
		}
		return connector.Put(shardKey(shardID), raw)
	})
	if err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "failed to save position of connector[%s]", connectorID)
	}
	return nil
}

func (b *Bolt) DeleteShardPosition(ctx context.Context, shardID, connectorID string) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "delete position cancelled")
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		connector := tx.Bucket(positionsBucket).Bucket([]byte(connectorID))
		if connector == nil {
			return nil
		}
		return connector.Delete(shardKey(shardID))
	})
	if err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "failed to delete position of connector[%s]", connectorID)
	}
	return nil
}

func (b *Bolt) GetAllPositions(ctx context.Context, connectorID string) (map[string]types.Position, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "list positions cancelled")
	}

	raws := make(map[string][]byte)
	err := b.db.View(func(tx *bbolt.Tx) error {
		connector := tx.Bucket(positionsBucket).Bucket([]byte(connectorID))
		if connector == nil {
			return nil
		}
		return connector.ForEach(func(k, v []byte) error {
			shardID := string(k[len(shardKeyPrefix):])
			if shardID != Unsharded {
				raws[shardID] = append([]byte(nil), v...)
			}
			return nil
		})
	})
	if err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to list positions of connector[%s]", connectorID)
	}

	result := make(map[string]types.Position, len(raws))
	for shardID, raw := range raws {
		position, err := decode(connectorID, shardID, raw)
		if err != nil {
			return nil, err
		}
		result[shardID] = position
	}
	return result, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
