package cli

import (
	"context"
	"fmt"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/deadletter"
	"github.com/datazip-inc/olake-cdc/pkg/positionstore"
	"github.com/datazip-inc/olake-cdc/protocol"
)

// positionStore is satisfied by every positionstore backend.
type positionStore interface {
	protocol.PositionStore
	protocol.ShardedPositionStore
	Close() error
}

type deadLetterStore interface {
	protocol.DeadLetterStore
	CountPending(ctx context.Context) (int, error)
}

func openPositionStore(ctx context.Context, config protocol.PositionStoreConfig) (positionStore, error) {
	logger.Infof("using %s position store", config.Type)
	switch config.Type {
	case protocol.MemoryPositionStore:
		logger.Warn("positions are kept in memory and lost on exit")
		return positionstore.NewMemory(), nil
	case protocol.BoltPositionStore:
		return positionstore.NewBolt(config.Path)
	case protocol.PostgresPositionStore:
		return positionstore.NewPostgres(ctx, config.DSN)
	case protocol.RedisPositionStore:
		return positionstore.NewRedis(ctx, config.Address, config.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported position store type %q", config.Type)
	}
}

func openDeadLetterStore(ctx context.Context, config protocol.DeadLetterConfig) (deadLetterStore, error) {
	logger.Infof("using %s dead letter store", config.Type)
	switch config.Type {
	case protocol.MemoryDeadLetterStore:
		return deadletter.NewMemory(), nil
	case protocol.SQLiteDeadLetterStore:
		return deadletter.NewSQLite(ctx, config.Path)
	default:
		return nil, fmt.Errorf("unsupported dead letter store type %q", config.Type)
	}
}
