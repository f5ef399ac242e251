package protocol

import (
	"context"
	"iter"

	"github.com/datazip-inc/olake-cdc/types"
)

type Config interface {
	Validate() error
}

// Stream is a lazy, pull-based sequence of change events. Errors are yielded
// in-band; a connector ends the sequence after yielding a stream error.
type Stream = iter.Seq2[types.ChangeEvent, error]

// Connector produces one ordered, resumable change stream for a single source.
//
// A connector reads its start position once, before streaming begins; to
// resume after a failure construct a new connector.
type Connector interface {
	ID() string
	GetCurrentPosition(ctx context.Context) (types.Position, error)
	StreamChanges(ctx context.Context) Stream
}

// Acknowledger is implemented by connectors whose source wants to learn the
// durably processed position (e.g. to recycle write-ahead log).
type Acknowledger interface {
	Acknowledge(ctx context.Context, position types.Position) error
}

// PositionStore persists the last acknowledged position of a connector.
// At most one writer per connector id is expected.
type PositionStore interface {
	// GetPosition returns found=false when nothing was ever saved.
	GetPosition(ctx context.Context, connectorID string) (position types.Position, found bool, err error)
	SavePosition(ctx context.Context, connectorID string, position types.Position) error
	DeletePosition(ctx context.Context, connectorID string) error
}

// ShardedPositionStore widens the key to (shard, connector). Writers of
// distinct shards may run concurrently.
type ShardedPositionStore interface {
	GetShardPosition(ctx context.Context, shardID, connectorID string) (types.Position, bool, error)
	SaveShardPosition(ctx context.Context, shardID, connectorID string, position types.Position) error
	DeleteShardPosition(ctx context.Context, shardID, connectorID string) error
	GetAllPositions(ctx context.Context, connectorID string) (map[string]types.Position, error)
}

// DeadLetterStore quarantines events that could not be processed. Entries
// outlive the connector that produced them.
type DeadLetterStore interface {
	RecordFailure(ctx context.Context, event types.ChangeEvent, reason string, origin types.FailureContext) (types.DeadLetterEntry, error)
	// GetPending returns at most limit pending entries, oldest first.
	GetPending(ctx context.Context, limit int) ([]types.DeadLetterEntry, error)
	Get(ctx context.Context, id string) (types.DeadLetterEntry, error)
	// Resolve moves a pending entry to Replayed or Discarded; terminal states are immutable.
	Resolve(ctx context.Context, id string, resolution types.ResolutionState) error
	Close() error
}

// Driver builds connectors for one provider family from its config.
type Driver interface {
	// Setting up config reference in driver i.e. must be pointer
	GetConfigRef() Config
	Spec() any
	Type() string
	// ConnectorID is the id connectors of this driver save positions under.
	ConnectorID() string
	// Common returns the provider independent config blocks.
	Common() *CommonConfig
	// Setup validates config and opens metadata clients; it does not start streaming.
	Setup(ctx context.Context) error
	// ShardIDs lists configured shards; empty means an unsharded deployment.
	ShardIDs() []string
	// Tables lists the subscribed tables; empty means every table the source emits.
	Tables() []types.TableRef
	// NewConnector builds the connector for shardID ("" when unsharded) and
	// resolves its start position from store.
	NewConnector(ctx context.Context, shardID string, store PositionStore) (Connector, error)
	Close() error
}
