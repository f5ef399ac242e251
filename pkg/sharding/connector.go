// Package sharding fans N per-shard connectors into one stream.
//
// The merged stream is ordered by capture time with the shard id breaking
// ties. Shards have independent clocks, so the order is an approximation of
// global commit order; consumers that need strict per-key order must
// partition by key.
package sharding

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/metrics"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
)

type ShardedStream = iter.Seq2[types.ShardedChangeEvent, error]

type Option func(*Connector)

// WithMergeWindow bounds how long the merge waits for a silent shard before
// emitting events of the others.
func WithMergeWindow(window time.Duration) Option {
	return func(c *Connector) {
		if window > 0 {
			c.mergeWindow = window
		}
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Connector) {
		c.metrics = collector
	}
}

// Connector composes one protocol.Connector per shard.
type Connector struct {
	connectorID string
	shards      map[string]protocol.Connector
	store       protocol.ShardedPositionStore
	mergeWindow time.Duration
	metrics     *metrics.Collector

	mu       sync.RWMutex
	failed   map[string]error
	observed map[string]types.Position
	cached   map[string]types.Position
}

// New wraps shards. connectorID is the provider connector id the shard
// positions are stored under.
func New(connectorID string, shards map[string]protocol.Connector, store protocol.ShardedPositionStore, opts ...Option) (*Connector, error) {
	if len(shards) == 0 {
		return nil, types.NewError(types.ShardNotFound, "no shards configured for %s", connectorID)
	}
	c := &Connector{
		connectorID: connectorID,
		shards:      shards,
		store:       store,
		mergeWindow: constants.DefaultMergeWindow,
		failed:      make(map[string]error),
		observed:    make(map[string]types.Position),
		cached:      make(map[string]types.Position),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.SetActiveShards(len(shards))
	return c, nil
}

func (c *Connector) ID() string {
	return c.connectorID
}

// ShardIDs lists every configured shard, sorted.
func (c *Connector) ShardIDs() []string {
	ids := make([]string, 0, len(c.shards))
	for id := range c.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shard returns the underlying connector of shardID.
func (c *Connector) Shard(shardID string) (protocol.Connector, error) {
	conn, ok := c.shards[shardID]
	if !ok {
		return nil, types.NewError(types.ShardNotFound, "shard %q is not configured", shardID)
	}
	return conn, nil
}

// ActiveShardIDs lists shards whose stream has not failed, sorted.
func (c *Connector) ActiveShardIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.shards))
	for _, id := range c.ShardIDs() {
		if _, failed := c.failed[id]; !failed {
			ids = append(ids, id)
		}
	}
	return ids
}

// ShardError returns the error that removed shardID from the active set.
func (c *Connector) ShardError(shardID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed[shardID]
}

func (c *Connector) markFailed(shardID string, err error) error {
	shardErr := &types.Error{
		Code:    types.ShardStreamFailed,
		Message: "shard stream failed",
		ShardID: shardID,
		Err:     err,
	}
	c.mu.Lock()
	c.failed[shardID] = shardErr
	active := len(c.shards) - len(c.failed)
	c.mu.Unlock()

	logger.Errorf("shard[%s] of %s failed, %d shards still active: %s", shardID, c.connectorID, active, err)
	c.metrics.ShardFailed(shardID)
	c.metrics.SetActiveShards(active)
	return shardErr
}

func (c *Connector) observe(shardID string, position types.Position) {
	if position == nil {
		return
	}
	c.mu.Lock()
	c.observed[shardID] = position
	c.mu.Unlock()
}

// ObservedPositions returns the position of the last event emitted per shard.
// These positions are not necessarily processed yet.
func (c *Connector) ObservedPositions() map[string]types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]types.Position, len(c.observed))
	for id, position := range c.observed {
		snapshot[id] = position
	}
	return snapshot
}

// GetAllPositions returns the saved position of every active shard.
func (c *Connector) GetAllPositions(ctx context.Context) (map[string]types.Position, error) {
	saved, err := c.store.GetAllPositions(ctx, c.connectorID)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]types.Position, len(saved))
	for _, id := range c.ActiveShardIDs() {
		if position, ok := saved[id]; ok {
			snapshot[id] = position
		}
	}
	return snapshot, nil
}

// RefreshPositions reloads the cached position snapshot. It is idempotent
// and meant to be driven by a PeriodicRefresher.
func (c *Connector) RefreshPositions(ctx context.Context) error {
	snapshot, err := c.GetAllPositions(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = snapshot
	c.mu.Unlock()
	return nil
}

// CachedPositions returns the snapshot taken by the last RefreshPositions.
func (c *Connector) CachedPositions() map[string]types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached
}

// StreamShard streams a single shard without merging. An unknown shard is
// reported before streaming starts. Per-event errors are yielded and the
// shard keeps streaming; any other error marks it failed.
func (c *Connector) StreamShard(ctx context.Context, shardID string) (ShardedStream, error) {
	conn, err := c.Shard(shardID)
	if err != nil {
		return nil, err
	}
	return func(yield func(types.ShardedChangeEvent, error) bool) {
		for event, err := range conn.StreamChanges(ctx) {
			if ctx.Err() != nil {
				return
			}
			if err != nil && skippable(err) {
				if !yield(types.ShardedChangeEvent{ShardID: shardID}, err) {
					return
				}
				continue
			}
			if err != nil {
				yield(types.ShardedChangeEvent{ShardID: shardID}, c.markFailed(shardID, err))
				return
			}
			c.observe(shardID, event.Metadata.Position)
			if !yield(types.ShardedChangeEvent{ShardID: shardID, Event: event}, nil) {
				return
			}
		}
	}, nil
}
