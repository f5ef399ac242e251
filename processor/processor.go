// Package processor drives change streams through the dispatcher, advancing
// positions on success and quarantining events that fail.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/dispatcher"
	"github.com/datazip-inc/olake-cdc/pkg/metrics"
	"github.com/datazip-inc/olake-cdc/pkg/positionstore"
	"github.com/datazip-inc/olake-cdc/pkg/sharding"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/hashicorp/go-multierror"
)

type Processor struct {
	dispatcher  *dispatcher.Dispatcher
	deadLetters protocol.DeadLetterStore
	metrics     *metrics.Collector
	// noSave streams without persisting positions, e.g. for dry runs
	noSave bool

	dispatched   atomic.Int64
	deadLettered atomic.Int64
	saveFailures atomic.Int64
	skipped      atomic.Int64
}

type Option func(*Processor)

func WithMetrics(collector *metrics.Collector) Option {
	return func(p *Processor) {
		p.metrics = collector
	}
}

func WithoutSave() Option {
	return func(p *Processor) {
		p.noSave = true
	}
}

func New(d *dispatcher.Dispatcher, deadLetters protocol.DeadLetterStore, opts ...Option) *Processor {
	p := &Processor{dispatcher: d, deadLetters: deadLetters}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats feeds logger.StatsLogger.
func (p *Processor) Stats() map[string]any {
	return map[string]any{
		"Events Dispatched":      p.dispatched.Load(),
		"Dead Letters Recorded":  p.deadLettered.Load(),
		"Position Save Failures": p.saveFailures.Load(),
		"Undecodable Changes":    p.skipped.Load(),
	}
}

// skip reports whether a stream error concerns one undecodable change only.
// Its position is never saved, so a restart from the last saved position
// retries it.
func (p *Processor) skip(connectorID string, err error) bool {
	if types.CodeOf(err) != types.DeserializationFailed {
		return false
	}
	p.skipped.Add(1)
	logger.Warnf("skipping undecodable change of %s: %s", connectorID, err)
	return true
}

// Run consumes conn until the stream ends, ctx is cancelled or the stream
// yields an error. Stream errors are returned; cancellation is not an error.
func (p *Processor) Run(ctx context.Context, conn protocol.Connector, store protocol.PositionStore) error {
	logger.Infof("processing changes of %s", conn.ID())
	for event, err := range conn.StreamChanges(ctx) {
		if err != nil {
			if p.skip(conn.ID(), err) {
				continue
			}
			return err
		}
		if err := p.handle(ctx, conn, store, "", event); err != nil {
			return err
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// RunSharded consumes the merged stream of every active shard. A failing shard
// is logged and left behind; Run only fails once no shard is left.
func (p *Processor) RunSharded(ctx context.Context, sc *sharding.Connector, store protocol.ShardedPositionStore) error {
	var shardErrs *multierror.Error
	for event, err := range sc.StreamAllShards(ctx) {
		if err != nil {
			if p.skip(sc.ID(), err) {
				continue
			}
			if types.CodeOf(err) != types.ShardStreamFailed {
				return err
			}
			shardErrs = multierror.Append(shardErrs, err)
			logger.Errorf("continuing with shards %v: %s", sc.ActiveShardIDs(), err)
			continue
		}
		conn, err := sc.Shard(event.ShardID)
		if err != nil {
			return err
		}
		if err := p.handle(ctx, conn, positionstore.ForShard(store, event.ShardID), event.ShardID, event.Event); err != nil {
			return err
		}
	}
	if len(sc.ActiveShardIDs()) == 0 {
		return fmt.Errorf("all shards of %s failed: %w", sc.ID(), shardErrs.ErrorOrNil())
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return nil
}

// handle returns an error only when the event can neither be processed nor
// quarantined; advancing past it would lose it.
func (p *Processor) handle(ctx context.Context, conn protocol.Connector, store protocol.PositionStore, shardID string, event types.ChangeEvent) error {
	dispatchErr := p.dispatcher.DispatchShard(ctx, shardID, event)
	p.dispatched.Add(1)
	if dispatchErr != nil {
		entry, err := p.deadLetters.RecordFailure(ctx, event, dispatchErr.Error(), types.FailureContext{
			ConnectorID: conn.ID(),
			ShardID:     shardID,
			ErrorCode:   types.CodeOf(dispatchErr),
		})
		if err != nil {
			return multierror.Append(dispatchErr, err)
		}
		p.deadLettered.Add(1)
		p.metrics.DeadLetter(event.TableName)
		logger.Warnf("event of %s at %s quarantined as %s: %s", event.TableName, event.Metadata.Position, entry.ID, dispatchErr)
	}

	if p.noSave {
		return nil
	}
	position := event.Metadata.Position
	err := store.SavePosition(ctx, conn.ID(), position)
	p.metrics.PositionSaved(shardID, err)
	if err != nil {
		// streaming continues; a restart replays from the last saved position
		p.saveFailures.Add(1)
		logger.Warnf("failed to save position %s of %s: %s", position, conn.ID(), err)
		return nil
	}
	if ack, ok := conn.(protocol.Acknowledger); ok {
		if err := ack.Acknowledge(ctx, position); err != nil {
			logger.Warnf("failed to acknowledge position %s of %s: %s", position, conn.ID(), err)
		}
	}
	return nil
}
