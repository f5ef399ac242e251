package processor

import (
	"context"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/types"
)

// ReplayDeadLetters re-dispatches up to limit pending entries, oldest first.
// Entries that succeed become Replayed; failures stay Pending.
func (p *Processor) ReplayDeadLetters(ctx context.Context, limit int) (replayed int, failed int, err error) {
	pending, err := p.deadLetters.GetPending(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return replayed, failed, ctx.Err()
		}
		if dispatchErr := p.dispatcher.DispatchShard(ctx, entry.ShardID, entry.Event); dispatchErr != nil {
			failed++
			logger.Warnf("replay of dead letter %s failed, leaving it pending: %s", entry.ID, dispatchErr)
			continue
		}
		if err := p.deadLetters.Resolve(ctx, entry.ID, types.Replayed); err != nil {
			return replayed, failed, err
		}
		replayed++
	}
	logger.Infof("replayed %d dead letters, %d still failing", replayed, failed)
	return replayed, failed, nil
}
