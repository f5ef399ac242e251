package cli

import (
	"context"
	"fmt"

	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/pkg/health"
	"github.com/datazip-inc/olake-cdc/pkg/positionstore"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/utils"
)

// pipeline holds what check and stream share: the stores, one connector per
// shard ("" when unsharded) and a monitor over all of them.
type pipeline struct {
	common      *protocol.CommonConfig
	store       positionStore
	deadLetters deadLetterStore
	connectors  map[string]protocol.Connector
	monitor     *health.Monitor
}

// openPipeline sets the driver up and opens everything around it. The
// returned pipeline owns the driver: close releases its clients too.
func openPipeline(ctx context.Context) (*pipeline, error) {
	p := &pipeline{connectors: make(map[string]protocol.Connector)}
	if err := connector.Setup(ctx); err != nil {
		_ = p.close()
		return nil, err
	}
	common := connector.Common()
	p.common = common

	store, err := openPositionStore(ctx, common.PositionStore)
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("failed to open position store: %w", err)
	}
	p.store = store

	deadLetters, err := openDeadLetterStore(ctx, common.DeadLetter)
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("failed to open dead letter store: %w", err)
	}
	p.deadLetters = deadLetters
	p.monitor = health.NewMonitor(health.NewDeadLetterCheck(deadLetters, common.DeadLetter.Warning(), common.DeadLetter.Critical()))

	for _, shardID := range utils.Ternary(p.sharded(), connector.ShardIDs(), []string{""}) {
		store := p.storeFor(shardID)
		conn, err := connector.NewConnector(ctx, shardID, store)
		if err != nil {
			_ = p.close()
			return nil, fmt.Errorf("%s: %w", base.ShardLabel(shardID), err)
		}
		p.connectors[shardID] = conn
		p.monitor.Add(health.NewConnectorCheck(shardID, conn, store))
	}
	return p, nil
}

func (p *pipeline) sharded() bool {
	return len(connector.ShardIDs()) > 0
}

// storeFor scopes the position store to shardID; "" is the unsharded key.
func (p *pipeline) storeFor(shardID string) protocol.PositionStore {
	if shardID == "" {
		return p.store
	}
	return positionstore.ForShard(p.store, shardID)
}

func (p *pipeline) close() error {
	closers := []func() error{}
	if p.deadLetters != nil {
		closers = append(closers, utils.ErrExecFormat("dead letter store: %s", p.deadLetters.Close))
	}
	if p.store != nil {
		closers = append(closers, utils.ErrExecFormat("position store: %s", p.store.Close))
	}
	// setup may have opened clients before failing
	closers = append(closers, utils.ErrExecFormat("driver: %s", connector.Close))
	return utils.ErrExecSequential(closers...)
}
