package driver

import (
	"context"
	"math"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/changetracking"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
)

// Connector polls change tracking of one database.
//
// Updates carry no before-image unless update_before_image is key_only, and
// deletes carry only the key columns: change tracking keeps no old values.
type Connector struct {
	shardID string
	source  changetracking.ChangeSource
	start   int64
	options changetracking.PollerOptions
}

func (c *Connector) ID() string {
	return constants.SQLServerConnectorID
}

func (c *Connector) GetCurrentPosition(ctx context.Context) (types.Position, error) {
	version, err := c.source.CurrentVersion(ctx)
	if err != nil {
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to get current change tracking version")
	}
	return types.CounterPosition{Version: version}, nil
}

func (c *Connector) StreamChanges(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		logger.Infof("Starting SQL Server change tracking of %s after version %d", base.ShardLabel(c.shardID), c.start)
		poller := changetracking.NewPoller(c.source, c.options)
		for event, err := range poller.Stream(ctx) {
			if !yield(event, err) {
				return
			}
		}
	}
}

// resolveStart picks the saved version, else the oldest version any tracked
// table still retains when replaying history, else the current version.
func resolveStart(ctx context.Context, store protocol.PositionStore, source changetracking.ChangeSource, tables []types.TableRef, replayHistory bool) (int64, error) {
	saved, found, err := base.ResumePosition(ctx, store, constants.SQLServerConnectorID, types.CounterKind)
	if err != nil {
		return 0, err
	}
	if found {
		return saved.(types.CounterPosition).Version, nil
	}

	if replayHistory {
		oldest := int64(math.MaxInt64)
		for _, table := range tables {
			minValid, err := source.MinValidVersion(ctx, table)
			if err != nil {
				return 0, types.WrapError(types.ConnectionFailed, err, "failed to read minimum valid version of %s", table)
			}
			oldest = min(oldest, minValid)
		}
		if len(tables) == 0 {
			oldest = 0
		}
		logger.Infof("replaying retained change tracking history after version %d", oldest)
		return oldest, nil
	}

	version, err := source.CurrentVersion(ctx)
	if err != nil {
		return 0, types.WrapError(types.ConnectionFailed, err, "failed to get current change tracking version")
	}
	logger.Infof("skipping history; starting after current version %d", version)
	return version, nil
}
