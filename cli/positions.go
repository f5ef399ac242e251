package cli

import (
	"context"

	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
	"github.com/spf13/cobra"
)

var resetPositions bool

// positionsCmd shows (or with --reset deletes) the saved positions of the
// configured connector. It reads the position store only.
var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "show saved positions",
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return loadConfig()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openPositionStore(cmd.Context(), connector.Common().PositionStore)
		if err != nil {
			return err
		}
		defer store.Close()

		positions, err := savedPositions(cmd.Context(), store, connector.ConnectorID())
		if err != nil {
			return err
		}
		for _, shardID := range utils.SortedKeys(positions) {
			logger.Infof("%s %s: %s", connector.ConnectorID(), base.ShardLabel(shardID), positions[shardID])
		}
		if len(positions) == 0 {
			logger.Infof("no positions saved for %s", connector.ConnectorID())
		}

		if resetPositions {
			if err := deletePositions(cmd.Context(), store, connector.ConnectorID(), positions); err != nil {
				return err
			}
			logger.Infof("deleted %d positions; the next stream starts from current or retained history", len(positions))
		}
		return nil
	},
}

// savedPositions returns every position of connectorID keyed by shard id;
// "" holds the unsharded position.
func savedPositions(ctx context.Context, store positionStore, connectorID string) (map[string]types.Position, error) {
	positions, err := store.GetAllPositions(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = make(map[string]types.Position)
	}
	unsharded, found, err := store.GetPosition(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if found {
		positions[""] = unsharded
	}
	return positions, nil
}

func deletePositions(ctx context.Context, store positionStore, connectorID string, positions map[string]types.Position) error {
	deletes := make([]func() error, 0, len(positions))
	for shardID := range positions {
		deletes = append(deletes, func() error {
			if shardID == "" {
				return store.DeletePosition(ctx, connectorID)
			}
			return store.DeleteShardPosition(ctx, shardID, connectorID)
		})
	}
	return utils.ErrExecSequential(deletes...)
}

func init() {
	positionsCmd.Flags().BoolVarP(&resetPositions, "reset", "", false, "(Optional) Delete the saved positions")
}
