package base

import (
	"context"
	"fmt"
	"sort"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
)

const (
	DefaultRetryCount = 3
)

// Driver carries what every provider driver shares: the tracked tables and
// the shard ids of a sharded deployment.
type Driver struct {
	tables *types.Set[types.TableRef]
	shards []string
}

func NewBase() *Driver {
	return &Driver{
		tables: types.NewSet[types.TableRef](),
	}
}

// SetTables parses "schema.table" names, using defaultSchema for bare names.
func (d *Driver) SetTables(qualified []string, defaultSchema string) error {
	tables, err := types.ParseTableRefs(qualified, defaultSchema)
	if err != nil {
		return err
	}
	d.tables = tables
	return nil
}

func (d *Driver) Tables() []types.TableRef {
	return d.tables.Array()
}

// Tracks reports whether schema.table is in the subscription set; an empty
// set tracks everything.
func (d *Driver) Tracks(schema, table string) bool {
	if d.tables.Len() == 0 {
		return true
	}
	return d.tables.ExistsKey(types.TableRef{Schema: schema, Name: table}.ID())
}

func (d *Driver) SetShards(ids []string) {
	d.shards = append([]string(nil), ids...)
	sort.Strings(d.shards)
}

func (d *Driver) ShardIDs() []string {
	return d.shards
}

// CheckShard rejects shard ids that were not configured.
func (d *Driver) CheckShard(shardID string) error {
	if shardID == "" {
		return nil
	}
	for _, id := range d.shards {
		if id == shardID {
			return nil
		}
	}
	return types.NewError(types.ShardNotFound, "shard %q is not configured", shardID)
}

// ResumePosition reads the saved position of connectorID. found=false means
// the connector never saved one and must start from current (or history).
func ResumePosition(ctx context.Context, store protocol.PositionStore, connectorID string, kind types.PositionKind) (types.Position, bool, error) {
	position, found, err := store.GetPosition(ctx, connectorID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		logger.Infof("no saved position for %s", connectorID)
		return nil, false, nil
	}
	if position.Kind() != kind {
		return nil, false, types.NewError(types.PositionInvalid, "saved position of %s is a %s position, expected %s", connectorID, position.Kind(), kind)
	}
	logger.Infof("resuming %s from %s", connectorID, position)
	return position, true, nil
}

// ShardLabel is used in log lines.
func ShardLabel(shardID string) string {
	if shardID == "" {
		return "unsharded"
	}
	return fmt.Sprintf("shard[%s]", shardID)
}
