package cli

import (
	"context"
	"strings"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/dispatcher"
	"github.com/datazip-inc/olake-cdc/types"
)

// logSink writes every change it receives to the log as one structured line.
func logSink() dispatcher.HandlerFuncs[types.Record] {
	emit := func(operation types.Operation, before, after types.Record, hc dispatcher.HandlerContext) {
		line := logger.With(map[string]any{
			"table":     hc.TableName,
			"operation": operation,
			"position":  hc.Position.String(),
		})
		event := line.Info()
		if hc.ShardID != "" {
			event = event.Str("shard", hc.ShardID)
		}
		if hc.TransactionID != "" {
			event = event.Str("transaction", hc.TransactionID)
		}
		if before != nil {
			event = event.Interface("before", before)
		}
		if after != nil {
			event = event.Interface("after", after)
		}
		event.Time("captured_at", hc.CapturedAtUTC).Send()
	}

	return dispatcher.HandlerFuncs[types.Record]{
		Insert: func(_ context.Context, entity types.Record, hc dispatcher.HandlerContext) error {
			emit(types.Insert, nil, entity, hc)
			return nil
		},
		Update: func(_ context.Context, before *types.Record, after types.Record, hc dispatcher.HandlerContext) error {
			var image types.Record
			if before != nil {
				image = *before
			}
			emit(types.Update, image, after, hc)
			return nil
		},
		Delete: func(_ context.Context, entity types.Record, hc dispatcher.HandlerContext) error {
			emit(types.Delete, entity, nil, hc)
			return nil
		},
	}
}

// registerSinks routes each table to the log sink once. Table names match
// case-insensitively, the way the dispatcher routes them.
func registerSinks(d *dispatcher.Dispatcher, tables []string) error {
	seen := types.NewSet[string]().WithHasher(strings.ToLower)
	for _, table := range tables {
		if seen.Exists(table) {
			continue
		}
		seen.Insert(table)
		if err := dispatcher.Register[types.Record](d, table, logSink()); err != nil {
			return err
		}
	}
	return nil
}

func tableNames(tables []types.TableRef) []string {
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table.ID())
	}
	return names
}
