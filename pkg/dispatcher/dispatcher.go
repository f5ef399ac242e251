// Package dispatcher routes change events to typed per-table handlers.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/metrics"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/goccy/go-json"
)

// route is the type-erased form of a registered Handler[T].
type route struct {
	entityType string
	invoke     func(ctx context.Context, event types.ChangeEvent, hc HandlerContext) error
}

// Dispatcher maps table names to handlers. Registration happens at startup;
// Dispatch is safe for concurrent use.
type Dispatcher struct {
	mu      sync.RWMutex
	routes  map[string]route
	metrics *metrics.Collector
}

func New(collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		routes:  make(map[string]route),
		metrics: collector,
	}
}

func normalizeTable(table string) string {
	return strings.ToLower(table)
}

// Register binds handler to table ("schema.table"). Row images are decoded
// into T with JSON field mapping, so T uses json tags for column names.
func Register[T any](d *Dispatcher, table string, handler Handler[T]) error {
	if table == "" {
		return fmt.Errorf("table name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", table)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeTable(table)
	if existing, exists := d.routes[key]; exists {
		return fmt.Errorf("table %s already has a handler for %s", table, existing.entityType)
	}
	d.routes[key] = route{
		entityType: fmt.Sprintf("%T", *new(T)),
		invoke: func(ctx context.Context, event types.ChangeEvent, hc HandlerContext) error {
			return invoke(ctx, handler, event, hc)
		},
	}
	return nil
}

// Tables returns the registered table names.
func (d *Dispatcher) Tables() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tables := make([]string, 0, len(d.routes))
	for table := range d.routes {
		tables = append(tables, table)
	}
	return tables
}

// Dispatch hands event to its table's handler. Events of tables without a
// handler are skipped and reported as success.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.ChangeEvent) error {
	return d.DispatchShard(ctx, "", event)
}

// DispatchShard is Dispatch with the originating shard exposed to the handler.
func (d *Dispatcher) DispatchShard(ctx context.Context, shardID string, event types.ChangeEvent) error {
	d.mu.RLock()
	r, ok := d.routes[normalizeTable(event.TableName)]
	d.mu.RUnlock()
	if !ok {
		logger.Debugf("no handler registered for table[%s], skipping %s event", event.TableName, event.Operation)
		d.metrics.ObserveSkipped(event.TableName, string(event.Operation))
		return nil
	}

	if err := event.Validate(); err != nil {
		err = types.WrapError(types.DeserializationFailed, err, "malformed %s event", event.Operation)
		d.metrics.ObserveDispatch(event.TableName, string(event.Operation), 0, err)
		return err
	}

	hc := HandlerContext{
		TableName:     event.TableName,
		Position:      event.Metadata.Position,
		CapturedAtUTC: event.Metadata.CapturedAtUTC,
		TransactionID: event.Metadata.TransactionID,
		ShardID:       shardID,
	}
	start := time.Now()
	err := safeInvoke(ctx, r, event, hc)
	d.metrics.ObserveDispatch(event.TableName, string(event.Operation), time.Since(start), err)
	return err
}

func safeInvoke(ctx context.Context, r route, event types.ChangeEvent, hc HandlerContext) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Errorf("handler of table[%s] panicked: %v\n%s", event.TableName, recovered, debug.Stack())
			err = types.NewError(types.HandlerFailed, "handler of %s panicked: %v", event.TableName, recovered)
		}
	}()
	return r.invoke(ctx, event, hc)
}

func invoke[T any](ctx context.Context, handler Handler[T], event types.ChangeEvent, hc HandlerContext) error {
	var err error
	switch event.Operation {
	case types.Insert:
		var entity T
		if entity, err = decodeRequired[T](event.After, event.TableName, "after"); err != nil {
			return err
		}
		err = handler.HandleInsert(ctx, entity, hc)
	case types.Update:
		var after T
		if after, err = decodeRequired[T](event.After, event.TableName, "after"); err != nil {
			return err
		}
		var before *T
		if event.Before != nil {
			decoded, derr := decode[T](event.Before, event.TableName, "before")
			if derr != nil {
				return derr
			}
			before = &decoded
		}
		err = handler.HandleUpdate(ctx, before, after, hc)
	case types.Delete:
		var entity T
		if entity, err = decodeRequired[T](event.Before, event.TableName, "before"); err != nil {
			return err
		}
		err = handler.HandleDelete(ctx, entity, hc)
	default:
		return types.NewError(types.DeserializationFailed, "unknown operation %q on %s", event.Operation, event.TableName)
	}
	if err != nil {
		return types.WrapError(types.HandlerFailed, err, "%s handler of %s failed", event.Operation, event.TableName)
	}
	return nil
}

func decodeRequired[T any](record types.Record, table, image string) (T, error) {
	if record == nil {
		var zero T
		return zero, types.NewError(types.DeserializationFailed, "%s image of %s is absent", image, table)
	}
	return decode[T](record, table, image)
}

func decode[T any](record types.Record, table, image string) (T, error) {
	var entity T
	raw, err := json.Marshal(record)
	if err != nil {
		return entity, types.WrapError(types.DeserializationFailed, err, "failed to encode %s image of %s", image, table)
	}
	if err := json.Unmarshal(raw, &entity); err != nil {
		return entity, types.WrapError(types.DeserializationFailed, err, "failed to decode %s image of %s", image, table)
	}
	return entity, nil
}
