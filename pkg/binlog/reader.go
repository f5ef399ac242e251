package binlog

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/typeutils"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
)

// ReaderOptions configures how raw binlog events become change events.
type ReaderOptions struct {
	Mode   Mode
	Flavor string
	// Start is the position the source was asked to resume from. Transactions
	// at or before it are dropped if the source replays them.
	Start types.BinlogPosition
	// Tracks filters tables; nil tracks every table.
	Tracks  func(schema, table string) bool
	Columns ColumnResolver
}

// Reader maps binlog events into change events. Table metadata is cached
// by table id as TableMapEvents arrive.
type Reader struct {
	source EventSource
	opts   ReaderOptions

	// gtid mode
	startSet mysql.GTIDSet
	executed mysql.GTIDSet
	skipping bool

	file   string
	offset uint32
	txnID  string

	tables  map[uint64]*replication.TableMapEvent
	columns map[string][]string
	buffer  *types.TxnBuffer
}

func NewReader(source EventSource, opts ReaderOptions) (*Reader, error) {
	if opts.Flavor == "" {
		opts.Flavor = mysql.MySQLFlavor
	}
	r := &Reader{
		source:  source,
		opts:    opts,
		file:    opts.Start.File,
		offset:  opts.Start.Offset,
		tables:  make(map[uint64]*replication.TableMapEvent),
		columns: make(map[string][]string),
		buffer:  types.NewTxnBuffer(opts.Start),
	}

	switch opts.Mode {
	case GTIDMode:
		if !opts.Start.HasGTID() {
			return nil, types.NewError(types.PositionInvalid, "gtid mode needs a gtid start position, got %s", opts.Start)
		}
		startSet, err := mysql.ParseGTIDSet(opts.Flavor, opts.Start.GTIDSet)
		if err != nil {
			return nil, types.WrapError(types.PositionInvalid, err, "failed to parse gtid set %q", opts.Start.GTIDSet)
		}
		r.startSet = startSet
		r.executed = startSet.Clone()
	case FileMode:
		if !opts.Start.HasFile() {
			return nil, types.NewError(types.PositionInvalid, "file mode needs a file position, got %s", opts.Start)
		}
	default:
		return nil, fmt.Errorf("unknown binlog mode %q", opts.Mode)
	}
	return r, nil
}

// Stream yields change events until the source fails or ctx is cancelled.
// A source failure is yielded once as StreamInterrupted and ends the stream.
func (r *Reader) Stream(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		for {
			ev, err := r.source.GetEvent(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(types.ChangeEvent{}, types.WrapError(types.StreamInterrupted, err, "failed to get binlog event after %s:%d", r.file, r.offset))
				return
			}

			events, err := r.apply(ctx, ev)
			for _, event := range events {
				if ctx.Err() != nil || !yield(event, nil) {
					return
				}
			}
			if err != nil {
				if ctx.Err() != nil || !yield(types.ChangeEvent{}, err) {
					return
				}
			}
		}
	}
}

// Boundary is the position of the last transaction the reader committed.
func (r *Reader) Boundary() types.Position {
	return r.buffer.Boundary()
}

func (r *Reader) apply(ctx context.Context, ev *replication.BinlogEvent) ([]types.ChangeEvent, error) {
	if rotate, ok := ev.Event.(*replication.RotateEvent); ok {
		if rotate.Position > math.MaxUint32 {
			return nil, types.NewError(types.PositionInvalid, "binlog position overflow: %d exceeds uint32 max value", rotate.Position)
		}
		r.file, r.offset = string(rotate.NextLogName), uint32(rotate.Position)
		logger.Infof("Binlog rotated to %s:%d", r.file, r.offset)
		return nil, nil
	}

	// LogPos is the end of the event; zero for artificial events
	if ev.Header != nil && ev.Header.LogPos > 0 {
		r.offset = ev.Header.LogPos
	}

	switch e := ev.Event.(type) {
	case *replication.TableMapEvent:
		r.tables[e.TableID] = e
	case *replication.GTIDEvent:
		return nil, r.beginGTID(e)
	case *replication.QueryEvent:
		if string(e.Query) == "BEGIN" {
			if r.opts.Mode == FileMode {
				r.txnID = fmt.Sprintf("%s:%d", r.file, r.offset)
			}
			return nil, nil
		}
		// DDL and statement-based commits close the transaction as well
		return r.commit(), nil
	case *replication.XIDEvent:
		return r.commit(), nil
	case *replication.RowsEvent:
		return r.rows(ctx, ev, e)
	}
	return nil, nil
}

func (r *Reader) beginGTID(e *replication.GTIDEvent) error {
	sid, err := uuid.FromBytes(e.SID)
	if err != nil {
		return types.WrapError(types.DeserializationFailed, err, "gtid event carries an invalid source id")
	}
	gtid := fmt.Sprintf("%s:%d", sid, e.GNO)
	r.txnID = gtid
	if r.opts.Mode != GTIDMode {
		return nil
	}

	single, err := mysql.ParseGTIDSet(r.opts.Flavor, gtid)
	if err != nil {
		return types.WrapError(types.DeserializationFailed, err, "failed to parse gtid %s", gtid)
	}
	r.skipping = r.startSet.Contain(single)
	if r.skipping {
		logger.Debugf("skipping already processed transaction %s", gtid)
	}
	return nil
}

// replayed reports whether the current event ends at or before the start
// position, in which case it was processed before the restart.
func (r *Reader) replayed() bool {
	if r.opts.Mode == GTIDMode {
		return r.skipping
	}
	cmp, err := types.NewFilePosition(r.file, r.offset).Compare(types.NewFilePosition(r.opts.Start.File, r.opts.Start.Offset))
	return err == nil && cmp <= 0
}

func (r *Reader) commit() []types.ChangeEvent {
	defer func() {
		r.skipping = false
		r.txnID = ""
	}()
	if r.replayed() {
		r.buffer.Discard()
		return nil
	}

	var position types.BinlogPosition
	if r.opts.Mode == GTIDMode {
		if r.txnID != "" {
			if err := r.executed.Update(r.txnID); err != nil {
				logger.Warnf("failed to add %s to executed gtid set: %s", r.txnID, err)
			}
		}
		position = types.NewGTIDPosition(r.executed.String()).WithFile(r.file, r.offset)
	} else {
		position = types.NewFilePosition(r.file, r.offset)
	}

	if released, ok := r.buffer.Commit(position); ok {
		return []types.ChangeEvent{released}
	}
	return nil
}

func (r *Reader) rows(ctx context.Context, ev *replication.BinlogEvent, e *replication.RowsEvent) ([]types.ChangeEvent, error) {
	if r.replayed() {
		return nil, nil
	}
	table, found := r.tables[e.TableID]
	if !found {
		table = e.Table
	}
	if table == nil {
		return nil, types.NewError(types.DeserializationFailed, "rows event references unknown table id %d", e.TableID)
	}
	schema, name := string(table.Schema), string(table.Table)
	if r.opts.Tracks != nil && !r.opts.Tracks(schema, name) {
		return nil, nil
	}

	operation, ok := operationOf(ev.Header.EventType)
	if !ok {
		return nil, nil
	}
	columns, err := r.columnNames(ctx, table)
	if err != nil {
		return nil, err
	}

	metadata := types.EventMetadata{
		CapturedAtUTC:  time.Unix(int64(ev.Header.Timestamp), 0).UTC(),
		TransactionID:  r.txnID,
		SourceDatabase: schema,
		SourceSchema:   schema,
	}
	tableName := fmt.Sprintf("%s.%s", schema, name)

	var released []types.ChangeEvent
	add := func(before, after types.Record) {
		event := types.ChangeEvent{
			TableName: tableName,
			Operation: operation,
			Before:    before,
			After:     after,
			Metadata:  metadata,
		}
		if out, ok := r.buffer.Add(event); ok {
			released = append(released, out)
		}
	}

	if operation == types.Update {
		// rows hold (before, after) pairs
		for i := 1; i < len(e.Rows); i += 2 {
			before, err := convertRowToRecord(e.Rows[i-1], columns, tableName)
			if err != nil {
				return released, err
			}
			after, err := convertRowToRecord(e.Rows[i], columns, tableName)
			if err != nil {
				return released, err
			}
			add(before, after)
		}
		return released, nil
	}

	for _, row := range e.Rows {
		record, err := convertRowToRecord(row, columns, tableName)
		if err != nil {
			return released, err
		}
		if operation == types.Insert {
			add(nil, record)
		} else {
			add(record, nil)
		}
	}
	return released, nil
}

func (r *Reader) columnNames(ctx context.Context, table *replication.TableMapEvent) ([]string, error) {
	if names := table.ColumnNameString(); len(names) > 0 {
		return names, nil
	}

	key := fmt.Sprintf("%s.%s", table.Schema, table.Table)
	if names, found := r.columns[key]; found {
		return names, nil
	}
	if r.opts.Columns == nil {
		return nil, types.NewError(types.DeserializationFailed, "binlog carries no column names for %s (is binlog_row_metadata=FULL?)", key)
	}
	names, err := r.opts.Columns(ctx, string(table.Schema), string(table.Table))
	if err != nil {
		return nil, types.WrapError(types.DeserializationFailed, err, "failed to resolve columns of %s", key)
	}
	r.columns[key] = names
	return names, nil
}

func operationOf(eventType replication.EventType) (types.Operation, bool) {
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return types.Insert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return types.Update, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return types.Delete, true
	}
	return "", false
}

// convertRowToRecord converts a binlog row to a record.
func convertRowToRecord(row []interface{}, columns []string, table string) (types.Record, error) {
	if len(columns) != len(row) {
		return nil, types.NewError(types.DeserializationFailed, "column count mismatch on %s: expected %d, got %d", table, len(columns), len(row))
	}
	record := make(map[string]any, len(row))
	for i, val := range row {
		record[columns[i]] = val
	}
	return typeutils.ReformatByteArraysToString(record), nil
}
