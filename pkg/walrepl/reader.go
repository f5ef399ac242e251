package walrepl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// ReaderOptions configures how pgoutput messages become change events.
type ReaderOptions struct {
	// Start is the LSN streaming resumed from. Transactions committed before
	// it are dropped if the server sends them again.
	Start    pglogrepl.LSN
	Database string
	// Tracks filters tables; nil tracks every table in the publication.
	Tracks func(schema, table string) bool
}

// Reader maps pgoutput messages into change events. Relation metadata is
// cached by relation id as RelationMessages arrive.
type Reader struct {
	source MessageSource
	opts   ReaderOptions

	typeMap   *pgtype.Map
	relations map[uint32]*pglogrepl.RelationMessage
	buffer    *types.TxnBuffer

	skipping   bool
	txnID      string
	commitTime time.Time
}

func NewReader(source MessageSource, opts ReaderOptions) *Reader {
	return &Reader{
		source:    source,
		opts:      opts,
		typeMap:   pgtype.NewMap(),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		buffer:    types.NewTxnBuffer(types.LSNPosition{LSN: opts.Start}),
	}
}

// Stream yields change events until the source fails or ctx is cancelled.
// Undecodable messages are yielded as errors; a source failure is yielded
// once as StreamInterrupted and ends the stream.
func (r *Reader) Stream(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		for {
			msg, err := r.source.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, types.ErrDeserializationFailed) {
					if !yield(types.ChangeEvent{}, err) {
						return
					}
					continue
				}
				yield(types.ChangeEvent{}, types.WrapError(types.StreamInterrupted, err, "failed to read wal after %s", r.buffer.Boundary()))
				return
			}

			events, err := r.apply(msg)
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

// Acknowledge reports position as flushed so the server may recycle WAL.
func (r *Reader) Acknowledge(_ context.Context, position types.Position) error {
	lsn, ok := position.(types.LSNPosition)
	if !ok {
		return types.NewError(types.PositionInvalid, "cannot acknowledge %s position %s on a wal stream", position.Kind(), position)
	}
	r.source.Acknowledge(lsn.LSN)
	return nil
}

// Boundary is the end LSN of the last transaction the reader committed.
func (r *Reader) Boundary() types.Position {
	return r.buffer.Boundary()
}

func (r *Reader) apply(msg WALMessage) ([]types.ChangeEvent, error) {
	switch m := msg.Message.(type) {
	case *pglogrepl.RelationMessage:
		r.relations[m.RelationID] = m
	case *pglogrepl.BeginMessage:
		r.txnID = strconv.FormatUint(uint64(m.Xid), 10)
		r.commitTime = m.CommitTime.UTC()
		// the commit record of a transaction that ended at or before Start lies before Start
		r.skipping = m.FinalLSN < r.opts.Start
		if r.skipping {
			logger.Debugf("skipping already processed transaction %s committed at %s", r.txnID, m.FinalLSN)
		}
	case *pglogrepl.CommitMessage:
		defer func() {
			r.skipping = false
			r.txnID = ""
		}()
		if r.skipping {
			r.buffer.Discard()
			return nil, nil
		}
		if released, ok := r.buffer.Commit(types.LSNPosition{LSN: m.TransactionEndLSN}); ok {
			return []types.ChangeEvent{released}, nil
		}
	case *pglogrepl.InsertMessage:
		return r.row(m.RelationID, types.Insert, func(rel *pglogrepl.RelationMessage) (types.Record, types.Record, error) {
			after, err := r.decodeTuple(rel, m.Tuple, nil)
			return nil, after, err
		})
	case *pglogrepl.UpdateMessage:
		return r.row(m.RelationID, types.Update, func(rel *pglogrepl.RelationMessage) (types.Record, types.Record, error) {
			before, err := r.beforeImage(rel, m.OldTupleType, m.OldTuple)
			if err != nil {
				return nil, nil, err
			}
			after, err := r.decodeTuple(rel, m.NewTuple, before)
			return before, after, err
		})
	case *pglogrepl.DeleteMessage:
		return r.row(m.RelationID, types.Delete, func(rel *pglogrepl.RelationMessage) (types.Record, types.Record, error) {
			before, err := r.beforeImage(rel, m.OldTupleType, m.OldTuple)
			return before, nil, err
		})
	case *pglogrepl.TruncateMessage:
		logger.Warnf("truncate of %d relations in transaction %s is not captured", len(m.RelationIDs), r.txnID)
	}
	return nil, nil
}

func (r *Reader) row(relationID uint32, operation types.Operation, decode func(*pglogrepl.RelationMessage) (types.Record, types.Record, error)) ([]types.ChangeEvent, error) {
	if r.skipping {
		return nil, nil
	}
	rel, found := r.relations[relationID]
	if !found {
		return nil, types.NewError(types.DeserializationFailed, "%s references unknown relation id %d", operation, relationID)
	}
	if r.opts.Tracks != nil && !r.opts.Tracks(rel.Namespace, rel.RelationName) {
		return nil, nil
	}

	before, after, err := decode(rel)
	if err != nil {
		return nil, types.WrapError(types.DeserializationFailed, err, "failed to decode %s on %s.%s", operation, rel.Namespace, rel.RelationName)
	}
	event := types.ChangeEvent{
		TableName: fmt.Sprintf("%s.%s", rel.Namespace, rel.RelationName),
		Operation: operation,
		Before:    before,
		After:     after,
		Metadata: types.EventMetadata{
			CapturedAtUTC:  r.commitTime,
			TransactionID:  r.txnID,
			SourceDatabase: r.opts.Database,
			SourceSchema:   rel.Namespace,
		},
	}
	if released, ok := r.buffer.Add(event); ok {
		return []types.ChangeEvent{released}, nil
	}
	return nil, nil
}

// beforeImage decodes the old tuple: 'O' is the full row (REPLICA IDENTITY
// FULL), 'K' carries only the replica identity columns. No old tuple means
// the before-image is absent.
func (r *Reader) beforeImage(rel *pglogrepl.RelationMessage, tupleType uint8, tuple *pglogrepl.TupleData) (types.Record, error) {
	if tuple == nil {
		return nil, nil
	}
	record, err := r.decodeTuple(rel, tuple, nil)
	if err != nil || tupleType != pglogrepl.UpdateMessageTupleTypeKey {
		return record, err
	}
	return keyColumns(rel, record), nil
}

// decodeTuple decodes column values with the pgx type map. Unchanged TOAST
// values are taken from previous when it has them and left out otherwise.
func (r *Reader) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData, previous types.Record) (types.Record, error) {
	if tuple == nil {
		return nil, fmt.Errorf("missing tuple data")
	}
	values := make(types.Record, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			return nil, fmt.Errorf("tuple column index %d out of range", idx)
		}
		meta := rel.Columns[idx]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[meta.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			if v, ok := previous[meta.Name]; ok {
				values[meta.Name] = v
			}
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			format := int16(pgtype.TextFormatCode)
			if col.DataType == pglogrepl.TupleDataTypeBinary {
				format = pgtype.BinaryFormatCode
			}
			typ, ok := r.typeMap.TypeForOID(meta.DataType)
			if !ok {
				values[meta.Name] = string(col.Data)
				continue
			}
			decoded, err := typ.Codec.DecodeValue(r.typeMap, meta.DataType, format, col.Data)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", meta.Name, err)
			}
			values[meta.Name] = decoded
		default:
			return nil, fmt.Errorf("unknown column data type %c", col.DataType)
		}
	}
	return values, nil
}

// keyColumns keeps the replica identity columns (flag 1).
func keyColumns(rel *pglogrepl.RelationMessage, values types.Record) types.Record {
	keys := make(types.Record)
	for _, col := range rel.Columns {
		if col.Flags&1 == 1 {
			if v, ok := values[col.Name]; ok {
				keys[col.Name] = v
			}
		}
	}
	if len(keys) == 0 {
		return values
	}
	return keys
}
