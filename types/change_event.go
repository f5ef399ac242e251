package types

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Operation is the kind of row mutation carried by a ChangeEvent.
type Operation string

const (
	Insert Operation = "insert"
	Update Operation = "update"
	Delete Operation = "delete"
)

// Record is a structured row payload keyed by column name.
type Record map[string]any

// EventMetadata describes where and when a change was captured.
type EventMetadata struct {
	Position       Position
	CapturedAtUTC  time.Time
	TransactionID  string
	SourceDatabase string
	SourceSchema   string
}

// ChangeEvent is one row-level mutation.
//
// Insert carries only After. Delete carries only Before, which may hold just
// the key columns. Update always carries After; Before is present only when
// the source keeps before-images (see the provider connectors).
type ChangeEvent struct {
	TableName string
	Operation Operation
	Before    Record
	After     Record
	Metadata  EventMetadata
}

// Validate checks the payload presence rules for the operation.
func (e ChangeEvent) Validate() error {
	switch e.Operation {
	case Insert:
		if e.Before != nil || e.After == nil {
			return fmt.Errorf("insert on %s must carry only an after image", e.TableName)
		}
	case Update:
		if e.After == nil {
			return fmt.Errorf("update on %s is missing its after image", e.TableName)
		}
	case Delete:
		if e.After != nil {
			return fmt.Errorf("delete on %s must not carry an after image", e.TableName)
		}
	default:
		return fmt.Errorf("unknown operation %q on %s", e.Operation, e.TableName)
	}
	return nil
}

// ShardedChangeEvent is a ChangeEvent tagged with the shard that produced it.
type ShardedChangeEvent struct {
	ShardID string
	Event   ChangeEvent
}

type positionWire struct {
	Kind  string `json:"kind"`
	Value []byte `json:"value"`
}

type changeEventWire struct {
	TableName      string        `json:"table_name"`
	Operation      Operation     `json:"operation"`
	Before         Record        `json:"before,omitempty"`
	After          Record        `json:"after,omitempty"`
	Position       *positionWire `json:"position,omitempty"`
	CapturedAtUTC  time.Time     `json:"captured_at_utc"`
	TransactionID  string        `json:"transaction_id,omitempty"`
	SourceDatabase string        `json:"source_database,omitempty"`
	SourceSchema   string        `json:"source_schema,omitempty"`
}

func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	wire := changeEventWire{
		TableName:      e.TableName,
		Operation:      e.Operation,
		Before:         e.Before,
		After:          e.After,
		CapturedAtUTC:  e.Metadata.CapturedAtUTC,
		TransactionID:  e.Metadata.TransactionID,
		SourceDatabase: e.Metadata.SourceDatabase,
		SourceSchema:   e.Metadata.SourceSchema,
	}
	if e.Metadata.Position != nil {
		wire.Position = &positionWire{
			Kind:  e.Metadata.Position.Kind().String(),
			Value: e.Metadata.Position.Bytes(),
		}
	}
	return json.Marshal(wire)
}

func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var wire changeEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = ChangeEvent{
		TableName: wire.TableName,
		Operation: wire.Operation,
		Before:    wire.Before,
		After:     wire.After,
		Metadata: EventMetadata{
			CapturedAtUTC:  wire.CapturedAtUTC,
			TransactionID:  wire.TransactionID,
			SourceDatabase: wire.SourceDatabase,
			SourceSchema:   wire.SourceSchema,
		},
	}
	if wire.Position != nil {
		kind, err := ParsePositionKind(wire.Position.Kind)
		if err != nil {
			return err
		}
		pos, err := PositionFromBytes(kind, wire.Position.Value)
		if err != nil {
			return err
		}
		e.Metadata.Position = pos
	}
	return nil
}
