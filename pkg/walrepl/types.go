package walrepl

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
)

const (
	ReplicationSlotTempl = "SELECT plugin, slot_type, confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = $1"
	outputPlugin         = "pgoutput"
)

// Config holds the replication connection settings.
type Config struct {
	// ConnURL is a regular postgres url; the replication parameter is added.
	ConnURL         string
	ReplicationSlot string
	Publication     string
	CreateSlot      bool
	StatusInterval  time.Duration
}

// ReplicationSlot is a row of pg_replication_slots.
type ReplicationSlot struct {
	Plugin   string        `db:"plugin"`
	SlotType string        `db:"slot_type"`
	LSN      pglogrepl.LSN `db:"confirmed_flush_lsn"`
}

// WALMessage is one decoded pgoutput message.
type WALMessage struct {
	WALStart   pglogrepl.LSN
	ServerTime time.Time
	Message    pglogrepl.Message
}

// MessageSource yields pgoutput messages in WAL order.
type MessageSource interface {
	ReceiveMessage(ctx context.Context) (WALMessage, error)
	// Acknowledge marks everything up to lsn as flushed by the consumer.
	Acknowledge(lsn pglogrepl.LSN)
	Close(ctx context.Context) error
}
