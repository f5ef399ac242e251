package binlog

import (
	"context"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
)

// Mode selects how replication progress is tracked.
type Mode string

const (
	GTIDMode Mode = "gtid"
	FileMode Mode = "file"
)

// Config holds the configuration for the binlog syncer.
type Config struct {
	ServerID        uint32
	Flavor          string
	Host            string
	Port            uint16
	User            string
	Password        string
	Charset         string
	VerifyChecksum  bool
	HeartbeatPeriod time.Duration
}

// EventSource yields decoded binlog events in server order.
type EventSource interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
	Close()
}

// ColumnResolver returns the column names of schema.table in ordinal order.
// It is consulted when the server does not log row metadata
// (binlog_row_metadata=MINIMAL).
type ColumnResolver func(ctx context.Context, schema, table string) ([]string, error)
