package changetracking

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/types"
)

// BeforeImage selects what Update events carry as Before. Change tracking
// keeps no old row values, so a full before-image is never available.
type BeforeImage string

const (
	// BeforeAbsent leaves Before nil on updates.
	BeforeAbsent BeforeImage = "absent"
	// BeforeKeyOnly fills Before with the primary key columns.
	BeforeKeyOnly BeforeImage = "key_only"
)

// Change is one CHANGETABLE row.
type Change struct {
	Version   int64
	Operation string // I, U or D
	// Key holds the primary key columns reported by CHANGETABLE.
	Key types.Record
	// Row is the current base table row; nil once the row is deleted.
	Row types.Record
	// CommitTime is zero when the commit table is not readable.
	CommitTime time.Time
	// Err is set when the row could not be decoded. An unreadable version
	// falls back to the upper bound of the read.
	Err error
}

// ChangeSource reads change tracking state from SQL Server.
type ChangeSource interface {
	CurrentVersion(ctx context.Context) (int64, error)
	MinValidVersion(ctx context.Context, table types.TableRef) (int64, error)
	// Changes returns changes with since < version <= until, ascending.
	Changes(ctx context.Context, table types.TableRef, since, until int64) ([]Change, error)
	Close() error
}
