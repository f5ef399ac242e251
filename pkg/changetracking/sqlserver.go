package changetracking

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/datazip-inc/olake-cdc/pkg/jdbc"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/typeutils"
	"github.com/jmoiron/sqlx"
)

// SQLSource reads CHANGETABLE through a SQL Server connection.
type SQLSource struct {
	db *sqlx.DB

	mu   sync.Mutex
	keys map[string][]string
}

func NewSQLSource(db *sqlx.DB) *SQLSource {
	return &SQLSource{db: db, keys: make(map[string][]string)}
}

func (s *SQLSource) CurrentVersion(ctx context.Context) (int64, error) {
	var version sql.NullInt64
	if err := s.db.GetContext(ctx, &version, jdbc.SQLServerCurrentVersionQuery()); err != nil {
		return 0, fmt.Errorf("failed to read current change tracking version: %s", err)
	}
	if !version.Valid {
		return 0, fmt.Errorf("change tracking is not enabled on this database")
	}
	return version.Int64, nil
}

func (s *SQLSource) MinValidVersion(ctx context.Context, table types.TableRef) (int64, error) {
	var version sql.NullInt64
	if err := s.db.GetContext(ctx, &version, jdbc.SQLServerMinValidVersionQuery(), table.ID()); err != nil {
		return 0, fmt.Errorf("failed to read minimum valid version of %s: %s", table, err)
	}
	if !version.Valid {
		return 0, fmt.Errorf("change tracking is not enabled on %s", table)
	}
	return version.Int64, nil
}

// PrimaryKeys returns the primary key columns of table, cached after the first lookup.
func (s *SQLSource) PrimaryKeys(ctx context.Context, table types.TableRef) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, found := s.keys[table.ID()]; found {
		return keys, nil
	}

	var keys []string
	if err := s.db.SelectContext(ctx, &keys, jdbc.SQLServerPrimaryKeyQuery(), table.Schema, table.Name); err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %s", table, err)
	}
	s.keys[table.ID()] = keys
	return keys, nil
}

func (s *SQLSource) Changes(ctx context.Context, table types.TableRef, since, until int64) ([]Change, error) {
	keys, err := s.PrimaryKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	query, err := jdbc.SQLServerChangesQuery(table, keys)
	if err != nil {
		return nil, err
	}

	var changes []Change
	err = jdbc.Capture(ctx, s.db.DB, query, func(rows *sql.Rows) error {
		raw := make(map[string]any)
		if err := jdbc.MapScan(rows, raw); err != nil {
			return err
		}
		// an undecodable row is reported by the poller, the rest still stream
		change, err := changeFromRow(raw, keys)
		if err != nil {
			change.Err = err
			if change.Version == 0 {
				change.Version = until
			}
		}
		changes = append(changes, change)
		return nil
	}, since, until)
	return changes, err
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

// changeFromRow splits a query row into change tracking columns, key
// columns and the base table row.
func changeFromRow(raw map[string]any, keys []string) (Change, error) {
	version, err := typeutils.ReformatInt64(raw[jdbc.CTVersionColumn])
	if err != nil {
		return Change{}, fmt.Errorf("unexpected change version: %s", err)
	}
	operation, _ := raw[jdbc.CTOperationColumn].(string)
	change := Change{
		Version:   version,
		Operation: strings.TrimSpace(operation),
		Key:       make(types.Record, len(keys)),
	}
	if committed := raw[jdbc.CTCommitTimeColumn]; committed != nil {
		commitTime, err := typeutils.ReformatDate(committed)
		if err != nil {
			return change, fmt.Errorf("unexpected commit time: %s", err)
		}
		change.CommitTime = commitTime
	}

	row := make(types.Record)
	for col, value := range raw {
		switch {
		case col == jdbc.CTVersionColumn, col == jdbc.CTOperationColumn, col == jdbc.CTCommitTimeColumn:
		case strings.HasPrefix(col, jdbc.CTKeyColumnPrefix):
			change.Key[strings.TrimPrefix(col, jdbc.CTKeyColumnPrefix)] = value
		default:
			row[col] = value
		}
	}
	// the outer join yields NULL primary keys once the row is gone
	for _, key := range keys {
		if row[key] == nil {
			return change, nil
		}
	}
	change.Row = row
	return change, nil
}
