package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/datazip-inc/olake-cdc/types"
	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	event TEXT NOT NULL,
	reason TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	connector_id TEXT NOT NULL DEFAULT '',
	shard_id TEXT NOT NULL DEFAULT '',
	first_seen_at INTEGER NOT NULL,
	state TEXT NOT NULL,
	resolved_at INTEGER
)`

const sqliteIndex = `CREATE INDEX IF NOT EXISTS dead_letters_pending_idx ON dead_letters (state, first_seen_at, id);`

type deadLetterRow struct {
	ID          string        `db:"id"`
	Event       string        `db:"event"`
	Reason      string        `db:"reason"`
	ErrorCode   string        `db:"error_code"`
	ConnectorID string        `db:"connector_id"`
	ShardID     string        `db:"shard_id"`
	FirstSeenAt int64         `db:"first_seen_at"`
	State       string        `db:"state"`
	ResolvedAt  sql.NullInt64 `db:"resolved_at"`
}

func (r deadLetterRow) entry() (types.DeadLetterEntry, error) {
	var event types.ChangeEvent
	if err := json.Unmarshal([]byte(r.Event), &event); err != nil {
		return types.DeadLetterEntry{}, types.WrapError(types.DeadLetterStoreFailed, err, "dead letter %s holds an unreadable event", r.ID)
	}
	entry := types.DeadLetterEntry{
		ID:          r.ID,
		Event:       event,
		Reason:      r.Reason,
		ErrorCode:   types.ErrorCode(r.ErrorCode),
		ConnectorID: r.ConnectorID,
		ShardID:     r.ShardID,
		FirstSeenAt: time.Unix(0, r.FirstSeenAt).UTC(),
		State:       types.ResolutionState(r.State),
	}
	if r.ResolvedAt.Valid {
		resolved := time.Unix(0, r.ResolvedAt.Int64).UTC()
		entry.ResolvedAtUTC = &resolved
	}
	return entry, nil
}

// SQLite keeps dead letters in a single file so they outlive the connector
// process that produced them.
type SQLite struct {
	db *sqlx.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, types.NewError(types.DeadLetterStoreFailed, "sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(types.DeadLetterStoreFailed, err, "failed to create directory for %s", path)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, types.WrapError(types.DeadLetterStoreFailed, err, "failed to open sqlite dead letter store")
	}
	// a single connection serialises writers; sqlite allows only one at a time anyway
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", sqliteSchema, sqliteIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, types.WrapError(types.DeadLetterStoreFailed, err, "failed to initialise dead letter schema")
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) RecordFailure(ctx context.Context, event types.ChangeEvent, reason string, origin types.FailureContext) (types.DeadLetterEntry, error) {
	entry := newEntry(event, reason, origin)
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		return types.DeadLetterEntry{}, types.WrapError(types.DeadLetterStoreFailed, err, "failed to serialise event of %s", event.TableName)
	}

	_, err = s.db.NamedExecContext(ctx, `INSERT INTO dead_letters
		(id, event, reason, error_code, connector_id, shard_id, first_seen_at, state)
		VALUES (:id, :event, :reason, :error_code, :connector_id, :shard_id, :first_seen_at, :state)`,
		deadLetterRow{
			ID:          entry.ID,
			Event:       string(payload),
			Reason:      entry.Reason,
			ErrorCode:   string(entry.ErrorCode),
			ConnectorID: entry.ConnectorID,
			ShardID:     entry.ShardID,
			FirstSeenAt: entry.FirstSeenAt.UnixNano(),
			State:       string(entry.State),
		})
	if err != nil {
		return types.DeadLetterEntry{}, types.WrapError(types.DeadLetterStoreFailed, err, "failed to record dead letter")
	}
	// reload so the in-memory value matches what a later Get returns
	return s.Get(ctx, entry.ID)
}

func (s *SQLite) GetPending(ctx context.Context, limit int) ([]types.DeadLetterEntry, error) {
	if limit < 0 {
		limit = -1 // sqlite: no limit
	}
	rows := []deadLetterRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM dead_letters WHERE state = ? ORDER BY first_seen_at, id LIMIT ?`,
		string(types.Pending), limit)
	if err != nil {
		return nil, types.WrapError(types.DeadLetterStoreFailed, err, "failed to query pending dead letters")
	}

	entries := make([]types.DeadLetterEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *SQLite) CountPending(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM dead_letters WHERE state = ?`, string(types.Pending)); err != nil {
		return 0, types.WrapError(types.DeadLetterStoreFailed, err, "failed to count pending dead letters")
	}
	return count, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (types.DeadLetterEntry, error) {
	var row deadLetterRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM dead_letters WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DeadLetterEntry{}, notFound(id)
	}
	if err != nil {
		return types.DeadLetterEntry{}, types.WrapError(types.DeadLetterStoreFailed, err, "failed to read dead letter %s", id)
	}
	return row.entry()
}

func (s *SQLite) Resolve(ctx context.Context, id string, resolution types.ResolutionState) error {
	if err := checkResolution(resolution); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET state = ?, resolved_at = ? WHERE id = ? AND state = ?`,
		string(resolution), time.Now().UTC().UnixNano(), id, string(types.Pending))
	if err != nil {
		return types.WrapError(types.DeadLetterStoreFailed, err, "failed to resolve dead letter %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(types.DeadLetterStoreFailed, err, "failed to resolve dead letter %s", id)
	}
	if affected == 1 {
		return nil
	}

	// nothing updated: either unknown or no longer pending
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return alreadyResolved(id, entry.State)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
