package positionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/datazip-inc/olake-cdc/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresTable = "cdc_positions"

// Postgres persists positions in a regular table of a postgres database. It
// is independent of any database a connector replicates from.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, types.NewError(types.PositionStoreFailed, "postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to connect position database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to ping position database")
	}

	_, err = pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		connector_id TEXT NOT NULL,
		shard_id TEXT NOT NULL,
		position BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (connector_id, shard_id)
	)`, postgresTable))
	if err != nil {
		pool.Close()
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to create %s", postgresTable)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) GetPosition(ctx context.Context, connectorID string) (types.Position, bool, error) {
	return p.GetShardPosition(ctx, Unsharded, connectorID)
}

func (p *Postgres) SavePosition(ctx context.Context, connectorID string, position types.Position) error {
	return p.SaveShardPosition(ctx, Unsharded, connectorID, position)
}

func (p *Postgres) DeletePosition(ctx context.Context, connectorID string) error {
	return p.DeleteShardPosition(ctx, Unsharded, connectorID)
}

func (p *Postgres) GetShardPosition(ctx context.Context, shardID, connectorID string) (types.Position, bool, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, false, err
	}
	var raw []byte
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT position FROM %s WHERE connector_id = $1 AND shard_id = $2", postgresTable),
		connectorID, shardID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.WrapError(types.PositionStoreFailed, err, "failed to read position of connector[%s]", connectorID)
	}
	position, err := decode(connectorID, shardID, raw)
	if err != nil {
		return nil, false, err
	}
	return position, true, nil
}

func (p *Postgres) SaveShardPosition(ctx context.Context, shardID, connectorID string, position types.Position) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	raw, err := encode(position)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (connector_id, shard_id, position, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (connector_id, shard_id)
		 DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`, postgresTable),
		connectorID, shardID, raw,
	)
	if err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "failed to save position of connector[%s]", connectorID)
	}
	return nil
}

func (p *Postgres) DeleteShardPosition(ctx context.Context, shardID, connectorID string) error {
	if err := checkConnectorID(connectorID); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE connector_id = $1 AND shard_id = $2", postgresTable),
		connectorID, shardID,
	)
	if err != nil {
		return types.WrapError(types.PositionStoreFailed, err, "failed to delete position of connector[%s]", connectorID)
	}
	return nil
}

func (p *Postgres) GetAllPositions(ctx context.Context, connectorID string) (map[string]types.Position, error) {
	if err := checkConnectorID(connectorID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf("SELECT shard_id, position FROM %s WHERE connector_id = $1 AND shard_id <> ''", postgresTable),
		connectorID,
	)
	if err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to list positions of connector[%s]", connectorID)
	}
	defer rows.Close()

	result := make(map[string]types.Position)
	for rows.Next() {
		var shardID string
		var raw []byte
		if err := rows.Scan(&shardID, &raw); err != nil {
			return nil, types.WrapError(types.PositionStoreFailed, err, "failed to scan position row")
		}
		position, err := decode(connectorID, shardID, raw)
		if err != nil {
			return nil, err
		}
		result[shardID] = position
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.PositionStoreFailed, err, "failed to iterate positions")
	}
	return result, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
