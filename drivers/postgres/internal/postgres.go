package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/jdbc"
	"github.com/datazip-inc/olake-cdc/pkg/walrepl"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
	"github.com/jackc/pglogrepl"
	"github.com/jmoiron/sqlx"

	// registers the "pgx" database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

const pingTimeout = 2 * time.Minute

type Postgres struct {
	*base.Driver
	config *Config // postgres driver connection config
	// metadata clients keyed by shard id; "" when unsharded
	clients map[string]*sqlx.DB
}

func (p *Postgres) GetConfigRef() protocol.Config {
	p.config = &Config{}

	return p.config
}

func (p *Postgres) Spec() any {
	return Config{}
}

func (p *Postgres) Type() string {
	return "Postgres"
}

func (p *Postgres) ConnectorID() string {
	return constants.PostgresConnectorID
}

func (p *Postgres) Common() *protocol.CommonConfig {
	return &p.config.CommonConfig
}

func (p *Postgres) Setup(ctx context.Context) error {
	err := p.config.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate config: %s", err)
	}
	if err := p.SetTables(p.config.Tables, p.config.DefaultSchema); err != nil {
		return err
	}
	p.SetShards(p.config.ShardIDs())

	p.clients = make(map[string]*sqlx.DB)
	for _, shardID := range utils.Ternary(len(p.ShardIDs()) == 0, []string{""}, p.ShardIDs()) {
		cfg, err := p.config.ForShard(shardID)
		if err != nil {
			return err
		}
		client, err := p.connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", base.ShardLabel(shardID), err)
		}
		p.clients[shardID] = client
	}
	return nil
}

func (p *Postgres) connect(ctx context.Context, cfg *Config) (*sqlx.DB, error) {
	connURL, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	client, err := sqlx.Open("pgx", connURL.String())
	if err != nil {
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to connect database")
	}

	// force a connection and test that it worked
	err = base.RetryOnBackoff(ctx, cfg.RetryCount, time.Second, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return client.PingContext(pingCtx)
	})
	if err != nil {
		_ = client.Close()
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to ping database")
	}

	if err := ensurePublication(ctx, client, cfg.Publication, cfg.CreatePublication, p.Tables()); err != nil {
		_ = client.Close()
		return nil, err
	}
	exists, err := doesReplicationSlotExists(ctx, client, cfg.ReplicationSlot)
	if err != nil {
		_ = client.Close()
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to check replication slot")
	}
	if !exists && !cfg.CreateSlot {
		_ = client.Close()
		return nil, types.NewError(types.ConnectionFailed, "replication slot %s does not exist", cfg.ReplicationSlot)
	}
	logger.Infof("connected to Postgres %s:%d/%s (slot %s, publication %s)", cfg.Host, cfg.Port, cfg.Database, cfg.ReplicationSlot, cfg.Publication)
	return client, nil
}

// ensurePublication creates the publication when asked to; a publication
// created concurrently by someone else counts as success.
func ensurePublication(ctx context.Context, client *sqlx.DB, publication string, create bool, tables []types.TableRef) error {
	var exists bool
	if err := client.GetContext(ctx, &exists, jdbc.PostgresPublicationExistsQuery(), publication); err != nil {
		return types.WrapError(types.ConnectionFailed, err, "failed to check publication %s", publication)
	}
	if exists {
		return nil
	}
	if !create {
		return types.NewError(types.ConnectionFailed, "publication %s does not exist", publication)
	}

	_, err := client.ExecContext(ctx, jdbc.PostgresCreatePublicationQuery(publication, tables))
	switch {
	case err == nil:
		logger.Infof("created publication[%s] for %d tables", publication, len(tables))
	case walrepl.IsAlreadyExists(err):
		logger.Infof("publication[%s] already exists", publication)
	default:
		return types.WrapError(types.ConnectionFailed, err, "failed to create publication %s", publication)
	}
	return nil
}

func doesReplicationSlotExists(ctx context.Context, conn *sqlx.DB, slotName string) (bool, error) {
	slot := walrepl.ReplicationSlot{}
	err := conn.GetContext(ctx, &slot, walrepl.ReplicationSlotTempl, slotName)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, validateReplicationSlot(slotName, slot)
}

func validateReplicationSlot(slotName string, slot walrepl.ReplicationSlot) error {
	if slot.Plugin != "pgoutput" {
		return fmt.Errorf("plugin not supported[%s] on slot %s: driver only supports pgoutput", slot.Plugin, slotName)
	}

	if slot.SlotType != "logical" {
		return fmt.Errorf("only logical slots are supported: %s", slot.SlotType)
	}

	return nil
}

func (p *Postgres) NewConnector(ctx context.Context, shardID string, store protocol.PositionStore) (protocol.Connector, error) {
	if err := p.CheckShard(shardID); err != nil {
		return nil, err
	}
	client, found := p.clients[shardID]
	if !found {
		return nil, types.NewError(types.ShardNotFound, "no connection for %s; sharded deployments need a shard id", base.ShardLabel(shardID))
	}
	cfg, err := p.config.ForShard(shardID)
	if err != nil {
		return nil, err
	}
	replication, err := cfg.replicationConfig()
	if err != nil {
		return nil, err
	}

	lsns := &lsnReader{client: client}
	start, err := resolveStart(ctx, store, lsns, cfg.ReplayHistory)
	if err != nil {
		return nil, err
	}
	return &Connector{
		shardID:     shardID,
		database:    cfg.Database,
		replication: replication,
		tracks:      p.Tracks,
		lsns:        lsns,
		start:       start,
		connect: func(ctx context.Context, config *walrepl.Config, start pglogrepl.LSN) (walrepl.MessageSource, error) {
			return walrepl.NewConnection(ctx, config, start)
		},
	}, nil
}

func (p *Postgres) Close() error {
	closers := make([]func() error, 0, len(p.clients))
	for shardID, client := range p.clients {
		closers = append(closers, utils.ErrExecFormat(base.ShardLabel(shardID)+": %s", client.Close))
	}
	return utils.ErrExecSequential(closers...)
}
