package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/binlog"
	"github.com/datazip-inc/olake-cdc/pkg/jdbc"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
	"github.com/jmoiron/sqlx"

	// MySQL driver
	_ "github.com/go-sql-driver/mysql"
)

const pingTimeout = 10 * time.Second

// MySQL represents the MySQL binlog driver
type MySQL struct {
	*base.Driver
	config *Config
	// metadata clients keyed by shard id; "" when unsharded
	clients map[string]*sqlx.DB
}

// GetConfigRef returns a reference to the configuration
func (m *MySQL) GetConfigRef() protocol.Config {
	m.config = &Config{}
	return m.config
}

// Spec returns the configuration specification
func (m *MySQL) Spec() any {
	return Config{}
}

// Type returns the database type
func (m *MySQL) Type() string {
	return "MySQL"
}

func (m *MySQL) ConnectorID() string {
	return constants.MySQLConnectorID
}

func (m *MySQL) Common() *protocol.CommonConfig {
	return &m.config.CommonConfig
}

// Setup validates the config and opens one metadata connection per shard
func (m *MySQL) Setup(ctx context.Context) error {
	err := m.config.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate config: %s", err)
	}
	if err := m.SetTables(m.config.Tables, m.config.Database); err != nil {
		return err
	}
	m.SetShards(m.config.ShardIDs())

	m.clients = make(map[string]*sqlx.DB)
	for _, shardID := range m.shardKeys() {
		cfg, err := m.config.ForShard(shardID)
		if err != nil {
			return err
		}
		client, err := m.connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", base.ShardLabel(shardID), err)
		}
		m.clients[shardID] = client
	}
	return nil
}

func (m *MySQL) shardKeys() []string {
	return utils.Ternary(len(m.ShardIDs()) == 0, []string{""}, m.ShardIDs())
}

func (m *MySQL) connect(ctx context.Context, cfg *Config) (*sqlx.DB, error) {
	client, err := sqlx.Open("mysql", cfg.URI())
	if err != nil {
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to open database connection")
	}
	err = base.RetryOnBackoff(ctx, cfg.RetryCount, time.Second, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return client.PingContext(pingCtx)
	})
	if err != nil {
		_ = client.Close()
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to ping %s:%d", cfg.Host, cfg.Port)
	}

	var format string
	if err := client.GetContext(ctx, &format, jdbc.MySQLBinlogFormatQuery()); err != nil {
		_ = client.Close()
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to read binlog format")
	}
	if !strings.EqualFold(format, "ROW") {
		_ = client.Close()
		return nil, types.NewError(types.ConnectionFailed, "binlog_format is %s; row based replication requires ROW", format)
	}
	logger.Infof("connected to MySQL %s:%d (server id %d, %s mode)", cfg.Host, cfg.Port, cfg.ServerID, cfg.Mode)
	return client, nil
}

// NewConnector resolves the start position of shardID and returns its connector
func (m *MySQL) NewConnector(ctx context.Context, shardID string, store protocol.PositionStore) (protocol.Connector, error) {
	if err := m.CheckShard(shardID); err != nil {
		return nil, err
	}
	client, found := m.clients[shardID]
	if !found {
		return nil, types.NewError(types.ShardNotFound, "no connection for %s; sharded deployments need a shard id", base.ShardLabel(shardID))
	}
	cfg, err := m.config.ForShard(shardID)
	if err != nil {
		return nil, err
	}

	meta := &metadata{client: client, flavor: cfg.Flavor, mode: cfg.Mode}
	start, err := resolveStart(ctx, store, meta, cfg.Mode, cfg.ReplayHistory)
	if err != nil {
		return nil, err
	}
	return &Connector{
		shardID: shardID,
		config:  cfg,
		tracks:  m.Tracks,
		meta:    meta,
		start:   start,
		connect: func(ctx context.Context, config *binlog.Config, mode binlog.Mode, start types.BinlogPosition) (binlog.EventSource, error) {
			return binlog.NewConnection(ctx, config, mode, start)
		},
	}, nil
}

// Close ensures proper cleanup
func (m *MySQL) Close() error {
	closers := make([]func() error, 0, len(m.clients))
	for shardID, client := range m.clients {
		closers = append(closers, utils.ErrExecFormat(base.ShardLabel(shardID)+": %s", client.Close))
	}
	return utils.ErrExecSequential(closers...)
}
