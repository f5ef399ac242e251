package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/changetracking"
	"github.com/datazip-inc/olake-cdc/pkg/jdbc"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
	"github.com/jmoiron/sqlx"

	// SQL Server driver
	_ "github.com/denisenkom/go-mssqldb"
)

const pingTimeout = 30 * time.Second

// SQLServer represents the SQL Server change tracking driver
type SQLServer struct {
	*base.Driver
	config *Config
	// change tracking readers keyed by shard id; "" when unsharded
	sources map[string]*changetracking.SQLSource
}

func (s *SQLServer) GetConfigRef() protocol.Config {
	s.config = &Config{}
	return s.config
}

func (s *SQLServer) Spec() any {
	return Config{}
}

func (s *SQLServer) Type() string {
	return "SQLServer"
}

func (s *SQLServer) ConnectorID() string {
	return constants.SQLServerConnectorID
}

func (s *SQLServer) Common() *protocol.CommonConfig {
	return &s.config.CommonConfig
}

// Setup connects to every shard and checks that change tracking is usable
// on each tracked table.
func (s *SQLServer) Setup(ctx context.Context) error {
	err := s.config.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate config: %s", err)
	}
	if err := s.SetTables(s.config.Tables, s.config.DefaultSchema); err != nil {
		return err
	}
	s.SetShards(s.config.ShardIDs())

	s.sources = make(map[string]*changetracking.SQLSource)
	for _, shardID := range utils.Ternary(len(s.ShardIDs()) == 0, []string{""}, s.ShardIDs()) {
		cfg, err := s.config.ForShard(shardID)
		if err != nil {
			return err
		}
		source, err := s.connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", base.ShardLabel(shardID), err)
		}
		s.sources[shardID] = source
	}
	return nil
}

func (s *SQLServer) connect(ctx context.Context, cfg *Config) (*changetracking.SQLSource, error) {
	client, err := sqlx.Open("sqlserver", cfg.URL())
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

	source := changetracking.NewSQLSource(client)
	if err := checkChangeTracking(ctx, source, s.Tables()); err != nil {
		_ = source.Close()
		return nil, err
	}
	logger.Infof("connected to SQL Server %s:%d/%s tracking %d tables", cfg.Host, cfg.Port, cfg.Database, len(s.Tables()))
	return source, nil
}

func checkChangeTracking(ctx context.Context, source *changetracking.SQLSource, tables []types.TableRef) error {
	if _, err := source.CurrentVersion(ctx); err != nil {
		return types.WrapError(types.ConnectionFailed, err, "change tracking check failed")
	}
	for _, table := range tables {
		if _, err := source.MinValidVersion(ctx, table); err != nil {
			return types.WrapError(types.ConnectionFailed, err, "change tracking check failed")
		}
		keys, err := source.PrimaryKeys(ctx, table)
		if err != nil {
			return types.WrapError(types.ConnectionFailed, err, "change tracking check failed")
		}
		if _, err := jdbc.SQLServerChangesQuery(table, keys); err != nil {
			return types.WrapError(types.ConnectionFailed, err, "change tracking check failed")
		}
	}
	return nil
}

func (s *SQLServer) NewConnector(ctx context.Context, shardID string, store protocol.PositionStore) (protocol.Connector, error) {
	if err := s.CheckShard(shardID); err != nil {
		return nil, err
	}
	source, found := s.sources[shardID]
	if !found {
		return nil, types.NewError(types.ShardNotFound, "no connection for %s; sharded deployments need a shard id", base.ShardLabel(shardID))
	}
	cfg, err := s.config.ForShard(shardID)
	if err != nil {
		return nil, err
	}

	start, err := resolveStart(ctx, store, source, s.Tables(), cfg.ReplayHistory)
	if err != nil {
		return nil, err
	}
	return &Connector{
		shardID: shardID,
		source:  source,
		start:   start,
		options: changetracking.PollerOptions{
			Tables:       s.Tables(),
			Start:        start,
			PollInterval: cfg.PollInterval(),
			Before:       cfg.UpdateBeforeImage,
			Database:     cfg.Database,
		},
	}, nil
}

func (s *SQLServer) Close() error {
	closers := make([]func() error, 0, len(s.sources))
	for shardID, source := range s.sources {
		closers = append(closers, utils.ErrExecFormat(base.ShardLabel(shardID)+": %s", source.Close))
	}
	return utils.ErrExecSequential(closers...)
}
