package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/jdbc"
	"github.com/datazip-inc/olake-cdc/pkg/walrepl"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/jackc/pglogrepl"
	"github.com/jmoiron/sqlx"
)

type connectFunc func(ctx context.Context, config *walrepl.Config, start pglogrepl.LSN) (walrepl.MessageSource, error)

type currentLSNReader interface {
	CurrentLSN(ctx context.Context) (pglogrepl.LSN, error)
}

// Connector streams one database's publication through its replication slot.
type Connector struct {
	shardID     string
	database    string
	replication *walrepl.Config
	tracks      func(schema, table string) bool
	lsns        currentLSNReader
	start       pglogrepl.LSN
	connect     connectFunc

	mu     sync.Mutex
	reader *walrepl.Reader
}

func (c *Connector) ID() string {
	return constants.PostgresConnectorID
}

func (c *Connector) GetCurrentPosition(ctx context.Context) (types.Position, error) {
	lsn, err := c.lsns.CurrentLSN(ctx)
	if err != nil {
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to get current wal lsn")
	}
	return types.LSNPosition{LSN: lsn}, nil
}

func (c *Connector) StreamChanges(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		source, err := c.connect(ctx, c.replication, c.start)
		if err != nil {
			if ctx.Err() == nil {
				yield(types.ChangeEvent{}, err)
			}
			return
		}
		defer func() {
			if err := source.Close(context.Background()); err != nil {
				logger.Warnf("failed to close replication connection of %s: %s", base.ShardLabel(c.shardID), err)
			}
		}()

		reader := walrepl.NewReader(source, walrepl.ReaderOptions{
			Start:    c.start,
			Database: c.database,
			Tracks:   c.tracks,
		})
		c.mu.Lock()
		c.reader = reader
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.reader = nil
			c.mu.Unlock()
		}()

		logger.Infof("Starting Postgres CDC of %s from lsn %s", base.ShardLabel(c.shardID), c.start)
		for event, err := range reader.Stream(ctx) {
			if !yield(event, err) {
				return
			}
		}
	}
}

// Acknowledge reports position as flushed so the server can recycle WAL.
// It is recorded while a stream is running and ignored otherwise.
func (c *Connector) Acknowledge(ctx context.Context, position types.Position) error {
	if _, ok := position.(types.LSNPosition); !ok {
		return types.NewError(types.PositionInvalid, "cannot acknowledge %s position on postgres", position.Kind())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	return c.reader.Acknowledge(ctx, position)
}

// resolveStart picks the saved LSN, else zero (everything the slot retained)
// when replaying history, else the current WAL position.
func resolveStart(ctx context.Context, store protocol.PositionStore, lsns currentLSNReader, replayHistory bool) (pglogrepl.LSN, error) {
	saved, found, err := base.ResumePosition(ctx, store, constants.PostgresConnectorID, types.LSNKind)
	if err != nil {
		return 0, err
	}
	if found {
		return saved.(types.LSNPosition).LSN, nil
	}
	if replayHistory {
		logger.Infof("replaying wal retained by the replication slot")
		return 0, nil
	}
	lsn, err := lsns.CurrentLSN(ctx)
	if err != nil {
		return 0, types.WrapError(types.ConnectionFailed, err, "failed to get current wal lsn")
	}
	logger.Infof("skipping history; starting from current lsn %s", lsn)
	return lsn, nil
}

type lsnReader struct {
	client *sqlx.DB
}

func (l *lsnReader) CurrentLSN(ctx context.Context) (pglogrepl.LSN, error) {
	var raw string
	if err := l.client.GetContext(ctx, &raw, jdbc.PostgresWalLSNQuery()); err != nil {
		return 0, err
	}
	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse lsn[%s]: %s", raw, err)
	}
	return lsn, nil
}
