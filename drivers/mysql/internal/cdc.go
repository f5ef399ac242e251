package driver

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/binlog"
	"github.com/datazip-inc/olake-cdc/pkg/jdbc"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/typeutils"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/jmoiron/sqlx"
)

// firstEventOffset is where events start in every binlog file, after the magic header.
const firstEventOffset = 4

type connectFunc func(ctx context.Context, config *binlog.Config, mode binlog.Mode, start types.BinlogPosition) (binlog.EventSource, error)

// positionReader reads replication coordinates from the source.
type positionReader interface {
	CurrentPosition(ctx context.Context) (types.BinlogPosition, error)
	// OldestPosition is the earliest position still present in the binlogs.
	OldestPosition(ctx context.Context) (types.BinlogPosition, error)
	Columns(ctx context.Context, schema, table string) ([]string, error)
}

// Connector streams one MySQL server's binlog.
type Connector struct {
	shardID string
	config  *Config
	tracks  func(schema, table string) bool
	meta    positionReader
	start   types.BinlogPosition
	connect connectFunc
}

func (c *Connector) ID() string {
	return constants.MySQLConnectorID
}

// Start is the position streaming resumes after.
func (c *Connector) Start() types.BinlogPosition {
	return c.start
}

func (c *Connector) GetCurrentPosition(ctx context.Context) (types.Position, error) {
	position, err := c.meta.CurrentPosition(ctx)
	if err != nil {
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to get current binlog position")
	}
	return position, nil
}

func (c *Connector) StreamChanges(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		source, err := c.connect(ctx, c.config.binlogConfig(), c.config.Mode, c.start)
		if err != nil {
			if ctx.Err() == nil {
				yield(types.ChangeEvent{}, err)
			}
			return
		}
		defer source.Close()

		reader, err := binlog.NewReader(source, binlog.ReaderOptions{
			Mode:    c.config.Mode,
			Flavor:  c.config.Flavor,
			Start:   c.start,
			Tracks:  c.tracks,
			Columns: c.meta.Columns,
		})
		if err != nil {
			yield(types.ChangeEvent{}, err)
			return
		}

		logger.Infof("Starting MySQL CDC of %s from binlog position %s", base.ShardLabel(c.shardID), c.start)
		for event, err := range reader.Stream(ctx) {
			if !yield(event, err) {
				return
			}
		}
	}
}

// resolveStart picks the saved position, else the oldest retained position
// when replaying history, else the current one.
func resolveStart(ctx context.Context, store protocol.PositionStore, meta positionReader, mode binlog.Mode, replayHistory bool) (types.BinlogPosition, error) {
	saved, found, err := base.ResumePosition(ctx, store, constants.MySQLConnectorID, types.BinlogKind)
	if err != nil {
		return types.BinlogPosition{}, err
	}
	if found {
		position := saved.(types.BinlogPosition)
		if mode == binlog.GTIDMode && !position.HasGTID() {
			return types.BinlogPosition{}, types.NewError(types.PositionInvalid, "saved position %s has no gtid set but position_mode is gtid", position)
		}
		if mode == binlog.FileMode && !position.HasFile() {
			return types.BinlogPosition{}, types.NewError(types.PositionInvalid, "saved position %s has no binlog file but position_mode is file", position)
		}
		return position, nil
	}

	if replayHistory {
		position, err := meta.OldestPosition(ctx)
		if err != nil {
			return types.BinlogPosition{}, types.WrapError(types.ConnectionFailed, err, "failed to get oldest binlog position")
		}
		logger.Infof("replaying retained binlog history from %s", position)
		return position, nil
	}
	position, err := meta.CurrentPosition(ctx)
	if err != nil {
		return types.BinlogPosition{}, types.WrapError(types.ConnectionFailed, err, "failed to get current binlog position")
	}
	logger.Infof("skipping history; starting from current binlog position %s", position)
	return position, nil
}

// metadata answers position and schema questions over a regular connection.
type metadata struct {
	client *sqlx.DB
	flavor string
	mode   binlog.Mode
}

func (m *metadata) CurrentPosition(ctx context.Context) (types.BinlogPosition, error) {
	status, err := m.binlogStatus(ctx)
	if err != nil {
		return types.BinlogPosition{}, err
	}
	file, _ := status["File"].(string)
	offset, err := toUint32(status["Position"])
	if err != nil {
		return types.BinlogPosition{}, fmt.Errorf("failed to parse binlog offset: %s", err)
	}
	if m.mode == binlog.FileMode {
		return types.NewFilePosition(file, offset), nil
	}

	var executed string
	query := jdbc.MySQLGTIDExecutedQuery()
	if m.flavor == mysql.MariaDBFlavor {
		query = jdbc.MariaDBGTIDCurrentQuery()
	}
	if err := m.client.GetContext(ctx, &executed, query); err != nil {
		return types.BinlogPosition{}, fmt.Errorf("failed to read executed gtid set: %s", err)
	}
	return types.NewGTIDPosition(executed).WithFile(file, offset), nil
}

// binlogStatus reads SHOW MASTER STATUS, falling back to SHOW BINARY LOG
// STATUS on servers that removed the former.
func (m *metadata) binlogStatus(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	capture := func(rows *sql.Rows) error {
		status = make(map[string]any)
		return jdbc.MapScan(rows, status)
	}
	err := jdbc.Capture(ctx, m.client.DB, jdbc.MySQLMasterStatusQuery(), capture)
	if err != nil {
		logger.Debugf("%s failed, trying %s: %s", jdbc.MySQLMasterStatusQuery(), jdbc.MySQLBinaryLogStatusQuery(), err)
		err = jdbc.Capture(ctx, m.client.DB, jdbc.MySQLBinaryLogStatusQuery(), capture)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get master status: %s", err)
	}
	if status == nil {
		return nil, fmt.Errorf("no binlog position available; is binary logging enabled?")
	}
	return status, nil
}

func (m *metadata) OldestPosition(ctx context.Context) (types.BinlogPosition, error) {
	if m.mode == binlog.GTIDMode {
		// purged transactions count as executed, so the dump starts at the
		// oldest one still on disk
		var purged string
		if err := m.client.GetContext(ctx, &purged, jdbc.MySQLGTIDPurgedQuery()); err != nil {
			return types.BinlogPosition{}, fmt.Errorf("failed to read purged gtid set: %s", err)
		}
		return types.NewGTIDPosition(purged), nil
	}

	var first string
	err := jdbc.Capture(ctx, m.client.DB, jdbc.MySQLBinaryLogsQuery(), func(rows *sql.Rows) error {
		if first != "" {
			return nil
		}
		row := make(map[string]any)
		if err := jdbc.MapScan(rows, row); err != nil {
			return err
		}
		first, _ = row["Log_name"].(string)
		return nil
	})
	if err != nil {
		return types.BinlogPosition{}, fmt.Errorf("failed to list binary logs: %s", err)
	}
	if first == "" {
		return types.BinlogPosition{}, fmt.Errorf("no binary logs available")
	}
	return types.NewFilePosition(first, firstEventOffset), nil
}

func (m *metadata) Columns(ctx context.Context, schema, table string) ([]string, error) {
	var columns []string
	if err := m.client.SelectContext(ctx, &columns, jdbc.MySQLTableColumnsQuery(), schema, table); err != nil {
		return nil, fmt.Errorf("failed to query column information: %s", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, table)
	}
	return columns, nil
}

func toUint32(value any) (uint32, error) {
	parsed, err := typeutils.ReformatInt64(value)
	if err != nil {
		return 0, err
	}
	if parsed < 0 || parsed > math.MaxUint32 {
		return 0, fmt.Errorf("%d is out of range", parsed)
	}
	return uint32(parsed), nil
}
