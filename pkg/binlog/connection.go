package binlog

import (
	"context"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
)

// Connection wraps the binlog syncer and its streamer.
type Connection struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
}

// NewConnection starts a binlog dump from start. GTID mode resumes from the
// executed set, file mode from the file and offset.
func NewConnection(_ context.Context, config *Config, mode Mode, start types.BinlogPosition) (*Connection, error) {
	syncerConfig := replication.BinlogSyncerConfig{
		ServerID:        config.ServerID,
		Flavor:          config.Flavor,
		Host:            config.Host,
		Port:            config.Port,
		User:            config.User,
		Password:        config.Password,
		Charset:         config.Charset,
		VerifyChecksum:  config.VerifyChecksum,
		HeartbeatPeriod: config.HeartbeatPeriod,
	}
	syncer := replication.NewBinlogSyncer(syncerConfig)

	var (
		streamer *replication.BinlogStreamer
		err      error
	)
	switch mode {
	case GTIDMode:
		gset, perr := mysql.ParseGTIDSet(config.Flavor, start.GTIDSet)
		if perr != nil {
			syncer.Close()
			return nil, types.WrapError(types.PositionInvalid, perr, "failed to parse gtid set %q", start.GTIDSet)
		}
		logger.Infof("starting binlog sync from gtid set [%s]", gset)
		streamer, err = syncer.StartSyncGTID(gset)
	default:
		logger.Infof("starting binlog sync from %s:%d", start.File, start.Offset)
		streamer, err = syncer.StartSync(mysql.Position{Name: start.File, Pos: start.Offset})
	}
	if err != nil {
		syncer.Close()
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to start binlog sync")
	}
	return &Connection{syncer: syncer, streamer: streamer}, nil
}

func (c *Connection) GetEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	return c.streamer.GetEvent(ctx)
}

// Close terminates the binlog syncer.
func (c *Connection) Close() {
	c.syncer.Close()
}
