package walrepl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lib/pq"
)

// duplicate_object
const alreadyExistsCode = "42710"

// Socket represents a connection to PostgreSQL's logical replication stream
type Socket struct {
	pgConn *pgconn.PgConn
	slot   string
	// statusInterval bounds the time between standby status updates
	statusInterval time.Duration
	nextStatus     time.Time

	mu sync.Mutex
	// clientXLogPos is the end of the last WAL data received
	clientXLogPos pglogrepl.LSN
	// flushedLSN is the last position acknowledged by the consumer
	flushedLSN pglogrepl.LSN
}

// NewConnection opens a replication connection and starts pgoutput
// streaming from start. A zero start resumes from the slot's confirmed flush
// position.
func NewConnection(ctx context.Context, config *Config, start pglogrepl.LSN) (*Socket, error) {
	cfg, err := pgconn.ParseConfig(config.ConnURL)
	if err != nil {
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to parse connection url")
	}
	cfg.RuntimeParams["replication"] = "database"

	pgConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to create replication connection")
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, pgConn)
	if err != nil {
		_ = pgConn.Close(ctx)
		return nil, types.WrapError(types.ConnectionFailed, err, "failed to identify system")
	}
	logger.Infof("SystemID:%s Timeline:%d XLogPos:%s Database:%s",
		sysident.SystemID, sysident.Timeline, sysident.XLogPos, sysident.DBName)

	if config.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, pgConn, config.ReplicationSlot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
		switch {
		case err == nil:
			logger.Infof("created replication slot[%s]", config.ReplicationSlot)
		case IsAlreadyExists(err):
			logger.Infof("replication slot[%s] already exists", config.ReplicationSlot)
		default:
			_ = pgConn.Close(ctx)
			return nil, types.WrapError(types.ConnectionFailed, err, "failed to create replication slot[%s]", config.ReplicationSlot)
		}
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names %s", pq.QuoteLiteral(config.Publication)),
	}
	if err := pglogrepl.StartReplication(ctx, pgConn, config.ReplicationSlot, start, pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments}); err != nil {
		_ = pgConn.Close(ctx)
		return nil, types.WrapError(types.ConnectionFailed, err, "starting replication slot failed")
	}
	logger.Infof("Started logical replication on slot[%s] from %s", config.ReplicationSlot, start)

	interval := config.StatusInterval
	if interval <= 0 {
		interval = constants.DefaultStatusInterval
	}
	return &Socket{
		pgConn:         pgConn,
		slot:           config.ReplicationSlot,
		statusInterval: interval,
		nextStatus:     time.Now().Add(interval),
		clientXLogPos:  start,
		flushedLSN:     start,
	}, nil
}

// ReceiveMessage blocks until the next pgoutput message. Keepalives and
// standby status updates are handled here.
func (s *Socket) ReceiveMessage(ctx context.Context) (WALMessage, error) {
	for {
		if time.Now().After(s.nextStatus) {
			if err := s.sendStatus(ctx); err != nil {
				return WALMessage{}, err
			}
		}

		deadlineCtx, cancel := context.WithDeadline(ctx, s.nextStatus)
		rawMsg, err := s.pgConn.ReceiveMessage(deadlineCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && pgconn.Timeout(err) {
				continue
			}
			return WALMessage{}, fmt.Errorf("failed to receive message from wal: %s", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return WALMessage{}, fmt.Errorf("postgres error: %s", errMsg.Message)
		}
		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			logger.Debugf("received unexpected message type: %T", rawMsg)
			continue
		}

		msg, ok, err := s.handleCopyData(copyData.Data)
		if err != nil || ok {
			return msg, err
		}
	}
}

// handleCopyData decodes one CopyData payload. ok is false for payloads that
// carry no logical message, such as keepalives.
func (s *Socket) handleCopyData(data []byte) (WALMessage, bool, error) {
	if len(data) == 0 {
		logger.Debug("received empty copy data message")
		return WALMessage{}, false, nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return WALMessage{}, false, fmt.Errorf("failed to parse primary keepalive message: %s", err)
		}
		if pkm.ReplyRequested {
			s.nextStatus = time.Time{}
		}

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return WALMessage{}, false, fmt.Errorf("failed to parse XLogData: %s", err)
		}
		s.mu.Lock()
		if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > s.clientXLogPos {
			s.clientXLogPos = end
		}
		s.mu.Unlock()

		if len(xld.WALData) == 0 {
			return WALMessage{}, false, types.NewError(types.DeserializationFailed, "empty logical message at %s", xld.WALStart)
		}
		msg, err := pglogrepl.Parse(xld.WALData)
		if err != nil {
			return WALMessage{}, false, types.WrapError(types.DeserializationFailed, err, "failed to parse logical message at %s", xld.WALStart)
		}
		return WALMessage{WALStart: xld.WALStart, ServerTime: xld.ServerTime, Message: msg}, true, nil

	default:
		logger.Debugf("received unhandled message type: %v", data[0])
	}
	return WALMessage{}, false, nil
}

// Acknowledge records lsn; it is reported as flushed with the next status update.
func (s *Socket) Acknowledge(lsn pglogrepl.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsn > s.flushedLSN {
		s.flushedLSN = lsn
	}
}

func (s *Socket) sendStatus(ctx context.Context) error {
	s.mu.Lock()
	written, flushed := s.clientXLogPos, s.flushedLSN
	s.mu.Unlock()

	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.pgConn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: written,
		WALFlushPosition: flushed,
		WALApplyPosition: flushed,
	})
	if err != nil {
		return fmt.Errorf("failed to send standby status message: %s", err)
	}
	logger.Debugf("sent standby status message, flushed LSN#%s", flushed)
	s.nextStatus = time.Now().Add(s.statusInterval)
	return nil
}

func (s *Socket) Close(ctx context.Context) error {
	return s.pgConn.Close(ctx)
}

// IsAlreadyExists reports a duplicate_object error, returned when a slot or
// publication is created twice.
func IsAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == alreadyExistsCode
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
