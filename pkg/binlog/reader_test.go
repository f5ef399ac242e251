package binlog

import (
	"context"
	"errors"
	"testing"

	"github.com/datazip-inc/olake-cdc/types"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverUUID = "3e11fa47-71ca-11e1-9e33-c80aa9429562"

var errDrained = errors.New("fixture drained")

// fixtureSource replays a fixed event list, then fails with errDrained.
type fixtureSource struct {
	events []*replication.BinlogEvent
	next   int
}

func (f *fixtureSource) GetEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.next >= len(f.events) {
		return nil, errDrained
	}
	ev := f.events[f.next]
	f.next++
	return ev, nil
}

func (f *fixtureSource) Close() {}

func event(eventType replication.EventType, logPos uint32, e replication.Event) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: eventType, LogPos: logPos, Timestamp: 1700000000 + logPos},
		Event:  e,
	}
}

func rotate(file string, pos uint64) *replication.BinlogEvent {
	return event(replication.ROTATE_EVENT, 0, &replication.RotateEvent{Position: pos, NextLogName: []byte(file)})
}

func tableMap(logPos uint32, id uint64, columns ...string) *replication.BinlogEvent {
	names := make([][]byte, 0, len(columns))
	for _, c := range columns {
		names = append(names, []byte(c))
	}
	return event(replication.TABLE_MAP_EVENT, logPos, &replication.TableMapEvent{
		TableID: id, Schema: []byte("shop"), Table: []byte("orders"), ColumnName: names,
	})
}

func begin(logPos uint32) *replication.BinlogEvent {
	return event(replication.QUERY_EVENT, logPos, &replication.QueryEvent{Query: []byte("BEGIN")})
}

func xid(logPos uint32) *replication.BinlogEvent {
	return event(replication.XID_EVENT, logPos, &replication.XIDEvent{})
}

func gtid(logPos uint32, gno int64) *replication.BinlogEvent {
	sid := uuid.MustParse(serverUUID)
	return event(replication.GTID_EVENT, logPos, &replication.GTIDEvent{SID: sid[:], GNO: gno})
}

func rows(eventType replication.EventType, logPos uint32, tableID uint64, values ...[]any) *replication.BinlogEvent {
	return event(eventType, logPos, &replication.RowsEvent{TableID: tableID, Rows: values})
}

// three transactions: two inserts, one update, one delete
func fileFixture() []*replication.BinlogEvent {
	return []*replication.BinlogEvent{
		rotate("bin.000001", 4),
		begin(150),
		tableMap(180, 7, "id", "status"),
		rows(replication.WRITE_ROWS_EVENTv2, 200, 7, []any{int32(1), []byte("new")}, []any{int32(2), []byte("new")}),
		xid(230),
		begin(260),
		tableMap(280, 7, "id", "status"),
		rows(replication.UPDATE_ROWS_EVENTv2, 300, 7, []any{int32(1), []byte("new")}, []any{int32(1), []byte("paid")}),
		xid(330),
		rotate("bin.000002", 4),
		begin(60),
		tableMap(80, 7, "id", "status"),
		rows(replication.DELETE_ROWS_EVENTv2, 100, 7, []any{int32(2), []byte("new")}),
		xid(130),
	}
}

func gtidFixture() []*replication.BinlogEvent {
	return []*replication.BinlogEvent{
		rotate("bin.000001", 4),
		gtid(120, 1),
		begin(150),
		tableMap(180, 7, "id", "status"),
		rows(replication.WRITE_ROWS_EVENTv2, 200, 7, []any{int32(1), []byte("new")}, []any{int32(2), []byte("new")}),
		xid(230),
		gtid(240, 2),
		begin(260),
		tableMap(280, 7, "id", "status"),
		rows(replication.UPDATE_ROWS_EVENTv2, 300, 7, []any{int32(1), []byte("new")}, []any{int32(1), []byte("paid")}),
		xid(330),
		gtid(340, 3),
		begin(360),
		tableMap(380, 7, "id", "status"),
		rows(replication.DELETE_ROWS_EVENTv2, 400, 7, []any{int32(2), []byte("new")}),
		xid(430),
	}
}

func collect(t *testing.T, r *Reader) []types.ChangeEvent {
	t.Helper()
	out := []types.ChangeEvent{}
	for e, err := range r.Stream(context.Background()) {
		if err != nil {
			require.ErrorIs(t, err, errDrained)
			assert.True(t, errors.Is(err, types.ErrStreamInterrupted))
			break
		}
		out = append(out, e)
	}
	return out
}

func newReader(t *testing.T, fixture []*replication.BinlogEvent, opts ReaderOptions) *Reader {
	t.Helper()
	r, err := NewReader(&fixtureSource{events: fixture}, opts)
	require.NoError(t, err)
	return r
}

func assertMonotonic(t *testing.T, events []types.ChangeEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		cmp, err := events[i-1].Metadata.Position.Compare(events[i].Metadata.Position)
		require.NoError(t, err)
		assert.LessOrEqual(t, cmp, 0, "event %d moves backwards", i)
	}
}

func TestFileModeMapping(t *testing.T) {
	start := types.NewFilePosition("bin.000001", 4)
	events := collect(t, newReader(t, fileFixture(), ReaderOptions{Mode: FileMode, Start: start}))
	require.Len(t, events, 4)

	assert.Equal(t, types.Insert, events[0].Operation)
	assert.Equal(t, "shop.orders", events[0].TableName)
	assert.Equal(t, types.Record{"id": int32(1), "status": "new"}, events[0].After)
	assert.Nil(t, events[0].Before)
	assert.Equal(t, start, events[0].Metadata.Position, "first row of a transaction carries the previous boundary")
	assert.Equal(t, types.NewFilePosition("bin.000001", 230), events[1].Metadata.Position)
	assert.Equal(t, "bin.000001:150", events[0].Metadata.TransactionID)

	assert.Equal(t, types.Update, events[2].Operation)
	assert.Equal(t, types.Record{"id": int32(1), "status": "new"}, events[2].Before)
	assert.Equal(t, types.Record{"id": int32(1), "status": "paid"}, events[2].After)
	assert.Equal(t, types.NewFilePosition("bin.000001", 330), events[2].Metadata.Position)

	assert.Equal(t, types.Delete, events[3].Operation)
	assert.Nil(t, events[3].After)
	assert.Equal(t, types.NewFilePosition("bin.000002", 130), events[3].Metadata.Position)

	for _, e := range events {
		assert.NoError(t, e.Validate())
	}
	assertMonotonic(t, events)
}

func TestFileModeResumeFromCommit(t *testing.T) {
	all := collect(t, newReader(t, fileFixture(), ReaderOptions{Mode: FileMode, Start: types.NewFilePosition("bin.000001", 4)}))

	// events 1, 2 and 3 each end a transaction
	for _, i := range []int{1, 2, 3} {
		saved := all[i].Metadata.Position.(types.BinlogPosition)
		resumed := collect(t, newReader(t, fileFixture(), ReaderOptions{Mode: FileMode, Start: saved}))
		assert.Equal(t, all[i+1:], resumed, "resume from %s", saved)
	}
}

func TestFileModeResumeMidTransactionReplaysIt(t *testing.T) {
	all := collect(t, newReader(t, fileFixture(), ReaderOptions{Mode: FileMode, Start: types.NewFilePosition("bin.000001", 4)}))

	saved := all[0].Metadata.Position.(types.BinlogPosition)
	resumed := collect(t, newReader(t, fileFixture(), ReaderOptions{Mode: FileMode, Start: saved}))
	assert.Equal(t, all, resumed)
}

func TestGTIDModeMapping(t *testing.T) {
	events := collect(t, newReader(t, gtidFixture(), ReaderOptions{Mode: GTIDMode, Start: types.NewGTIDPosition("")}))
	require.Len(t, events, 4)

	sets := make([]string, 0, len(events))
	for _, e := range events {
		p := e.Metadata.Position.(types.BinlogPosition)
		require.True(t, p.HasGTID())
		sets = append(sets, p.GTIDSet)
	}
	assert.Equal(t, []string{
		"",
		serverUUID + ":1",
		serverUUID + ":1-2",
		serverUUID + ":1-3",
	}, sets)
	assert.Equal(t, serverUUID+":1", events[0].Metadata.TransactionID)
	assert.Equal(t, serverUUID+":3", events[3].Metadata.TransactionID)
	assertMonotonic(t, events)
}

func TestGTIDModeResumeSkipsExecutedTransactions(t *testing.T) {
	all := collect(t, newReader(t, gtidFixture(), ReaderOptions{Mode: GTIDMode, Start: types.NewGTIDPosition("")}))

	for _, i := range []int{1, 2, 3} {
		saved := all[i].Metadata.Position.(types.BinlogPosition)
		resumed := collect(t, newReader(t, gtidFixture(), ReaderOptions{Mode: GTIDMode, Start: saved}))
		require.Len(t, resumed, len(all)-i-1, "resume from %s", saved)
		for j, e := range resumed {
			assert.Equal(t, all[i+1+j].After, e.After)
			assert.Equal(t, all[i+1+j].Before, e.Before)
			assert.Equal(t, all[i+1+j].Metadata.TransactionID, e.Metadata.TransactionID)
		}
	}
}

func TestTrackedTablesAndColumnFallback(t *testing.T) {
	fixture := []*replication.BinlogEvent{
		rotate("bin.000001", 4),
		begin(150),
		tableMap(180, 7),
		rows(replication.WRITE_ROWS_EVENTv2, 200, 7, []any{int32(1), []byte("new")}),
		xid(230),
	}
	resolved := 0
	resolver := func(_ context.Context, schema, table string) ([]string, error) {
		resolved++
		assert.Equal(t, "shop", schema)
		assert.Equal(t, "orders", table)
		return []string{"id", "status"}, nil
	}

	events := collect(t, newReader(t, fixture, ReaderOptions{
		Mode: FileMode, Start: types.NewFilePosition("bin.000001", 4), Columns: resolver,
	}))
	require.Len(t, events, 1)
	assert.Equal(t, types.Record{"id": int32(1), "status": "new"}, events[0].After)
	assert.Equal(t, 1, resolved)

	untracked := collect(t, newReader(t, fixture, ReaderOptions{
		Mode: FileMode, Start: types.NewFilePosition("bin.000001", 4), Columns: resolver,
		Tracks: func(schema, table string) bool { return table != "orders" },
	}))
	assert.Empty(t, untracked)
}

func TestMissingColumnsAreDeserializationErrors(t *testing.T) {
	fixture := []*replication.BinlogEvent{
		begin(150),
		tableMap(180, 7),
		rows(replication.WRITE_ROWS_EVENTv2, 200, 7, []any{int32(1)}),
		xid(230),
	}
	r := newReader(t, fixture, ReaderOptions{Mode: FileMode, Start: types.NewFilePosition("bin.000001", 4)})

	var errs []error
	for _, err := range r.Stream(context.Background()) {
		if err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 2 {
			break
		}
	}
	require.Len(t, errs, 2)
	assert.True(t, errors.Is(errs[0], types.ErrDeserializationFailed), "row errors do not end the stream")
	assert.True(t, errors.Is(errs[1], types.ErrStreamInterrupted))
}

func TestNewReaderRejectsMismatchedStart(t *testing.T) {
	_, err := NewReader(&fixtureSource{}, ReaderOptions{Mode: GTIDMode, Start: types.NewFilePosition("bin.000001", 4)})
	assert.True(t, errors.Is(err, types.ErrPositionInvalid))

	_, err = NewReader(&fixtureSource{}, ReaderOptions{Mode: FileMode, Start: types.NewGTIDPosition("")})
	assert.True(t, errors.Is(err, types.ErrPositionInvalid))
}

func TestCancelledStreamEndsQuietly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newReader(t, fileFixture(), ReaderOptions{Mode: FileMode, Start: types.NewFilePosition("bin.000001", 4)})
	for _, err := range r.Stream(ctx) {
		t.Fatalf("unexpected element after cancellation: %v", err)
	}
}
