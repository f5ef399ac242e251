package sharding

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datazip-inc/olake-cdc/pkg/positionstore"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fixtureConnector struct {
	events []types.ChangeEvent
	// failAt is the index at which the stream yields err instead of an event
	failAt int
	err    error
	// recoverable continues with the next event after err
	recoverable bool
	// endless keeps the stream open after the fixture events until cancelled
	endless bool
}

func (f *fixtureConnector) ID() string { return "cdc-fixture" }

func (f *fixtureConnector) GetCurrentPosition(context.Context) (types.Position, error) {
	return types.CounterPosition{Version: int64(len(f.events))}, nil
}

func (f *fixtureConnector) StreamChanges(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		for i, event := range f.events {
			if f.err != nil && i == f.failAt {
				if !yield(types.ChangeEvent{}, f.err) || !f.recoverable {
					return
				}
				continue
			}
			if ctx.Err() != nil || !yield(event, nil) {
				return
			}
		}
		if f.endless {
			<-ctx.Done()
		}
	}
}

func events(table string, offsets ...int) []types.ChangeEvent {
	out := make([]types.ChangeEvent, 0, len(offsets))
	for i, offset := range offsets {
		out = append(out, types.ChangeEvent{
			TableName: table,
			Operation: types.Insert,
			After:     types.Record{"seq": i},
			Metadata: types.EventMetadata{
				Position:      types.CounterPosition{Version: int64(i + 1)},
				CapturedAtUTC: base.Add(time.Duration(offset) * time.Second),
			},
		})
	}
	return out
}

func collect(t *testing.T, stream ShardedStream) ([]types.ShardedChangeEvent, []error) {
	t.Helper()
	var got []types.ShardedChangeEvent
	var errs []error
	for event, err := range stream {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, event)
	}
	return got, errs
}

func TestStreamAllShardsOrdersByCaptureTimeThenShard(t *testing.T) {
	shards := map[string]protocol.Connector{
		"a": &fixtureConnector{events: events("a.t", 1, 3, 5, 9)},
		"b": &fixtureConnector{events: events("b.t", 1, 2, 5, 6)},
		"c": &fixtureConnector{events: events("c.t", 0, 3, 5, 10, 11)},
	}
	c, err := New("cdc-fixture", shards, positionstore.NewMemory(), WithMergeWindow(5*time.Second))
	require.NoError(t, err)

	got, errs := collect(t, c.StreamAllShards(context.Background()))
	require.Empty(t, errs)
	require.Len(t, got, 13)

	expected := make([]types.ShardedChangeEvent, 0, 13)
	for _, id := range []string{"a", "b", "c"} {
		for _, ev := range shards[id].(*fixtureConnector).events {
			expected = append(expected, types.ShardedChangeEvent{ShardID: id, Event: ev})
		}
	}
	sort.SliceStable(expected, func(i, j int) bool { return before(expected[i], expected[j]) })
	assert.Equal(t, expected, got)

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		assert.False(t, cur.Event.Metadata.CapturedAtUTC.Before(prev.Event.Metadata.CapturedAtUTC))
		if cur.Event.Metadata.CapturedAtUTC.Equal(prev.Event.Metadata.CapturedAtUTC) {
			assert.Less(t, prev.ShardID, cur.ShardID, "ties broken by shard id")
		}
	}
}

func TestStreamAllShardsIsolatesFailingShard(t *testing.T) {
	cause := types.NewError(types.StreamInterrupted, "connection reset by peer")
	shards := map[string]protocol.Connector{
		"a": &fixtureConnector{events: events("a.t", 1, 2, 3, 4, 5)},
		"b": &fixtureConnector{events: events("b.t", 1, 2, 3, 4, 5), failAt: 2, err: cause},
		"c": &fixtureConnector{events: events("c.t", 1, 2, 3, 4, 5)},
	}
	c, err := New("cdc-fixture", shards, positionstore.NewMemory(), WithMergeWindow(5*time.Second))
	require.NoError(t, err)

	got, errs := collect(t, c.StreamAllShards(context.Background()))
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], types.ErrShardStreamFailed))
	assert.True(t, errors.Is(errs[0], cause))
	var shardErr *types.Error
	require.True(t, errors.As(errs[0], &shardErr))
	assert.Equal(t, "b", shardErr.ShardID)

	perShard := map[string]int{}
	for _, ev := range got {
		perShard[ev.ShardID]++
	}
	assert.Equal(t, map[string]int{"a": 5, "b": 2, "c": 5}, perShard)
	assert.Equal(t, []string{"a", "c"}, c.ActiveShardIDs())
	assert.Error(t, c.ShardError("b"))
}

func TestSlowShardDoesNotBlockOthers(t *testing.T) {
	shards := map[string]protocol.Connector{
		"fast": &fixtureConnector{events: events("f.t", 1, 2, 3)},
		"idle": &fixtureConnector{endless: true},
	}
	c, err := New("cdc-fixture", shards, positionstore.NewMemory(), WithMergeWindow(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := 0
	for event, err := range c.StreamAllShards(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "fast", event.ShardID)
		received++
		if received == 3 {
			break
		}
	}
	assert.Equal(t, 3, received)
	assert.NoError(t, ctx.Err(), "events arrived within the merge window, not at the deadline")
}

func TestStreamAllShardsStopsOnCancel(t *testing.T) {
	shards := map[string]protocol.Connector{
		"a": &fixtureConnector{events: events("a.t", 1), endless: true},
		"b": &fixtureConnector{events: events("b.t", 2), endless: true},
	}
	c, err := New("cdc-fixture", shards, positionstore.NewMemory(), WithMergeWindow(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	for _, err := range c.StreamAllShards(ctx) {
		require.NoError(t, err)
		count++
		if count == 2 {
			cancel()
		}
	}
	assert.Equal(t, 2, count, "nothing is yielded after cancellation")
}

// gatedConnector fails once gate is closed.
type gatedConnector struct {
	gate chan struct{}
}

func (g *gatedConnector) ID() string { return "cdc-fixture" }

func (g *gatedConnector) GetCurrentPosition(context.Context) (types.Position, error) {
	return types.CounterPosition{}, nil
}

func (g *gatedConnector) StreamChanges(context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		<-g.gate
		yield(types.ChangeEvent{}, types.NewError(types.StreamInterrupted, "connection reset by peer"))
	}
}

func TestStreamAllShardsYieldsNoErrorAfterCancel(t *testing.T) {
	gated := &gatedConnector{gate: make(chan struct{})}
	shards := map[string]protocol.Connector{
		"a": &fixtureConnector{events: events("a.t", 1), endless: true},
		"b": gated,
	}
	c, err := New("cdc-fixture", shards, positionstore.NewMemory(), WithMergeWindow(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	count := 0
	for _, err := range c.StreamAllShards(ctx) {
		require.NoError(t, err)
		count++
		cancel()
		close(gated.gate)
	}
	assert.Equal(t, 1, count)
}

func TestStreamShard(t *testing.T) {
	shards := map[string]protocol.Connector{
		"a": &fixtureConnector{events: events("a.t", 1, 2)},
		"b": &fixtureConnector{events: events("b.t", 1)},
	}
	c, err := New("cdc-fixture", shards, positionstore.NewMemory())
	require.NoError(t, err)

	_, err = c.StreamShard(context.Background(), "zz")
	assert.True(t, errors.Is(err, types.ErrShardNotFound))

	stream, err := c.StreamShard(context.Background(), "a")
	require.NoError(t, err)
	got, errs := collect(t, stream)
	require.Empty(t, errs)
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, "a", ev.ShardID)
	}
	assert.Equal(t, map[string]types.Position{"a": types.CounterPosition{Version: 2}}, c.ObservedPositions())
}

func TestStreamShardContinuesAfterUndecodableEvent(t *testing.T) {
	undecodable := types.NewError(types.DeserializationFailed, "bad row")
	fixture := func() map[string]protocol.Connector {
		return map[string]protocol.Connector{
			"a": &fixtureConnector{events: events("a.t", 1, 2, 3, 4), failAt: 1, err: undecodable, recoverable: true},
		}
	}

	for _, mode := range []string{"single", "merged"} {
		t.Run(mode, func(t *testing.T) {
			c, err := New("cdc-fixture", fixture(), positionstore.NewMemory(), WithMergeWindow(10*time.Millisecond))
			require.NoError(t, err)

			stream := c.StreamAllShards(context.Background())
			if mode == "single" {
				stream, err = c.StreamShard(context.Background(), "a")
				require.NoError(t, err)
			}
			got, errs := collect(t, stream)
			require.Len(t, errs, 1)
			assert.Equal(t, types.DeserializationFailed, types.CodeOf(errs[0]))
			assert.False(t, errors.Is(errs[0], types.ErrShardStreamFailed))
			assert.Len(t, got, 3)
			assert.Equal(t, []string{"a"}, c.ActiveShardIDs())
			assert.NoError(t, c.ShardError("a"))
		})
	}
}

func TestStreamShardStopsOnStreamFailure(t *testing.T) {
	cause := types.NewError(types.StreamInterrupted, "connection reset by peer")
	shards := map[string]protocol.Connector{
		"a": &fixtureConnector{events: events("a.t", 1, 2, 3), failAt: 1, err: cause},
	}
	c, err := New("cdc-fixture", shards, positionstore.NewMemory())
	require.NoError(t, err)

	stream, err := c.StreamShard(context.Background(), "a")
	require.NoError(t, err)
	got, errs := collect(t, stream)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], types.ErrShardStreamFailed))
	assert.Len(t, got, 1)
	assert.Empty(t, c.ActiveShardIDs())
}

func TestGetAllPositionsSkipsFailedShards(t *testing.T) {
	ctx := context.Background()
	store := positionstore.NewMemory()
	require.NoError(t, store.SaveShardPosition(ctx, "a", "cdc-fixture", types.CounterPosition{Version: 3}))
	require.NoError(t, store.SaveShardPosition(ctx, "b", "cdc-fixture", types.CounterPosition{Version: 8}))

	shards := map[string]protocol.Connector{
		"a": &fixtureConnector{events: events("a.t", 1)},
		"b": &fixtureConnector{events: events("b.t", 1), failAt: 0, err: errors.New("boom")},
	}
	c, err := New("cdc-fixture", shards, store, WithMergeWindow(time.Second))
	require.NoError(t, err)

	all, err := c.GetAllPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, errs := collect(t, c.StreamAllShards(ctx))
	require.Len(t, errs, 1)

	require.NoError(t, c.RefreshPositions(ctx))
	assert.Equal(t, map[string]types.Position{"a": types.CounterPosition{Version: 3}}, c.CachedPositions())
}

func TestNewRequiresShards(t *testing.T) {
	_, err := New("cdc-fixture", nil, positionstore.NewMemory())
	assert.True(t, errors.Is(err, types.ErrShardNotFound))
}

func TestPeriodicRefresherSurvivesFailures(t *testing.T) {
	var ok, failing, panicking atomic.Int32
	r := NewPeriodicRefresher(5 * time.Millisecond)
	r.Register("ok", func(context.Context) error { ok.Add(1); return nil })
	r.Register("failing", func(context.Context) error { failing.Add(1); return errors.New("unreachable") })
	r.Register("panicking", func(context.Context) error { panicking.Add(1); panic("bad state") })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	assert.GreaterOrEqual(t, ok.Load(), int32(2))
	assert.GreaterOrEqual(t, failing.Load(), int32(2))
	assert.GreaterOrEqual(t, panicking.Load(), int32(2))
}
