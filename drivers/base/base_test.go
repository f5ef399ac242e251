package base

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/datazip-inc/olake-cdc/pkg/positionstore"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracks(t *testing.T) {
	d := NewBase()
	assert.True(t, d.Tracks("dbo", "anything"), "empty subscription tracks all")

	require.NoError(t, d.SetTables([]string{"orders", "sales.items"}, "dbo"))
	assert.True(t, d.Tracks("dbo", "orders"))
	assert.True(t, d.Tracks("sales", "items"))
	assert.False(t, d.Tracks("dbo", "items"))
}

func TestCheckShard(t *testing.T) {
	d := NewBase()
	d.SetShards([]string{"us", "eu"})
	assert.Equal(t, []string{"eu", "us"}, d.ShardIDs())
	assert.NoError(t, d.CheckShard("eu"))
	assert.NoError(t, d.CheckShard(""))
	assert.True(t, errors.Is(d.CheckShard("apac"), types.ErrShardNotFound))
}

func TestResumePositionRejectsForeignVariant(t *testing.T) {
	ctx := context.Background()
	store := positionstore.NewMemory()

	_, found, err := ResumePosition(ctx, store, "cdc-mysql", types.BinlogKind)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SavePosition(ctx, "cdc-mysql", types.CounterPosition{Version: 1}))
	_, _, err = ResumePosition(ctx, store, "cdc-mysql", types.BinlogKind)
	assert.True(t, errors.Is(err, types.ErrPositionInvalid))
}

func TestRetryOnBackoff(t *testing.T) {
	calls := 0
	err := RetryOnBackoff(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = RetryOnBackoff(ctx, 5, time.Second, func() error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}
