package positionstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory()
		},
		"bbolt": func(t *testing.T) Store {
			store, err := NewBolt(filepath.Join(t.TempDir(), "positions.db"))
			require.NoError(t, err)
			return store
		},
		"redis": func(t *testing.T) Store {
			server := miniredis.RunT(t)
			store, err := NewRedis(context.Background(), server.Addr(), "test")
			require.NoError(t, err)
			return store
		},
		"postgres": func(t *testing.T) Store {
			dsn := os.Getenv("OLAKE_CDC_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("OLAKE_CDC_TEST_POSTGRES_DSN not set")
			}
			store, err := NewPostgres(context.Background(), dsn)
			require.NoError(t, err)
			connector := t.Name()
			t.Cleanup(func() {
				_, _ = store.pool.Exec(context.Background(), "DELETE FROM cdc_positions WHERE connector_id LIKE $1", connector+"%")
			})
			return store
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store, connectorID string)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store, t.Name())
		})
	}
}

func TestSaveGetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, connectorID string) {
		ctx := context.Background()

		_, found, err := store.GetPosition(ctx, connectorID)
		require.NoError(t, err)
		assert.False(t, found, "never saved must be absent")

		positions := []types.Position{
			types.CounterPosition{Version: 10},
			types.CounterPosition{Version: 11},
		}
		for _, p := range positions {
			require.NoError(t, store.SavePosition(ctx, connectorID, p))
		}

		got, found, err := store.GetPosition(ctx, connectorID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, types.CounterPosition{Version: 11}, got, "save overwrites")

		require.NoError(t, store.DeletePosition(ctx, connectorID))
		_, found, err = store.GetPosition(ctx, connectorID)
		require.NoError(t, err)
		assert.False(t, found)

		// deleting again is not an error
		require.NoError(t, store.DeletePosition(ctx, connectorID))
	})
}

func TestEveryVariantSurvivesStorage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, connectorID string) {
		ctx := context.Background()
		variants := []types.Position{
			types.CounterPosition{Version: 1 << 40},
			types.LSNPosition{LSN: pglogrepl.LSN(0x16B3748)},
			types.NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5"),
			types.NewFilePosition("mysql-bin.000004", 1557),
		}
		for i, p := range variants {
			id := fmt.Sprintf("%s-%d", connectorID, i)
			require.NoError(t, store.SavePosition(ctx, id, p))
			got, found, err := store.GetPosition(ctx, id)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, p, got)
		}
	})
}

func TestShardedPositions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, connectorID string) {
		ctx := context.Background()

		require.NoError(t, store.SavePosition(ctx, connectorID, types.CounterPosition{Version: 1}))
		require.NoError(t, store.SaveShardPosition(ctx, "a", connectorID, types.CounterPosition{Version: 5}))
		require.NoError(t, store.SaveShardPosition(ctx, "b", connectorID, types.CounterPosition{Version: 7}))

		all, err := store.GetAllPositions(ctx, connectorID)
		require.NoError(t, err)
		assert.Equal(t, map[string]types.Position{
			"a": types.CounterPosition{Version: 5},
			"b": types.CounterPosition{Version: 7},
		}, all, "unsharded record is not a shard")

		scoped := ForShard(store, "b")
		got, found, err := scoped.GetPosition(ctx, connectorID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, types.CounterPosition{Version: 7}, got)

		require.NoError(t, scoped.DeletePosition(ctx, connectorID))
		all, err = store.GetAllPositions(ctx, connectorID)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		got, found, err = store.GetPosition(ctx, connectorID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, types.CounterPosition{Version: 1}, got)
	})
}

func TestConcurrentShardWriters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, connectorID string) {
		ctx := context.Background()
		shards := []string{"s0", "s1", "s2", "s3"}

		var wg sync.WaitGroup
		for _, shard := range shards {
			wg.Add(1)
			go func(shard string) {
				defer wg.Done()
				for v := int64(1); v <= 25; v++ {
					assert.NoError(t, store.SaveShardPosition(ctx, shard, connectorID, types.CounterPosition{Version: v}))
				}
			}(shard)
		}
		wg.Wait()

		all, err := store.GetAllPositions(ctx, connectorID)
		require.NoError(t, err)
		require.Len(t, all, len(shards))
		for _, shard := range shards {
			assert.Equal(t, types.CounterPosition{Version: 25}, all[shard])
		}
	})
}

func TestInvalidInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, connectorID string) {
		ctx := context.Background()

		_, _, err := store.GetPosition(ctx, "")
		assert.Equal(t, types.PositionStoreFailed, types.CodeOf(err))

		err = store.SavePosition(ctx, connectorID, nil)
		assert.Equal(t, types.PositionStoreFailed, types.CodeOf(err))
	})
}
