package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/pkg/dispatcher"
	"github.com/datazip-inc/olake-cdc/pkg/positionstore"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	protocol.CommonConfig
	Tables []string `json:"tables"`
	Shards []string `json:"shards"`
}

func (c *fakeConfig) Validate() error {
	return c.CommonConfig.SetDefaults()
}

// fakeDriver hands out connectors that play a fixed list of versions per shard.
type fakeDriver struct {
	*base.Driver
	config   *fakeConfig
	versions map[string][]int64
	starts   map[string]types.Position
	closed   int
}

func (f *fakeDriver) GetConfigRef() protocol.Config {
	f.config = &fakeConfig{}
	return f.config
}

func (f *fakeDriver) Spec() any { return fakeConfig{} }
func (f *fakeDriver) Type() string { return "Fake" }
func (f *fakeDriver) ConnectorID() string { return "cdc-fake" }
func (f *fakeDriver) Common() *protocol.CommonConfig { return &f.config.CommonConfig }
func (f *fakeDriver) Close() error {
	f.closed++
	return nil
}

func (f *fakeDriver) Setup(context.Context) error {
	if err := f.config.Validate(); err != nil {
		return err
	}
	f.SetShards(f.config.Shards)
	return f.SetTables(f.config.Tables, "app")
}

func (f *fakeDriver) NewConnector(ctx context.Context, shardID string, store protocol.PositionStore) (protocol.Connector, error) {
	if err := f.CheckShard(shardID); err != nil {
		return nil, err
	}
	saved, found, err := store.GetPosition(ctx, f.ConnectorID())
	if err != nil {
		return nil, err
	}
	if found {
		f.starts[shardID] = saved
	}
	return &fakeConnector{versions: f.versions[shardID]}, nil
}

type fakeConnector struct {
	versions []int64
}

func (c *fakeConnector) ID() string { return "cdc-fake" }

func (c *fakeConnector) GetCurrentPosition(context.Context) (types.Position, error) {
	if len(c.versions) == 0 {
		return types.CounterPosition{}, nil
	}
	return types.CounterPosition{Version: c.versions[len(c.versions)-1]}, nil
}

func (c *fakeConnector) StreamChanges(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		for _, version := range c.versions {
			event := types.ChangeEvent{
				TableName: "app.orders",
				Operation: types.Insert,
				After:     types.Record{"id": version},
				Metadata: types.EventMetadata{
					Position:      types.CounterPosition{Version: version},
					CapturedAtUTC: time.Unix(version, 0).UTC(),
				},
			}
			if ctx.Err() != nil || !yield(event, nil) {
				return
			}
		}
	}
}

func useFakeDriver(t *testing.T, config fakeConfig, versions map[string][]int64) *fakeDriver {
	t.Helper()
	driver := &fakeDriver{Driver: base.NewBase(), versions: versions, starts: map[string]types.Position{}}
	*driver.GetConfigRef().(*fakeConfig) = config
	driver.config.Health.Disabled = true

	previous, previousNoSave := connector, noSave
	connector, noSave = driver, true
	t.Cleanup(func() { connector, noSave = previous, previousNoSave })
	return driver
}

func TestStreamUnsharded(t *testing.T) {
	ctx := context.Background()
	useFakeDriver(t, fakeConfig{Tables: []string{"orders"}}, map[string][]int64{"": {3, 4, 9}})

	p, err := openPipeline(ctx)
	require.NoError(t, err)
	defer p.close()
	require.Contains(t, p.connectors, "")

	require.NoError(t, runStream(ctx, p))

	saved, found, err := p.store.GetPosition(ctx, "cdc-fake")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.CounterPosition{Version: 9}, saved)

	report := p.monitor.Run(ctx)
	assert.Contains(t, report.Checks, "connector")
	assert.Contains(t, report.Checks, "dead_letters")
}

func TestStreamSharded(t *testing.T) {
	ctx := context.Background()
	useFakeDriver(t, fakeConfig{
		CommonConfig: protocol.CommonConfig{MergeWindowMS: 10},
		Tables:       []string{"orders"},
		Shards:       []string{"eu", "us"},
	}, map[string][]int64{"eu": {1, 5}, "us": {2}})

	p, err := openPipeline(ctx)
	require.NoError(t, err)
	defer p.close()
	assert.Len(t, p.connectors, 2)

	require.NoError(t, runStream(ctx, p))

	all, err := savedPositions(ctx, p.store, "cdc-fake")
	require.NoError(t, err)
	assert.Equal(t, map[string]types.Position{
		"eu": types.CounterPosition{Version: 5},
		"us": types.CounterPosition{Version: 2},
	}, all)

	report := p.monitor.Run(ctx)
	assert.Contains(t, report.Checks, "connector:eu")
	assert.Contains(t, report.Checks, "connector:us")
}

func TestPipelineCloseReleasesDriver(t *testing.T) {
	ctx := context.Background()
	driver := useFakeDriver(t, fakeConfig{Tables: []string{"orders"}}, map[string][]int64{"": {1}})

	p, err := openPipeline(ctx)
	require.NoError(t, err)
	require.NoError(t, p.close())
	assert.Equal(t, 1, driver.closed)

	driver = useFakeDriver(t, fakeConfig{Shards: []string{"eu"}}, map[string][]int64{"eu": {1}})
	driver.config.PositionStore.Type = "etcd"
	_, err = openPipeline(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, driver.closed, "a failed open still releases the driver")
}

func TestPipelineResumesShardsFromTheirOwnPositions(t *testing.T) {
	ctx := context.Background()
	driver := useFakeDriver(t, fakeConfig{Shards: []string{"eu"}}, map[string][]int64{"eu": {}})

	require.NoError(t, connector.Setup(ctx))
	store := positionstore.NewMemory()
	require.NoError(t, store.SaveShardPosition(ctx, "eu", "cdc-fake", types.CounterPosition{Version: 41}))
	require.NoError(t, store.SavePosition(ctx, "cdc-fake", types.CounterPosition{Version: 7}))

	p := &pipeline{store: store}
	_, err := connector.NewConnector(ctx, "eu", p.storeFor("eu"))
	require.NoError(t, err)
	assert.Equal(t, types.CounterPosition{Version: 41}, driver.starts["eu"])
}

func TestSavedAndDeletedPositions(t *testing.T) {
	ctx := context.Background()
	store := positionstore.NewMemory()
	require.NoError(t, store.SavePosition(ctx, "cdc-fake", types.CounterPosition{Version: 7}))
	require.NoError(t, store.SaveShardPosition(ctx, "eu", "cdc-fake", types.CounterPosition{Version: 41}))

	positions, err := savedPositions(ctx, store, "cdc-fake")
	require.NoError(t, err)
	assert.Equal(t, map[string]types.Position{
		"":   types.CounterPosition{Version: 7},
		"eu": types.CounterPosition{Version: 41},
	}, positions)

	require.NoError(t, deletePositions(ctx, store, "cdc-fake", positions))
	positions, err = savedPositions(ctx, store, "cdc-fake")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestOpenStores(t *testing.T) {
	ctx := context.Background()

	store, err := openPositionStore(ctx, protocol.PositionStoreConfig{Type: protocol.BoltPositionStore, Path: filepath.Join(t.TempDir(), "positions.db")})
	require.NoError(t, err)
	require.NoError(t, store.SavePosition(ctx, "cdc-fake", types.CounterPosition{Version: 1}))
	require.NoError(t, store.Close())

	_, err = openPositionStore(ctx, protocol.PositionStoreConfig{Type: "etcd"})
	assert.Error(t, err)

	deadLetters, err := openDeadLetterStore(ctx, protocol.DeadLetterConfig{Type: protocol.SQLiteDeadLetterStore, Path: filepath.Join(t.TempDir(), "dlq.db")})
	require.NoError(t, err)
	count, err := deadLetters.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	require.NoError(t, deadLetters.Close())
}

func TestRegisterSinksSkipsDuplicates(t *testing.T) {
	d := dispatcher.New(nil)
	require.NoError(t, registerSinks(d, []string{"app.orders", "app.orders", "APP.Orders", "app.items"}))
	assert.ElementsMatch(t, []string{"app.orders", "app.items"}, d.Tables())

	hc := dispatcher.HandlerContext{TableName: "app.orders", Position: types.CounterPosition{Version: 1}}
	before := types.Record{"id": 1, "status": "new"}
	assert.NoError(t, logSink().HandleUpdate(context.Background(), &before, types.Record{"id": 1, "status": "paid"}, hc))
	assert.NoError(t, logSink().HandleDelete(context.Background(), before, hc))
}
