package driver

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/pkg/changetracking"
	"github.com/datazip-inc/olake-cdc/pkg/positionstore"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{Host: "mssql", Database: "shop", Username: "sa", Password: "s3cret!", Tables: []string{"orders"}}
}

func TestConfigDefaults(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 1433, c.Port)
	assert.Equal(t, "dbo", c.DefaultSchema)
	assert.Equal(t, 5*time.Second, c.PollInterval())
	assert.Equal(t, changetracking.BeforeAbsent, c.UpdateBeforeImage)

	noTables := validConfig()
	noTables.Tables = nil
	assert.Error(t, noTables.Validate(), "change tracking needs an explicit table list")

	badImage := validConfig()
	badImage.UpdateBeforeImage = "full"
	assert.Error(t, badImage.Validate())
}

func TestURL(t *testing.T) {
	c := validConfig()
	c.Encrypt = "disable"
	require.NoError(t, c.Validate())

	u, err := url.Parse(c.URL())
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", u.Scheme)
	assert.Equal(t, "mssql:1433", u.Host)
	assert.Equal(t, "sa", u.User.Username())
	pass, _ := u.User.Password()
	assert.Equal(t, "s3cret!", pass)
	assert.Equal(t, "shop", u.Query().Get("database"))
	assert.Equal(t, "disable", u.Query().Get("encrypt"))
}

func TestForShard(t *testing.T) {
	c := validConfig()
	c.Shards = []Shard{{ID: "eu", Database: "shop_eu"}}
	require.NoError(t, c.Validate())

	eu, err := c.ForShard("eu")
	require.NoError(t, err)
	assert.Equal(t, "mssql", eu.Host)
	assert.Equal(t, "shop_eu", eu.Database)

	_, err = c.ForShard("us")
	assert.True(t, errors.Is(err, types.ErrShardNotFound))
}

type versionSource struct {
	current  int64
	minValid map[string]int64
	changes  []changetracking.Change
	err      error
}

func (v *versionSource) CurrentVersion(context.Context) (int64, error) {
	return v.current, v.err
}

func (v *versionSource) MinValidVersion(_ context.Context, table types.TableRef) (int64, error) {
	return v.minValid[table.ID()], v.err
}

func (v *versionSource) Changes(_ context.Context, _ types.TableRef, since, until int64) ([]changetracking.Change, error) {
	var out []changetracking.Change
	for _, c := range v.changes {
		if c.Version > since && c.Version <= until {
			out = append(out, c)
		}
	}
	return out, nil
}

func (v *versionSource) Close() error { return nil }

func TestResolveStart(t *testing.T) {
	ctx := context.Background()
	orders := types.TableRef{Schema: "dbo", Name: "orders"}
	items := types.TableRef{Schema: "dbo", Name: "items"}
	source := &versionSource{current: 90, minValid: map[string]int64{"dbo.orders": 12, "dbo.items": 30}}
	tables := []types.TableRef{orders, items}
	store := positionstore.NewMemory()

	start, err := resolveStart(ctx, store, source, tables, false)
	require.NoError(t, err)
	assert.Equal(t, int64(90), start)

	start, err = resolveStart(ctx, store, source, tables, true)
	require.NoError(t, err)
	assert.Equal(t, int64(12), start, "replay starts at the oldest retained version")

	require.NoError(t, store.SavePosition(ctx, constants.SQLServerConnectorID, types.CounterPosition{Version: 55}))
	start, err = resolveStart(ctx, store, source, tables, true)
	require.NoError(t, err)
	assert.Equal(t, int64(55), start)

	_, err = resolveStart(ctx, positionstore.NewMemory(), &versionSource{err: errors.New("down")}, tables, false)
	assert.True(t, errors.Is(err, types.ErrConnectionFailed))
}

func TestConnectorStreamsFromStart(t *testing.T) {
	orders := types.TableRef{Schema: "dbo", Name: "orders"}
	source := &versionSource{current: 3, changes: []changetracking.Change{
		{Version: 2, Operation: "I", Key: types.Record{"id": 1}, Row: types.Record{"id": 1}},
		{Version: 3, Operation: "U", Key: types.Record{"id": 1}, Row: types.Record{"id": 1}},
	}}
	c := &Connector{source: source, start: 2, options: changetracking.PollerOptions{
		Tables:       []types.TableRef{orders},
		Start:        2,
		PollInterval: time.Hour,
		Before:       changetracking.BeforeKeyOnly,
	}}
	assert.Equal(t, constants.SQLServerConnectorID, c.ID())

	current, err := c.GetCurrentPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.CounterPosition{Version: 3}, current)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events []types.ChangeEvent
	for event, err := range c.StreamChanges(ctx) {
		require.NoError(t, err)
		events = append(events, event)
		cancel()
	}
	require.Len(t, events, 1)
	assert.Equal(t, types.Update, events[0].Operation)
	assert.Equal(t, types.Record{"id": 1}, events[0].Before)
	assert.Equal(t, types.CounterPosition{Version: 3}, events[0].Metadata.Position)
}
