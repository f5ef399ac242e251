package driver

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/pkg/walrepl"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
)

type Config struct {
	protocol.CommonConfig

	Host          string            `json:"host"`
	Port          int               `json:"port" validate:"gte=0,lte=65535"`
	Database      string            `json:"database" validate:"required"`
	Username      string            `json:"username" validate:"required"`
	Password      string            `json:"password"`
	JDBCURLParams map[string]string `json:"jdbc_url_params"`
	SSLMode       string            `json:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	DefaultSchema string            `json:"default_schema"`
	// Tables are "schema.table" names; empty streams every table in the publication.
	Tables []string `json:"tables"`

	// ReplicationSlot is consumed by exactly one connector at a time.
	ReplicationSlot       string  `json:"replication_slot" validate:"required"`
	Publication           string  `json:"publication" validate:"required"`
	CreatePublication     bool    `json:"create_publication"`
	CreateSlot            bool    `json:"create_slot"`
	StatusIntervalSeconds int     `json:"status_interval_seconds" validate:"gte=0"`
	RetryCount            int     `json:"backoff_retry_count"`
	Shards                []Shard `json:"shards" validate:"dive"`
}

// Shard overrides connection settings for one shard of a sharded deployment.
type Shard struct {
	ID              string `json:"id" validate:"required"`
	Host            string `json:"host"`
	Port            int    `json:"port" validate:"gte=0,lte=65535"`
	Database        string `json:"database"`
	ReplicationSlot string `json:"replication_slot"`
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("empty host name")
	} else if strings.Contains(c.Host, "https") || strings.Contains(c.Host, "http") {
		return fmt.Errorf("host should not contain http or https")
	}

	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.DefaultSchema == "" {
		c.DefaultSchema = "public"
	}
	if c.StatusIntervalSeconds == 0 {
		c.StatusIntervalSeconds = int(constants.DefaultStatusInterval / time.Second)
	}
	if c.RetryCount <= 0 {
		c.RetryCount = base.DefaultRetryCount
	}

	seen := types.NewSet[string]()
	for _, shard := range c.Shards {
		if seen.Exists(shard.ID) {
			return fmt.Errorf("duplicate shard id %q", shard.ID)
		}
		seen.Insert(shard.ID)
	}

	if err := c.CommonConfig.SetDefaults(); err != nil {
		return err
	}
	return utils.Validate(c)
}

// URL builds the connection string, carrying jdbc_url_params as run-time parameters.
func (c *Config) URL() (*url.URL, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", url.QueryEscape(c.Username), url.QueryEscape(c.Password), c.Host, c.Port, url.QueryEscape(c.Database))
	parsed, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %s", err)
	}

	// unknown parameters are sent to the server as run-time settings
	query := parsed.Query()
	for _, k := range utils.SortedKeys(c.JDBCURLParams) {
		query.Set(k, c.JDBCURLParams[k])
	}
	if c.SSLMode != "" {
		query.Add("sslmode", c.SSLMode)
	}
	parsed.RawQuery = query.Encode()
	return parsed, nil
}

func (c *Config) ShardIDs() []string {
	ids := make([]string, 0, len(c.Shards))
	for _, shard := range c.Shards {
		ids = append(ids, shard.ID)
	}
	return ids
}

// ForShard returns the connection settings of shardID ("" for an unsharded deployment).
func (c *Config) ForShard(shardID string) (*Config, error) {
	resolved := *c
	resolved.Shards = nil
	if shardID == "" {
		return &resolved, nil
	}
	idx, found := utils.ArrayContains(c.Shards, func(s Shard) bool { return s.ID == shardID })
	if !found {
		return nil, types.NewError(types.ShardNotFound, "shard %q is not configured", shardID)
	}
	shard := c.Shards[idx]
	resolved.Host = utils.Ternary(shard.Host != "", shard.Host, c.Host)
	resolved.Port = utils.Ternary(shard.Port != 0, shard.Port, c.Port)
	resolved.Database = utils.Ternary(shard.Database != "", shard.Database, c.Database)
	resolved.ReplicationSlot = utils.Ternary(shard.ReplicationSlot != "", shard.ReplicationSlot, c.ReplicationSlot)
	return &resolved, nil
}

func (c *Config) replicationConfig() (*walrepl.Config, error) {
	connURL, err := c.URL()
	if err != nil {
		return nil, err
	}
	return &walrepl.Config{
		ConnURL:         connURL.String(),
		ReplicationSlot: c.ReplicationSlot,
		Publication:     c.Publication,
		CreateSlot:      c.CreateSlot,
		StatusInterval:  time.Duration(c.StatusIntervalSeconds) * time.Second,
	}, nil
}
