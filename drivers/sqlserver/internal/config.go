package driver

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/pkg/changetracking"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
)

// Config represents the configuration for connecting to a SQL Server database
type Config struct {
	protocol.CommonConfig

	Host                   string `json:"host"`
	Port                   int    `json:"port" validate:"gte=0,lte=65535"`
	Database               string `json:"database" validate:"required"`
	Username               string `json:"username" validate:"required"`
	Password               string `json:"password"`
	Encrypt                string `json:"encrypt" validate:"omitempty,oneof=disable false true strict"`
	TrustServerCertificate bool   `json:"trust_server_certificate"`
	DefaultSchema          string `json:"default_schema"`
	// Tables are "schema.table" names. Change tracking is enabled per table,
	// so the list is required.
	Tables         []string `json:"tables" validate:"required,min=1"`
	PollIntervalMS int      `json:"poll_interval_ms" validate:"gte=0"`
	// UpdateBeforeImage selects what updates carry as before-image; change
	// tracking never retains old values.
	UpdateBeforeImage changetracking.BeforeImage `json:"update_before_image" validate:"omitempty,oneof=absent key_only"`
	RetryCount        int                        `json:"backoff_retry_count"`
	Shards            []Shard                    `json:"shards" validate:"dive"`
}

// Shard overrides connection settings for one shard of a sharded deployment.
type Shard struct {
	ID       string `json:"id" validate:"required"`
	Host     string `json:"host"`
	Port     int    `json:"port" validate:"gte=0,lte=65535"`
	Database string `json:"database"`
}

// Validate checks the configuration for any missing or invalid fields
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("empty host name")
	} else if strings.Contains(c.Host, "https") || strings.Contains(c.Host, "http") {
		return fmt.Errorf("host should not contain http or https: %s", c.Host)
	}

	if c.Port == 0 {
		c.Port = 1433
	}
	if c.DefaultSchema == "" {
		c.DefaultSchema = "dbo"
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = int(constants.DefaultPollInterval / time.Millisecond)
	}
	if c.UpdateBeforeImage == "" {
		c.UpdateBeforeImage = changetracking.BeforeAbsent
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

// URL generates the sqlserver:// connection URL
func (c *Config) URL() string {
	query := url.Values{}
	query.Add("database", c.Database)
	query.Add("app name", "olake-cdc")
	if c.Encrypt != "" {
		query.Add("encrypt", c.Encrypt)
	}
	if c.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
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
	return &resolved, nil
}
