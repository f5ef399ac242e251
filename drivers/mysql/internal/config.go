package driver

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	"github.com/datazip-inc/olake-cdc/pkg/binlog"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/mitchellh/hashstructure"
)

// Config represents the configuration for connecting to a MySQL database
type Config struct {
	protocol.CommonConfig

	Host          string `json:"hosts"`
	Username      string `json:"username" validate:"required"`
	Password      string `json:"password"`
	Database      string `json:"database"`
	Port          int    `json:"port" validate:"gte=0,lte=65535"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
	// ServerID identifies this replica to the source; two running connectors
	// must never share one. Derived from the connection when unset.
	ServerID uint32      `json:"server_id"`
	Flavor   string      `json:"flavor" validate:"omitempty,oneof=mysql mariadb"`
	Mode     binlog.Mode `json:"position_mode" validate:"omitempty,oneof=gtid file"`
	// Tables are "schema.table" names; bare names use Database.
	Tables           []string `json:"tables"`
	HeartbeatSeconds int      `json:"heartbeat_seconds" validate:"gte=0"`
	RetryCount       int      `json:"backoff_retry_count"`
	Shards           []Shard  `json:"shards" validate:"dive"`
}

// Shard overrides connection settings for one shard of a sharded deployment.
type Shard struct {
	ID       string `json:"id" validate:"required"`
	Host     string `json:"hosts"`
	Port     int    `json:"port" validate:"gte=0,lte=65535"`
	Database string `json:"database"`
	ServerID uint32 `json:"server_id"`
}

// URI generates the connection URI for the MySQL database
func (c *Config) URI() string {
	cfg := gomysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	if c.TLSSkipVerify {
		cfg.TLSConfig = "skip-verify"
	}
	return cfg.FormatDSN()
}

// Validate checks the configuration for any missing or invalid fields
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("empty host name")
	} else if strings.Contains(c.Host, "https") || strings.Contains(c.Host, "http") {
		return fmt.Errorf("host should not contain http or https: %s", c.Host)
	}

	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Flavor == "" {
		c.Flavor = mysql.MySQLFlavor
	}
	if c.Mode == "" {
		c.Mode = binlog.FileMode
	}
	if c.HeartbeatSeconds == 0 {
		c.HeartbeatSeconds = int(constants.DefaultMySQLHeartbeat / time.Second)
	}
	// Set default retry count if not provided
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

func (c *Config) ShardIDs() []string {
	ids := make([]string, 0, len(c.Shards))
	for _, shard := range c.Shards {
		ids = append(ids, shard.ID)
	}
	return ids
}

// ForShard returns the connection settings of shardID ("" for an unsharded
// deployment) with a server id filled in.
func (c *Config) ForShard(shardID string) (*Config, error) {
	resolved := *c
	resolved.Shards = nil
	if shardID != "" {
		idx, found := utils.ArrayContains(c.Shards, func(s Shard) bool { return s.ID == shardID })
		if !found {
			return nil, types.NewError(types.ShardNotFound, "shard %q is not configured", shardID)
		}
		shard := c.Shards[idx]
		resolved.Host = utils.Ternary(shard.Host != "", shard.Host, c.Host)
		resolved.Port = utils.Ternary(shard.Port != 0, shard.Port, c.Port)
		resolved.Database = utils.Ternary(shard.Database != "", shard.Database, c.Database)
		resolved.ServerID = utils.Ternary(shard.ServerID != 0, shard.ServerID, c.ServerID)
	}
	if resolved.ServerID == 0 {
		id, err := deriveServerID(resolved.Host, resolved.Port, resolved.Username, shardID)
		if err != nil {
			return nil, err
		}
		resolved.ServerID = id
	}
	return &resolved, nil
}

// deriveServerID keeps the replica identity stable across restarts of the
// same connector. Ids below 1000 are left to real replicas.
func deriveServerID(host string, port int, user, shardID string) (uint32, error) {
	hash, err := hashstructure.Hash(struct {
		Host  string
		Port  int
		User  string
		Shard string
	}{host, port, user, shardID}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to derive server id: %s", err)
	}
	return 1000 + uint32(hash%(math.MaxUint32-1000)), nil
}

func (c *Config) binlogConfig() *binlog.Config {
	return &binlog.Config{
		ServerID:        c.ServerID,
		Flavor:          c.Flavor,
		Host:            c.Host,
		Port:            uint16(c.Port),
		User:            c.Username,
		Password:        c.Password,
		Charset:         "utf8mb4",
		VerifyChecksum:  true,
		HeartbeatPeriod: time.Duration(c.HeartbeatSeconds) * time.Second,
	}
}
