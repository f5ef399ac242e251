package protocol

import (
	"fmt"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
)

type PositionStoreType string

const (
	MemoryPositionStore   PositionStoreType = "memory"
	BoltPositionStore     PositionStoreType = "bbolt"
	PostgresPositionStore PositionStoreType = "postgres"
	RedisPositionStore    PositionStoreType = "redis"
)

type DeadLetterStoreType string

const (
	MemoryDeadLetterStore DeadLetterStoreType = "memory"
	SQLiteDeadLetterStore DeadLetterStoreType = "sqlite"
)

type PositionStoreConfig struct {
	Type PositionStoreType `json:"type" validate:"omitempty,oneof=memory bbolt postgres redis"`
	// Path of the bbolt file.
	Path string `json:"path"`
	// DSN of the postgres position database.
	DSN string `json:"dsn"`
	// Address of the redis server.
	Address   string `json:"address"`
	KeyPrefix string `json:"key_prefix"`
}

type DeadLetterConfig struct {
	Type              DeadLetterStoreType `json:"type" validate:"omitempty,oneof=memory sqlite"`
	Path              string              `json:"path"`
	// thresholds are pointers so an explicit 0 survives the defaults
	WarningThreshold  *int `json:"warning_threshold" validate:"omitempty,gte=0"`
	CriticalThreshold *int `json:"critical_threshold" validate:"omitempty,gte=0"`
}

// Warning is the pending count above which the dead letter check degrades.
func (c DeadLetterConfig) Warning() int {
	if c.WarningThreshold == nil {
		return constants.DefaultDeadLetterWarning
	}
	return *c.WarningThreshold
}

// Critical is the pending count above which the dead letter check fails.
func (c DeadLetterConfig) Critical() int {
	if c.CriticalThreshold == nil {
		return constants.DefaultDeadLetterCritical
	}
	return *c.CriticalThreshold
}

type HealthConfig struct {
	Disabled bool `json:"disabled"`
	Port     int  `json:"port" validate:"gte=0,lte=65535"`
}

// CommonConfig is embedded by every provider config.
type CommonConfig struct {
	PositionStore PositionStoreConfig `json:"position_store"`
	DeadLetter    DeadLetterConfig    `json:"dead_letter"`
	Health        HealthConfig        `json:"health"`
	// ReplayHistory starts from the oldest retained change instead of "current"
	// when no position was saved.
	ReplayHistory          bool `json:"replay_history"`
	MergeWindowMS          int  `json:"merge_window_ms" validate:"gte=0"`
	RefreshIntervalSeconds int  `json:"refresh_interval_seconds" validate:"gte=0"`
}

// SetDefaults fills unset values and checks cross-field rules.
func (c *CommonConfig) SetDefaults() error {
	if c.PositionStore.Type == "" {
		c.PositionStore.Type = MemoryPositionStore
	}
	if c.PositionStore.KeyPrefix == "" {
		c.PositionStore.KeyPrefix = constants.DefaultPositionStoreKeyspace
	}
	switch c.PositionStore.Type {
	case BoltPositionStore:
		if c.PositionStore.Path == "" {
			return fmt.Errorf("position_store.path is required for %s", c.PositionStore.Type)
		}
	case PostgresPositionStore:
		if c.PositionStore.DSN == "" {
			return fmt.Errorf("position_store.dsn is required for %s", c.PositionStore.Type)
		}
	case RedisPositionStore:
		if c.PositionStore.Address == "" {
			return fmt.Errorf("position_store.address is required for %s", c.PositionStore.Type)
		}
	}

	if c.DeadLetter.Type == "" {
		c.DeadLetter.Type = MemoryDeadLetterStore
	}
	if c.DeadLetter.Type == SQLiteDeadLetterStore && c.DeadLetter.Path == "" {
		return fmt.Errorf("dead_letter.path is required for %s", c.DeadLetter.Type)
	}
	if c.DeadLetter.Critical() < c.DeadLetter.Warning() {
		return fmt.Errorf("dead_letter.critical_threshold (%d) must not be below warning_threshold (%d)",
			c.DeadLetter.Critical(), c.DeadLetter.Warning())
	}

	if c.Health.Port == 0 {
		c.Health.Port = constants.DefaultHealthPort
	}
	if c.MergeWindowMS == 0 {
		c.MergeWindowMS = int(constants.DefaultMergeWindow / time.Millisecond)
	}
	if c.RefreshIntervalSeconds == 0 {
		c.RefreshIntervalSeconds = int(constants.DefaultRefreshInterval / time.Second)
	}
	return nil
}

func (c *CommonConfig) MergeWindow() time.Duration {
	return time.Duration(c.MergeWindowMS) * time.Millisecond
}

func (c *CommonConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}
