package constants

import "time"

// Connector ids are the keys under which positions are persisted.
const (
	SQLServerConnectorID = "cdc-sqlserver"
	PostgresConnectorID  = "cdc-postgres"
	MySQLConnectorID     = "cdc-mysql"
)

const (
	DefaultPollInterval          = 5 * time.Second
	DefaultStatusInterval        = 10 * time.Second
	DefaultMergeWindow           = 250 * time.Millisecond
	DefaultRefreshInterval       = 30 * time.Second
	DefaultDeadLetterWarning     = 100
	DefaultDeadLetterCritical    = 1000
	DefaultHealthPort            = 8080
	DefaultMySQLHeartbeat        = 30 * time.Second
	DefaultStreamBuffer          = 256
	DefaultPositionStoreKeyspace = "olake-cdc"
)

// Metadata keys attached to health check details.
const (
	CurrentPosition    = "current_position"
	LastSavedPosition  = "last_saved_position"
	PendingDeadLetters = "pending_dead_letters"
	WarningThreshold   = "warning_threshold"
	CriticalThreshold  = "critical_threshold"
	ErrorCode          = "error_code"
)
