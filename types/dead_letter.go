package types

import "time"

// ResolutionState is the lifecycle state of a dead letter entry.
type ResolutionState string

const (
	Pending   ResolutionState = "pending"
	Replayed  ResolutionState = "replayed"
	Discarded ResolutionState = "discarded"
)

// Terminal reports whether no further transition is allowed.
func (s ResolutionState) Terminal() bool {
	return s == Replayed || s == Discarded
}

// DeadLetterEntry is a quarantined change event and the reason it failed.
type DeadLetterEntry struct {
	ID            string          `json:"id"`
	Event         ChangeEvent     `json:"event"`
	Reason        string          `json:"reason"`
	ErrorCode     ErrorCode       `json:"error_code,omitempty"`
	ConnectorID   string          `json:"connector_id,omitempty"`
	ShardID       string          `json:"shard_id,omitempty"`
	FirstSeenAt   time.Time       `json:"first_seen_at_utc"`
	State         ResolutionState `json:"state"`
	ResolvedAtUTC *time.Time      `json:"resolved_at_utc,omitempty"`
}

// FailureContext carries the optional origin of a dead letter.
type FailureContext struct {
	ConnectorID string
	ShardID     string
	ErrorCode   ErrorCode
}
