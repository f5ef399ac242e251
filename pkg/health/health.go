// Package health reports liveness of connectors and backlog pressure of the
// dead letter store. Checks observe the pipeline; they never take part in it.
package health

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of s and other.
func (s Status) Worse(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

type Result struct {
	Status       Status          `json:"status"`
	Message      string          `json:"message,omitempty"`
	Code         types.ErrorCode `json:"code,omitempty"`
	Details      map[string]any  `json:"details,omitempty"`
	CheckedAtUTC time.Time       `json:"checked_at_utc"`
}

type Check interface {
	Name() string
	Check(ctx context.Context) Result
}

func result(status Status, message string, err error, details map[string]any) Result {
	r := Result{
		Status:       status,
		Message:      message,
		Details:      details,
		CheckedAtUTC: time.Now().UTC(),
	}
	if err != nil {
		r.Code = types.CodeOf(err)
		if r.Message == "" {
			r.Message = err.Error()
		} else {
			r.Message = r.Message + ": " + err.Error()
		}
		if r.Code != "" {
			r.Details[constants.ErrorCode] = string(r.Code)
		}
	}
	return r
}

type pendingReader interface {
	GetPending(ctx context.Context, limit int) ([]types.DeadLetterEntry, error)
}

// DeadLetterCheck maps the pending backlog to a status:
// pending <= warning is healthy, pending <= critical degraded, above that unhealthy.
type DeadLetterCheck struct {
	store    pendingReader
	warning  int
	critical int
}

func NewDeadLetterCheck(store pendingReader, warning, critical int) *DeadLetterCheck {
	return &DeadLetterCheck{store: store, warning: warning, critical: critical}
}

func (c *DeadLetterCheck) Name() string {
	return "dead_letters"
}

func (c *DeadLetterCheck) Check(ctx context.Context) Result {
	details := map[string]any{
		constants.WarningThreshold:  c.warning,
		constants.CriticalThreshold: c.critical,
	}
	// one past critical is enough to tell "above critical" without counting the whole backlog
	pending, err := c.store.GetPending(ctx, c.critical+1)
	if err != nil {
		return result(Unhealthy, "dead letter store unreachable", err, details)
	}

	count := len(pending)
	details[constants.PendingDeadLetters] = count
	switch {
	case count <= c.warning:
		return result(Healthy, "", nil, details)
	case count <= c.critical:
		return result(Degraded, "pending dead letters above warning threshold", nil, details)
	default:
		return result(Unhealthy, "pending dead letters above critical threshold", nil, details)
	}
}

// ConnectorCheck proves source connectivity through GetCurrentPosition and
// store reachability through GetPosition.
type ConnectorCheck struct {
	name      string
	connector protocol.Connector
	store     protocol.PositionStore
}

// NewConnectorCheck builds a check named "connector" or "connector:<shard>".
func NewConnectorCheck(shardID string, connector protocol.Connector, store protocol.PositionStore) *ConnectorCheck {
	name := "connector"
	if shardID != "" {
		name = name + ":" + shardID
	}
	return &ConnectorCheck{name: name, connector: connector, store: store}
}

func (c *ConnectorCheck) Name() string {
	return c.name
}

func (c *ConnectorCheck) Check(ctx context.Context) Result {
	details := map[string]any{}
	current, err := c.connector.GetCurrentPosition(ctx)
	if err != nil {
		return result(Unhealthy, "source unreachable", err, details)
	}
	details[constants.CurrentPosition] = current.String()

	saved, found, err := c.store.GetPosition(ctx, c.connector.ID())
	if err != nil {
		// streaming still works; only resumption is at risk
		return result(Degraded, "position store unreachable", err, details)
	}
	if found {
		details[constants.LastSavedPosition] = saved.String()
	}
	return result(Healthy, "", nil, details)
}
