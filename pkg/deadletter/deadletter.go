// Package deadletter quarantines change events that could not be processed
// and tracks their resolution (Pending -> Replayed | Discarded).
package deadletter

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
)

type Store interface {
	protocol.DeadLetterStore
	CountPending(ctx context.Context) (int, error)
}

func newEntry(event types.ChangeEvent, reason string, origin types.FailureContext) types.DeadLetterEntry {
	return types.DeadLetterEntry{
		ID:          utils.ULID(),
		Event:       event,
		Reason:      reason,
		ErrorCode:   origin.ErrorCode,
		ConnectorID: origin.ConnectorID,
		ShardID:     origin.ShardID,
		FirstSeenAt: time.Now().UTC(),
		State:       types.Pending,
	}
}

func checkResolution(resolution types.ResolutionState) error {
	if !resolution.Terminal() {
		return types.NewError(types.DeadLetterInvalidResolution, "resolution must be %s or %s, got %q", types.Replayed, types.Discarded, resolution)
	}
	return nil
}

func notFound(id string) error {
	return types.NewError(types.DeadLetterNotFound, "dead letter %s does not exist", id)
}

func alreadyResolved(id string, state types.ResolutionState) error {
	return types.NewError(types.DeadLetterAlreadyResolved, "dead letter %s is already %s", id, state)
}
