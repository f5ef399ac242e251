package dispatcher

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/types"
)

// HandlerContext describes where the event being handled came from.
type HandlerContext struct {
	TableName     string
	Position      types.Position
	CapturedAtUTC time.Time
	TransactionID string
	// ShardID is empty outside sharded deployments.
	ShardID string
}

// Handler receives decoded row images of one table. before in HandleUpdate
// is nil when the source did not provide a before-image.
type Handler[T any] interface {
	HandleInsert(ctx context.Context, entity T, hc HandlerContext) error
	HandleUpdate(ctx context.Context, before *T, after T, hc HandlerContext) error
	HandleDelete(ctx context.Context, entity T, hc HandlerContext) error
}

// HandlerFuncs adapts plain functions to Handler. Unset functions accept the
// event without doing anything.
type HandlerFuncs[T any] struct {
	Insert func(ctx context.Context, entity T, hc HandlerContext) error
	Update func(ctx context.Context, before *T, after T, hc HandlerContext) error
	Delete func(ctx context.Context, entity T, hc HandlerContext) error
}

func (h HandlerFuncs[T]) HandleInsert(ctx context.Context, entity T, hc HandlerContext) error {
	if h.Insert == nil {
		return nil
	}
	return h.Insert(ctx, entity, hc)
}

func (h HandlerFuncs[T]) HandleUpdate(ctx context.Context, before *T, after T, hc HandlerContext) error {
	if h.Update == nil {
		return nil
	}
	return h.Update(ctx, before, after, hc)
}

func (h HandlerFuncs[T]) HandleDelete(ctx context.Context, entity T, hc HandlerContext) error {
	if h.Delete == nil {
		return nil
	}
	return h.Delete(ctx, entity, hc)
}
