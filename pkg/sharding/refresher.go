package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
)

type RefreshFunc func(ctx context.Context) error

// PeriodicRefresher runs idempotent refresh functions from a single ticker
// goroutine. A failing refresh is logged and retried on the next tick.
type PeriodicRefresher struct {
	interval time.Duration
	names    []string
	funcs    map[string]RefreshFunc
}

func NewPeriodicRefresher(interval time.Duration) *PeriodicRefresher {
	return &PeriodicRefresher{
		interval: interval,
		funcs:    make(map[string]RefreshFunc),
	}
}

// Register adds fn under name; it must be called before Run.
func (r *PeriodicRefresher) Register(name string, fn RefreshFunc) {
	if _, exists := r.funcs[name]; !exists {
		r.names = append(r.names, name)
	}
	r.funcs[name] = fn
}

// Run refreshes once immediately, then on every tick until ctx is done.
func (r *PeriodicRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *PeriodicRefresher) refreshAll(ctx context.Context) {
	for _, name := range r.names {
		if ctx.Err() != nil {
			return
		}
		if err := r.refresh(ctx, name); err != nil {
			logger.Warnf("refresh[%s] failed, retrying in %s: %s", name, r.interval, err)
		}
	}
}

func (r *PeriodicRefresher) refresh(ctx context.Context, name string) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return r.funcs[name](ctx)
}
