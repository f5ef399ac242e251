package sharding

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"golang.org/x/sync/errgroup"
)

type shardItem struct {
	shardID string
	event   types.ChangeEvent
	err     error
	// done marks the normal end of a shard stream
	done bool
}

type queued struct {
	event   types.ShardedChangeEvent
	arrived time.Time
}

// before orders by capture time, then shard id.
func before(a, b types.ShardedChangeEvent) bool {
	ta, tb := a.Event.Metadata.CapturedAtUTC, b.Event.Metadata.CapturedAtUTC
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ShardID < b.ShardID
}

// merger holds one FIFO per shard. Producers never block on each other: a
// slow shard only delays emission up to the merge window.
type merger struct {
	window time.Duration
	queues map[string][]queued
	live   map[string]bool
}

func newMerger(window time.Duration, shardIDs []string) *merger {
	m := &merger{
		window: window,
		queues: make(map[string][]queued, len(shardIDs)),
		live:   make(map[string]bool, len(shardIDs)),
	}
	for _, id := range shardIDs {
		m.live[id] = true
	}
	return m
}

func (m *merger) push(shardID string, event types.ChangeEvent, now time.Time) {
	m.queues[shardID] = append(m.queues[shardID], queued{
		event:   types.ShardedChangeEvent{ShardID: shardID, Event: event},
		arrived: now,
	})
}

func (m *merger) finished() bool {
	if len(m.live) > 0 {
		return false
	}
	for _, q := range m.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// ready reports whether the smallest head may be emitted now: every live
// shard has something queued, or some queued event waited out the window.
func (m *merger) ready(now time.Time) bool {
	pending := false
	for _, q := range m.queues {
		if len(q) == 0 {
			continue
		}
		pending = true
		if now.Sub(q[0].arrived) >= m.window {
			return true
		}
	}
	if !pending {
		return false
	}
	for id := range m.live {
		if len(m.queues[id]) == 0 {
			return false
		}
	}
	return true
}

// deadline is when the oldest queued event exhausts its window.
func (m *merger) deadline() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, q := range m.queues {
		if len(q) == 0 {
			continue
		}
		if !found || q[0].arrived.Before(oldest) {
			oldest = q[0].arrived
			found = true
		}
	}
	return oldest.Add(m.window), found
}

func (m *merger) pop() types.ShardedChangeEvent {
	var minID string
	for id, q := range m.queues {
		if len(q) == 0 {
			continue
		}
		if minID == "" || before(q[0].event, m.queues[minID][0].event) {
			minID = id
		}
	}
	head := m.queues[minID][0]
	m.queues[minID] = m.queues[minID][1:]
	return head.event
}

// StreamAllShards merges the streams of every active shard. A failing shard
// is reported once as ShardStreamFailed and dropped; the rest keep streaming.
// Events the failed shard produced before the failure are still delivered.
func (c *Connector) StreamAllShards(ctx context.Context) ShardedStream {
	return func(yield func(types.ShardedChangeEvent, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		group, groupCtx := errgroup.WithContext(ctx)
		defer func() {
			cancel()
			_ = group.Wait()
		}()

		shardIDs := c.ActiveShardIDs()
		items := make(chan shardItem)
		for _, id := range shardIDs {
			conn := c.shards[id]
			group.Go(func() error {
				produce(groupCtx, id, conn, items)
				return nil
			})
		}
		logger.Infof("merging %d shards of %s with a %s window", len(shardIDs), c.connectorID, c.mergeWindow)

		m := newMerger(c.mergeWindow, shardIDs)
		timer := time.NewTimer(c.mergeWindow)
		defer timer.Stop()

		for {
			for m.ready(time.Now()) || (len(m.live) == 0 && !m.finished()) {
				if ctx.Err() != nil {
					return
				}
				next := m.pop()
				c.observe(next.ShardID, next.Event.Metadata.Position)
				if !yield(next, nil) {
					return
				}
			}
			if m.finished() {
				return
			}

			var wait <-chan time.Time
			if deadline, ok := m.deadline(); ok {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(time.Until(deadline))
				wait = timer.C
			}

			select {
			case <-ctx.Done():
				return
			case <-wait:
			case item := <-items:
				if item.err != nil && ctx.Err() != nil {
					return
				}
				switch {
				case item.err != nil && skippable(item.err):
					if !yield(types.ShardedChangeEvent{ShardID: item.shardID}, item.err) {
						return
					}
				case item.err != nil:
					delete(m.live, item.shardID)
					if !yield(types.ShardedChangeEvent{ShardID: item.shardID}, c.markFailed(item.shardID, item.err)) {
						return
					}
				case item.done:
					logger.Infof("shard[%s] of %s reached the end of its stream", item.shardID, c.connectorID)
					delete(m.live, item.shardID)
				default:
					m.push(item.shardID, item.event, time.Now())
				}
			}
		}
	}
}

func produce(ctx context.Context, shardID string, conn protocol.Connector, out chan<- shardItem) {
	send := func(item shardItem) bool {
		select {
		case out <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for event, err := range conn.StreamChanges(ctx) {
		if !send(shardItem{shardID: shardID, event: event, err: err}) || (err != nil && !skippable(err)) {
			return
		}
	}
	if ctx.Err() == nil {
		send(shardItem{shardID: shardID, done: true})
	}
}

// skippable errors concern a single event; the shard keeps streaming.
func skippable(err error) bool {
	return types.CodeOf(err) == types.DeserializationFailed
}
