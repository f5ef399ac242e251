package changetracking

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/datazip-inc/olake-cdc/constants"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/datazip-inc/olake-cdc/utils"
)

type PollerOptions struct {
	Tables []types.TableRef
	// Start is the last version already delivered.
	Start        int64
	PollInterval time.Duration
	Before       BeforeImage
	Database     string
}

// Poller turns change tracking versions into a change stream. Each pass
// reads every tracked table once and emits the union ordered by version.
type Poller struct {
	source ChangeSource
	opts   PollerOptions
	since  int64
	buffer *types.TxnBuffer
	now    func() time.Time
}

func NewPoller(source ChangeSource, opts PollerOptions) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultPollInterval
	}
	if opts.Before == "" {
		opts.Before = BeforeAbsent
	}
	return &Poller{
		source: source,
		opts:   opts,
		since:  opts.Start,
		buffer: types.NewTxnBuffer(types.CounterPosition{Version: opts.Start}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Stream polls until ctx is cancelled. A failed poll is yielded once as
// StreamInterrupted and ends the stream. A change that cannot be decoded is
// yielded as DeserializationFailed in its place and polling goes on.
func (p *Poller) Stream(ctx context.Context) protocol.Stream {
	return func(yield func(types.ChangeEvent, error) bool) {
		for {
			items, err := p.poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(types.ChangeEvent{}, types.WrapError(types.StreamInterrupted, err, "change tracking poll after version %d failed", p.since))
				return
			}
			for _, item := range items {
				if ctx.Err() != nil || !yield(item.event, item.err) {
					return
				}
			}
			if !utils.SleepContext(ctx, p.opts.PollInterval) {
				return
			}
		}
	}
}

type tableChange struct {
	table types.TableRef
	Change
}

// polled is either an event or the error of a change that could not be decoded.
type polled struct {
	event types.ChangeEvent
	err   error
}

func (p *Poller) poll(ctx context.Context) ([]polled, error) {
	current, err := p.source.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current <= p.since {
		return nil, nil
	}

	var changes []tableChange
	for _, table := range p.opts.Tables {
		since := p.since
		minValid, err := p.source.MinValidVersion(ctx, table)
		if err != nil {
			return nil, err
		}
		if since < minValid {
			logger.Warnf("version %d of %s is older than the retained minimum %d, changes in between are lost; continuing from %d", since, table, minValid, minValid)
			since = minValid
		}

		tableChanges, err := p.source.Changes(ctx, table, since, current)
		if err != nil {
			return nil, fmt.Errorf("failed to read changes of %s: %s", table, err)
		}
		for _, c := range tableChanges {
			changes = append(changes, tableChange{table: table, Change: c})
		}
	}
	// stable keeps table order within one version
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Version < changes[j].Version })

	var out []polled
	polledAt := p.now()
	for i, c := range changes {
		if i > 0 && changes[i-1].Version != c.Version {
			out = p.commit(out, changes[i-1].Version)
		}
		event, err := p.toEvent(c, polledAt)
		if err != nil {
			out = append(out, polled{err: types.WrapError(types.DeserializationFailed, err, "change at version %d of %s", c.Version, c.table)})
			continue
		}
		if released, ok := p.buffer.Add(event); ok {
			out = append(out, polled{event: released})
		}
	}
	if len(changes) > 0 {
		out = p.commit(out, changes[len(changes)-1].Version)
	}
	p.since = current
	return out, nil
}

func (p *Poller) commit(out []polled, version int64) []polled {
	if released, ok := p.buffer.Commit(types.CounterPosition{Version: version}); ok {
		return append(out, polled{event: released})
	}
	return out
}

func (p *Poller) toEvent(c tableChange, polledAt time.Time) (types.ChangeEvent, error) {
	if c.Err != nil {
		return types.ChangeEvent{}, c.Err
	}
	event := types.ChangeEvent{
		TableName: c.table.ID(),
		Metadata: types.EventMetadata{
			CapturedAtUTC:  utils.Ternary(c.CommitTime.IsZero(), polledAt, c.CommitTime.UTC()),
			TransactionID:  strconv.FormatInt(c.Version, 10),
			SourceDatabase: p.opts.Database,
			SourceSchema:   c.table.Schema,
		},
	}
	// Row is the current state of the row, which may be newer than Version
	current := utils.Ternary(c.Row != nil, c.Row, c.Key)

	switch c.Operation {
	case "I":
		event.Operation = types.Insert
		event.After = current
	case "U":
		event.Operation = types.Update
		event.After = current
		if p.opts.Before == BeforeKeyOnly {
			event.Before = c.Key
		}
	case "D":
		event.Operation = types.Delete
		event.Before = c.Key
	default:
		return types.ChangeEvent{}, fmt.Errorf("unknown change operation %q", c.Operation)
	}
	return event, nil
}
