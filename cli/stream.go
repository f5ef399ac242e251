package cli

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/dispatcher"
	"github.com/datazip-inc/olake-cdc/pkg/health"
	"github.com/datazip-inc/olake-cdc/pkg/metrics"
	"github.com/datazip-inc/olake-cdc/pkg/sharding"
	"github.com/datazip-inc/olake-cdc/processor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	dryRun        bool
	statsInterval time.Duration
)

// streamCmd streams changes into the log sink until interrupted
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "stream changes from the source",
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return loadConfig()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if err := p.close(); err != nil {
				logger.Warnf("failed to close pipeline: %s", err)
			}
		}()
		return runStream(cmd.Context(), p)
	},
}

func runStream(ctx context.Context, p *pipeline) error {
	collector := metrics.New()
	d := dispatcher.New(collector)
	tables := tableNames(connector.Tables())
	if len(tables) == 0 {
		logger.Warn("no tables configured; changes are acknowledged without reaching the log sink")
	}
	if err := registerSinks(d, tables); err != nil {
		return err
	}

	opts := []processor.Option{processor.WithMetrics(collector)}
	if dryRun {
		logger.Info("dry run: positions are not saved")
		opts = append(opts, processor.WithoutSave())
	}
	proc := processor.New(d, p.deadLetters, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !noSave {
		logger.StatsLogger(ctx, statsInterval, proc.Stats)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if !p.common.Health.Disabled {
		group.Go(func() error {
			return health.Serve(groupCtx, p.common.Health.Port, p.monitor, collector)
		})
	}

	group.Go(func() error {
		// stopping the processor stops the health server too
		defer cancel()
		if !p.sharded() {
			return proc.Run(groupCtx, p.connectors[""], p.store)
		}

		sc, err := sharding.New(connector.ConnectorID(), p.connectors, p.store,
			sharding.WithMergeWindow(p.common.MergeWindow()),
			sharding.WithMetrics(collector))
		if err != nil {
			return err
		}
		refresher := sharding.NewPeriodicRefresher(p.common.RefreshInterval())
		refresher.Register(sc.ID(), sc.RefreshPositions)
		go refresher.Run(groupCtx)

		err = proc.RunSharded(groupCtx, sc, p.store)
		logger.Infof("stopped with shard positions %v", sc.CachedPositions())
		return err
	})

	err := group.Wait()
	logger.Info(proc.Stats())
	return err
}

func init() {
	streamCmd.Flags().BoolVarP(&dryRun, "dry-run", "", false, "(Optional) Stream without saving positions")
	streamCmd.Flags().DurationVarP(&statsInterval, "stats-interval", "", 10*time.Second, "(Optional) Interval between stats.json writes")
}
