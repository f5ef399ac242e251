package cli

import (
	"context"
	"fmt"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/dispatcher"
	"github.com/datazip-inc/olake-cdc/processor"
	"github.com/datazip-inc/olake-cdc/types"
	"github.com/spf13/cobra"
)

var dlqLimit int

// dlqCmd groups the dead letter maintenance commands. They only touch the
// dead letter store; the source is never contacted.
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "inspect and resolve dead letters",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// cobra runs only the closest persistent hook
		RootCmd.PersistentPreRun(cmd, args)
		return loadConfig()
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "list pending dead letters, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDeadLetters(cmd.Context(), func(store deadLetterStore) error {
			count, err := store.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := store.GetPending(cmd.Context(), dlqLimit)
			if err != nil {
				return err
			}
			logger.Infof("%d pending dead letters", count)
			for _, entry := range pending {
				logger.Info(entry)
			}
			return nil
		})
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "re-dispatch pending dead letters to the log sink",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDeadLetters(cmd.Context(), func(store deadLetterStore) error {
			pending, err := store.GetPending(cmd.Context(), dlqLimit)
			if err != nil {
				return err
			}
			tables := make([]string, 0, len(pending))
			for _, entry := range pending {
				tables = append(tables, entry.Event.TableName)
			}
			d := dispatcher.New(nil)
			if err := registerSinks(d, tables); err != nil {
				return err
			}

			replayed, failed, err := processor.New(d, store).ReplayDeadLetters(cmd.Context(), dlqLimit)
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d dead letters failed again", failed, replayed+failed)
			}
			return nil
		})
	},
}

var dlqDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "discard a pending dead letter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeadLetters(cmd.Context(), func(store deadLetterStore) error {
			if err := store.Resolve(cmd.Context(), args[0], types.Discarded); err != nil {
				return err
			}
			logger.Infof("discarded dead letter %s", args[0])
			return nil
		})
	},
}

func withDeadLetters(ctx context.Context, fn func(store deadLetterStore) error) error {
	store, err := openDeadLetterStore(ctx, connector.Common().DeadLetter)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("failed to close dead letter store: %s", err)
		}
	}()
	return fn(store)
}

func init() {
	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd, dlqDiscardCmd)
	dlqCmd.PersistentFlags().IntVarP(&dlqLimit, "limit", "", 100, "(Optional) Maximum entries to list or replay")
}
