package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusdata/scrape-cli/internal/harvest"
)

var (
	retryDLQ      bool
	retryDLQLimit int
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-queue errored sites and replay the dead letter queue",
	Long:  "Flips errored sites back to pending with a fresh retry budget. With --dlq, also replays parked documents into the corpus.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		reset, err := st.ResetErrors(ctx)
		if err != nil {
			return eris.Wrap(err, "reset errors")
		}
		zap.L().Info("errored sites re-queued", zap.Int("sites", reset))

		if retryDLQ {
			replayed, remaining, err := harvest.ReplayDLQ(ctx, st, retryDLQLimit)
			if err != nil {
				return eris.Wrap(err, "replay dlq")
			}
			zap.L().Info("dlq replay complete",
				zap.Int("replayed", replayed),
				zap.Int("remaining", remaining),
			)
		}

		return nil
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryDLQ, "dlq", false, "also replay the dead letter queue")
	retryCmd.Flags().IntVar(&retryDLQLimit, "dlq-limit", 100, "max DLQ entries to replay")
	rootCmd.AddCommand(retryCmd)
}
