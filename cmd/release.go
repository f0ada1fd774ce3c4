package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var releaseAge time.Duration

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release stale site claims back to pending",
	Long:  "Returns sites stuck in processing (a crashed or killed worker never released them) to the pending queue so the next harvest run can claim them.",
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

		released, err := st.ReleaseStaleClaims(ctx, releaseAge)
		if err != nil {
			return eris.Wrap(err, "release stale claims")
		}

		zap.L().Info("stale claims released",
			zap.Int("sites", released),
			zap.Duration("age", releaseAge),
		)
		return nil
	},
}

func init() {
	releaseCmd.Flags().DurationVar(&releaseAge, "age", 30*time.Minute, "claims older than this are considered stale")
	rootCmd.AddCommand(releaseCmd)
}
