package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusdata/scrape-cli/internal/seed"
)

var (
	seedSource  string
	seedUnitCol string
	seedWebCol  string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load institution websites from a directory file",
	Long:  "Imports an institution directory file (CSV or XLSX, optionally zipped, local path or http(s)/ftp URL) and upserts one pending queue entry per website.",
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

		seedCfg := cfg.Seed
		if seedUnitCol != "" {
			seedCfg.UnitIDColumn = seedUnitCol
		}
		if seedWebCol != "" {
			seedCfg.WebAddrColumn = seedWebCol
		}

		imp := seed.NewImporter(st, seedCfg)
		stats, err := imp.Import(ctx, seedSource)
		if err != nil {
			return eris.Wrap(err, "seed import")
		}

		zap.L().Info("seed complete",
			zap.String("source", seedSource),
			zap.Int("rows_read", stats.RowsRead),
			zap.Int64("sites_upserted", stats.SitesUpserted),
			zap.Int("rows_skipped", stats.RowsSkipped),
		)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedSource, "source", "", "directory file path or URL (required)")
	seedCmd.Flags().StringVar(&seedUnitCol, "unit-col", "", "unit ID column name (default from config)")
	seedCmd.Flags().StringVar(&seedWebCol, "web-col", "", "website column name (default from config)")
	_ = seedCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(seedCmd)
}
