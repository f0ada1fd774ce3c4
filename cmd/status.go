package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/campusdata/scrape-cli/internal/model"
	"github.com/campusdata/scrape-cli/internal/monitoring"
	"github.com/campusdata/scrape-cli/internal/store"
)

var (
	statusFormat     string
	statusShowErrors int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, corpus, and DLQ state",
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

		snap, err := monitoring.NewCollector(st).Collect(ctx)
		if err != nil {
			return err
		}

		switch statusFormat {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return eris.Wrap(err, "encode status")
			}
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			if err := enc.Encode(snap); err != nil {
				return eris.Wrap(err, "encode status")
			}
		case "table":
			formatSnapshot(os.Stdout, snap)
		default:
			return eris.Errorf("unsupported format %q (want table, json, or yaml)", statusFormat)
		}

		if statusShowErrors > 0 && statusFormat == "table" {
			sites, err := st.ListSites(ctx, store.SiteFilter{
				Status: model.SiteStatusError,
				Limit:  statusShowErrors,
			})
			if err != nil {
				return eris.Wrap(err, "list errored sites")
			}
			if len(sites) > 0 {
				fmt.Fprintln(os.Stdout)
				formatErrorSites(os.Stdout, sites)
			}
		}

		return nil
	},
}

// formatSnapshot writes a tabular view of the metrics snapshot to w.
func formatSnapshot(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PENDING\tPROCESSING\tPROCESSED\tERROR\tDOCUMENTS\tDLQ\tDONE")
	_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%.1f%%\n",
		snap.SitesPending,
		snap.SitesProcessing,
		snap.SitesProcessed,
		snap.SitesError,
		snap.Documents,
		snap.DLQDepth,
		snap.QueueDoneRate*100,
	)
	_ = w.Flush()
}

// formatErrorSites writes the sites that exhausted their retry budget.
func formatErrorSites(out io.Writer, sites []model.Site) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UNITID\tURL\tRETRIES\tUPDATED")
	for _, s := range sites {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			s.UnitID,
			s.URL,
			s.RetryCount,
			s.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "table", "output format: table, json, or yaml")
	statusCmd.Flags().IntVar(&statusShowErrors, "errors", 10, "max errored sites to list (0 = none)")
	rootCmd.AddCommand(statusCmd)
}
