package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fulcrum-sync/internal/store"
	"github.com/sells-group/fulcrum-sync/internal/synclog"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent bulk loads",
	Long:  "Displays the most recent rows of fulcrum_sync.sync_log. Requires the postgres driver.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Store.Driver != "postgres" {
			return eris.New("status requires the postgres store driver")
		}
		ps, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: 2})
		if err != nil {
			return err
		}
		defer ps.Close() //nolint:errcheck

		entries, err := synclog.New(ps.Pool()).Recent(ctx, statusLimit)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(entries) == 0 {
			zap.L().Info("no bulk loads recorded, enable store.run_log to record them")
			return nil
		}

		formatStatusEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(statusCmd)
}

// formatStatusEntries writes a tabular representation of run log entries to w.
func formatStatusEntries(out io.Writer, entries []synclog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOLLECTION\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tPAGES\tCREATED\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----------\t-------\t------\t-------\t--------\t-----\t-------\t------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			d := e.CompletedAt.Sub(e.StartedAt).Round(time.Second)
			dur = d.String()
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.ID,
			e.Collection,
			e.Trigger,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.Pages,
			e.RowsCreated,
			e.RowsFailed,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}
