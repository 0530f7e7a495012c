package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/registry"
)

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List registered collections with record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("collections"); err != nil {
			return err
		}
		reg, err := registry.LoadFile(cfg.Registry.Path)
		if err != nil {
			return err
		}
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		formatCollections(ctx, os.Stdout, reg.All(), st)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(collectionsCmd)
}

type recordCounter interface {
	Count(ctx context.Context, c *model.TargetCollection) (int64, error)
}

// formatCollections writes one row per entry. A table that cannot be counted
// shows the error in place of the count.
func formatCollections(ctx context.Context, out io.Writer, entries []registry.Entry, counter recordCounter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tFORM\tTABLE\tFIELDS\tRECORDS")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t------\t-------")

	for _, e := range entries {
		var records string
		if n, err := counter.Count(ctx, e.Collection); err != nil {
			records = "error: " + truncate(err.Error(), 60)
		} else {
			records = fmt.Sprintf("%d", n)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			e.Collection.Name,
			e.FormID,
			e.Collection.Table,
			e.Collection.Schema.Len(),
			records,
		)
	}
	_ = w.Flush()
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
