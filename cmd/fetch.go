package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/registry"
)

var (
	fetchForm string
	fetchID   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Print records from a form's data share",
	Long:  "Fetches one record (--id) or the whole share and prints the raw features as JSON. Nothing is written to the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("fetch"); err != nil {
			return err
		}
		reg, err := registry.LoadFile(cfg.Registry.Path)
		if err != nil {
			return err
		}
		entry, err := reg.Lookup(fetchForm)
		if err != nil {
			return err
		}

		return runFetch(cmd.Context(), initClient(cfg.Fulcrum), entry, fetchID, os.Stdout)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchForm, "form", "", "form id or collection name")
	fetchCmd.Flags().StringVar(&fetchID, "id", "", "record id; omit to fetch every page")
	_ = fetchCmd.MarkFlagRequired("form")
	rootCmd.AddCommand(fetchCmd)
}

// shareReader is the provider surface used by fetch.
type shareReader interface {
	FetchOne(ctx context.Context, shareToken, externalID string) ([]model.RawRecord, error)
	FetchAll(ctx context.Context, shareToken string) ([]model.RawRecord, error)
}

func runFetch(ctx context.Context, c shareReader, entry registry.Entry, id string, out io.Writer) error {
	var (
		records []model.RawRecord
		err     error
	)
	if id != "" {
		records, err = c.FetchOne(ctx, entry.ShareToken, id)
	} else {
		records, err = c.FetchAll(ctx, entry.ShareToken)
	}
	if err != nil {
		return err
	}
	if records == nil {
		records = []model.RawRecord{}
	}
	return writeResult(out, records)
}
