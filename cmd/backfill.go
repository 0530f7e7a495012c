package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var backfillForm string

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Bulk load a collection from its data share",
	Long:  "Walks every page of the form's data share and inserts each record, whether or not the collection already holds rows. Records that already exist are logged and skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		entry, err := env.Registry.Lookup(backfillForm)
		if err != nil {
			return err
		}

		zap.L().Info("backfill starting", zap.String("collection", entry.Collection.Name))
		res, err := env.Engine.Backfill(ctx, entry)
		if err != nil {
			return eris.Wrapf(err, "backfill %s", entry.Collection.Name)
		}
		return writeResult(os.Stdout, res)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillForm, "form", "", "form id or collection name")
	_ = backfillCmd.MarkFlagRequired("form")
	rootCmd.AddCommand(backfillCmd)
}
