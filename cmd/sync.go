package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fulcrum-sync/internal/model"
)

var (
	syncForm  string
	syncID    string
	syncEvent string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply one record event synchronously",
	Long:  "Runs a single create/update/delete event through the sync engine, as if a webhook had delivered it, and prints the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		return runSync(ctx, env, syncForm, syncID, syncEvent, os.Stdout)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncForm, "form", "", "form id or collection name")
	syncCmd.Flags().StringVar(&syncID, "id", "", "record id (fulcrum_id)")
	syncCmd.Flags().StringVar(&syncEvent, "event", "update", "event type: create, update or delete")
	_ = syncCmd.MarkFlagRequired("form")
	_ = syncCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(syncCmd)
}

// runSync resolves form (a form id or collection name) and applies one event.
func runSync(ctx context.Context, env *syncEnv, form, id, event string, out io.Writer) error {
	entry, err := env.Registry.Lookup(form)
	if err != nil {
		return err
	}
	typ, err := model.ParseEventType(event)
	if err != nil {
		return err
	}

	res, err := env.Engine.Handle(ctx, entry, model.SyncEvent{
		Type:       typ,
		ExternalID: id,
		FormID:     entry.FormID,
	})
	if err != nil {
		return eris.Wrap(err, "sync")
	}
	return writeResult(out, res)
}

// writeResult prints v as indented JSON.
func writeResult(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
