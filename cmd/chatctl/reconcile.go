package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/realtime-conversations/internal/reconcile"
)

func init() {
	reconcileCmd.Flags().String("conversation", "", "reconcile a single conversation")
	reconcileCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute unread counters and last_message summaries",
	Long: `reconcile runs one repair pass, the same pass the server schedules with
RECONCILE_CRON. Fields are only written where they differ from what the
messages imply.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmdContext(cmd)
		r := reconcile.New(a.Store, log)

		var rep reconcile.Report
		if id, _ := cmd.Flags().GetString("conversation"); id != "" {
			rep, err = r.ReconcileConversation(ctx, id)
		} else {
			rep, err = r.Run(ctx)
		}
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Conversations:        %d\n", rep.Conversations)
		fmt.Fprintf(out, "Unread repairs:       %d\n", rep.UnreadRepairs)
		fmt.Fprintf(out, "Last message repairs: %d\n", rep.LastRepairs)
		fmt.Fprintf(out, "Skipped:              %d\n", rep.Skipped)
		fmt.Fprintf(out, "Failed:               %d\n", rep.Failed)
		if rep.Failed > 0 {
			return fmt.Errorf("%d conversations failed", rep.Failed)
		}
		return nil
	},
}
