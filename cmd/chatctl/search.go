package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/realtime-conversations/internal/search"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
)

func init() {
	searchCmd.Flags().String("as", "", "search as this user, hiding what they deleted for themselves")
	searchCmd.Flags().IntP("window", "w", 100, "number of recent messages searched")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <conversation-id> <query>",
	Short: "Search the recent messages of a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmdContext(cmd)
		out := cmd.OutOrStdout()

		query := strings.TrimSpace(strings.Join(args[1:], " "))
		window, _ := cmd.Flags().GetInt("window")
		msgs, err := a.Messages.LoadRecent(ctx, args[0], window)
		if err != nil {
			return err
		}
		if uid, _ := cmd.Flags().GetString("as"); uid != "" {
			msgs = service.VisibleFor(msgs, uid)
		}

		cur := search.NewCursor(search.Search(msgs, query))
		if cur.Len() == 0 {
			fmt.Fprintln(out, cur.Label())
			return nil
		}
		// Newest first.
		for i := 0; i < cur.Len(); i++ {
			m, _ := cur.Current()
			fmt.Fprintf(out, "[%s] %s  %s: %s\n", cur.Label(), m.ID, m.SenderName, mark(m.PlainText, query))
			cur.Prev()
		}
		return nil
	},
}

// mark brackets the matching segments of text.
func mark(text, query string) string {
	var b strings.Builder
	for _, s := range search.Highlight(text, query) {
		if s.Match {
			b.WriteString("[" + s.Text + "]")
		} else {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}
