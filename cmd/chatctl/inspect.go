package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
)

func init() {
	inspectCmd.Flags().IntP("limit", "n", 20, "number of recent messages to show")
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [conversation-id]",
	Short: "Show a conversation and its recent messages",
	Long: `Without an argument inspect lists every conversation id. With one it
prints the conversation document, per-participant counters and the most
recent messages as stored, including those deleted or hidden for someone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmdContext(cmd)
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			ids, err := a.Conversations.AllIDs(ctx)
			if err != nil {
				return err
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			fmt.Fprintf(out, "\n%s conversations\n", humanize.Comma(int64(len(ids))))
			return nil
		}

		doc, err := a.Store.Get(ctx, model.ConversationPath(args[0]))
		if err != nil {
			return fmt.Errorf("load conversation %s: %w", args[0], err)
		}
		var conv model.Conversation
		if err := doc.DataTo(&conv); err != nil {
			return fmt.Errorf("decode conversation %s: %w", args[0], err)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		msgs, err := a.Messages.LoadRecent(ctx, conv.ID, limit)
		if err != nil {
			return err
		}

		printConversation(out, &conv, time.Now())
		fmt.Fprintln(out)
		printMessages(out, msgs, time.Now())
		return nil
	},
}

func printConversation(out io.Writer, conv *model.Conversation, now time.Time) {
	title := conv.Name
	if title == "" {
		title = "(direct)"
	}
	fmt.Fprintf(out, "%s %s  %s\n", conv.Type, conv.ID, title)
	fmt.Fprintf(out, "created %s by %s\n", humanize.RelTime(conv.CreatedAt, now, "ago", "from now"), conv.CreatedBy)
	if lm := conv.LastMessage; lm != nil {
		fmt.Fprintf(out, "last message %s from %s: %q\n", humanize.RelTime(lm.CreatedAt, now, "ago", "from now"), lm.SenderName, lm.Text)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nPARTICIPANT\tROLE\tUNREAD\tFLAGS")
	for _, uid := range conv.Participants {
		p := conv.ParticipantsData[uid]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", uid, p.Role, conv.UnreadFor(uid), preferenceFlags(conv.PreferencesFor(uid)))
	}
	tw.Flush()
}

func preferenceFlags(p model.Preferences) string {
	var flags []string
	if p.Pinned {
		flags = append(flags, "pinned")
	}
	if p.Muted {
		flags = append(flags, "muted")
	}
	if p.Archived {
		flags = append(flags, "archived")
	}
	return strings.Join(flags, ",")
}

func printMessages(out io.Writer, msgs []model.Message, now time.Time) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tFROM\tTEXT\tREACTIONS\tREAD BY")
	for _, m := range msgs {
		text := m.DisplayText()
		if len(m.DeletedFor) > 0 {
			text += fmt.Sprintf(" [hidden for %s]", strings.Join(m.DeletedFor, ","))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			m.ID,
			humanize.RelTime(m.CreatedAt, now, "ago", "from now"),
			m.SenderName,
			truncate(text, 60),
			reactionSummary(m),
			len(m.ReadBy),
		)
	}
	tw.Flush()
	fmt.Fprintf(out, "\n%d messages\n", len(msgs))
}

func reactionSummary(m model.Message) string {
	var parts []string
	for _, g := range service.ReactionGroups(m) {
		parts = append(parts, fmt.Sprintf("%s %d", g.Emoji, g.Count))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
