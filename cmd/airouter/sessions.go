package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"airouter/internal/store"
)

var (
	listStatus string
	listTag    string
	listModel  string
	listLimit  int
	listOffset int

	showFrom  int
	showLimit int

	searchLimit  int
	exportFormat string
	bookmarkOff  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored sessions",
}

func init() {
	sessionsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active|archived)")
	sessionsListCmd.Flags().StringVar(&listTag, "tag", "", "filter by tag")
	sessionsListCmd.Flags().StringVar(&listModel, "model", "", "filter by model id")
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum sessions to list")
	sessionsListCmd.Flags().IntVar(&listOffset, "offset", 0, "listing offset")

	sessionsShowCmd.Flags().IntVar(&showFrom, "from", 0, "first sequence number to show")
	sessionsShowCmd.Flags().IntVar(&showLimit, "limit", 50, "maximum messages to show")

	sessionsSearchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum hits")

	sessionsExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "export format (json|markdown|html)")

	sessionsBookmarkCmd.Flags().BoolVar(&bookmarkOff, "clear", false, "remove the bookmark instead of setting it")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsSearchCmd,
		sessionsExportCmd, sessionsTagCmd, sessionsUntagCmd, sessionsBookmarkCmd,
		sessionsArchiveCmd, sessionsRepairCmd)
}

// withStore wires the session store and hands the command body a ready
// context.
func withStore(fn func(ctx cmdContext) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := buildApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmdContext{ctx: ctx, app: a, args: args})
	}
}

type cmdContext struct {
	ctx  context.Context
	app  *app
	args []string
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently active first",
	Args:  cobra.NoArgs,
	RunE: withStore(func(c cmdContext) error {
		sessions, err := c.app.store.ListSessions(c.ctx, store.Filter{
			Status: listStatus, Tag: listTag, ModelID: listModel,
		}, listLimit, listOffset)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tTITLE\tMODEL\tMSGS\tTOKENS\tSTATUS\tLAST ACTIVITY")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				s.ID, s.Title, s.ModelID, s.MessageCount, s.TotalTokens, s.Status,
				s.LastActivity.Format(time.RFC3339))
		}
		return w.Flush()
	}),
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(c cmdContext) error {
		sess, err := c.app.store.GetSession(c.ctx, c.args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  (%s, %d messages, %d tokens)\n", sess.ID, sess.Status, sess.MessageCount, sess.TotalTokens)
		if sess.Title != "" {
			fmt.Printf("Title: %s\n", sess.Title)
		}
		if len(sess.Tags) > 0 {
			fmt.Printf("Tags: %v\n", sess.Tags)
		}
		fmt.Println()

		msgs, err := c.app.store.GetMessages(c.ctx, sess.ID, showFrom, showLimit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("[%d] %s (%s):\n%s\n\n", m.SequenceNumber, m.Role,
				m.CreatedAt.Format(time.RFC3339), m.Content)
		}
		return nil
	}),
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search across messages and titles",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(c cmdContext) error {
		query := c.args[0]
		for _, extra := range c.args[1:] {
			query += " " + extra
		}
		hits, err := c.app.store.Search(c.ctx, query, store.Filter{}, searchLimit)
		if err != nil {
			return err
		}
		for _, h := range hits {
			fmt.Printf("%s\t%s\n", h.SessionID, h.Excerpt)
		}
		if len(hits) == 0 {
			fmt.Println("no matches")
		}
		return nil
	}),
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Export a session as JSON, Markdown, or HTML",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(c cmdContext) error {
		out, err := c.app.store.Export(c.ctx, c.args[0], store.ExportFormat(exportFormat))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}),
}

var sessionsTagCmd = &cobra.Command{
	Use:   "tag [session-id] [tag]",
	Short: "Attach a tag to a session",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(c cmdContext) error {
		return c.app.store.Tag(c.ctx, c.args[0], c.args[1])
	}),
}

var sessionsUntagCmd = &cobra.Command{
	Use:   "untag [session-id] [tag]",
	Short: "Remove a tag from a session",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(c cmdContext) error {
		return c.app.store.Untag(c.ctx, c.args[0], c.args[1])
	}),
}

var sessionsBookmarkCmd = &cobra.Command{
	Use:   "bookmark [session-id]",
	Short: "Bookmark a session (or clear with --clear)",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(c cmdContext) error {
		return c.app.store.Bookmark(c.ctx, c.args[0], !bookmarkOff)
	}),
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive [session-id]",
	Short: "Archive a session, keeping its messages",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(c cmdContext) error {
		return c.app.store.Archive(c.ctx, c.args[0])
	}),
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild session counters and remove orphaned messages",
	Args:  cobra.NoArgs,
	RunE: withStore(func(c cmdContext) error {
		report, err := c.app.store.Repair(c.ctx)
		if err != nil {
			return err
		}
		fmt.Printf("repaired: %d orphaned messages, %d sessions with count drift, %d with token drift\n",
			report.OrphanedMessages, report.CountDriftSessions, report.TokenDriftSessions)
		return nil
	}),
}
