package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatstream/internal/journal"
	"github.com/user/chatstream/internal/types"
)

var sessionEventLimit int

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)
	sessionShowCmd.Flags().IntVarP(&sessionEventLimit, "limit", "n", 50, "number of most recent events to show")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the session journal",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		j := journal.New(cfg.DataDir)

		list, err := j.Sessions.List()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tEVENTS\tCREATED")
		for _, s := range list {
			count, err := j.Events.Count(s.SessionID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.ChatType,
				s.State,
				count,
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's journaled events as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		j := journal.New(cfg.DataDir)
		id := types.SessionID(args[0])

		if _, err := j.Sessions.Get(id); err != nil {
			return err
		}
		entries, err := j.Events.Tail(id, sessionEventLimit)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Remove a session or all sessions from the journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		j := journal.New(cfg.DataDir)

		match := func(r *journal.Record) bool { return r.SessionID == types.SessionID(args[0]) }
		if args[0] == "all" {
			match = func(*journal.Record) bool { return true }
		}

		n, err := j.Delete(match)
		if err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}
		if n == 0 && args[0] != "all" {
			return fmt.Errorf("%w: %s", types.ErrSessionNotFound, args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d session(s).\n", n)
		return nil
	},
}
