package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/sightline/internal/history"
	"github.com/ehrlich-b/sightline/internal/registry"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the session registry and access history",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsHistoryCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var agentIDFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.LoadDefault()
			sessions := reg.List(agentIDFlag)
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tSESSION\tMODE\tUPDATED\tACTIVE")
			for _, s := range sessions {
				active := ""
				if s.IsActive {
					active = "*"
				}
				updated := time.UnixMilli(s.UpdatedAtMs).Format("2006-01-02 15:04:05")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.AgentID, s.SessionID, s.Mode, updated, active)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&agentIDFlag, "agent-id", "", "Only sessions of this agent instance")
	return cmd
}

func sessionsHistoryCmd() *cobra.Command {
	var dbFlag string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the recorded access log for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbFlag == "" {
				return fmt.Errorf("--db is required")
			}
			store, err := history.Open(dbFlag)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListBySession(args[0], limitFlag)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tPATH\tTURN")
			for _, e := range entries {
				action := string(e.Action)
				if e.Blocked {
					action = "blocked:" + action
				}
				ts := time.UnixMilli(e.TimestampMs).Format("15:04:05.000")
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", ts, action, e.Path, e.Turn)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dbFlag, "db", "", "History database written by observe --history-db")
	cmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum rows (default 1000)")
	return cmd
}
