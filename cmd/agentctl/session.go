package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcore/agentcore/internal/session"
)

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(buildSessionShowCmd(), buildSessionLsCmd())
	return cmd
}

func buildSessionLsCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			store := newFileSessionStore(dir)
			sessions, err := store.List(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.ID, s.Key, s.UpdatedAt.Format("2006-01-02T15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "restrict to sessions for this agent ID")
	return cmd
}

func buildSessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			store := newFileSessionStore(dir)

			history, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "empty transcript")
				return nil
			}
			for _, msg := range history {
				rec := session.Project(msg)
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", rec.Role, rec.Text)
				for _, tc := range rec.ToolCalls {
					fmt.Fprintf(cmd.OutOrStdout(), "  tool_use %s %s %s\n", tc.ID, tc.Name, string(tc.Input))
				}
				for _, tr := range rec.ToolResults {
					fmt.Fprintf(cmd.OutOrStdout(), "  tool_result %s error=%v %s\n", tr.ToolCallID, tr.IsError, tr.Text)
				}
			}
			return nil
		},
	}
	return cmd
}
