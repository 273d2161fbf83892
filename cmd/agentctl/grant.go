package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcore/agentcore/internal/grant"
)

func buildGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Inspect and manage standing tool-call authorizations",
	}
	cmd.AddCommand(buildGrantLsCmd(), buildGrantApproveCmd(), buildGrantDenyCmd())
	return cmd
}

func buildGrantLsCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List standing grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			store := newFileGrantStore(dir)
			grants, err := store.List(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no grants")
				return nil
			}
			for _, g := range grants {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", g.ID, g.ToolName, g.Scope.Kind, g.CreatedAt.Format("2006-01-02T15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "restrict to grants for this agent ID")
	return cmd
}

func buildGrantApproveCmd() *cobra.Command {
	var agentID string
	var exact string

	cmd := &cobra.Command{
		Use:   "approve <tool>",
		Short: "Grant standing authorization for a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			store := newFileGrantStore(dir)

			scope := grant.Scope{Kind: grant.AnyInput}
			if exact != "" {
				hash, err := grant.CanonicalHash(json.RawMessage(exact))
				if err != nil {
					return fmt.Errorf("hash --input: %w", err)
				}
				scope = grant.Scope{Kind: grant.ExactInput, Hash: hash}
			}

			g := grant.Grant{ToolName: args[0], Scope: scope, AgentID: agentID}
			if err := store.Insert(cmd.Context(), g); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s (%s)\n", args[0], scope.Kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "scope the grant to this agent ID (default: any agent)")
	cmd.Flags().StringVar(&exact, "input", "", "scope the grant to this exact JSON input instead of any input")
	return cmd
}

func buildGrantDenyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deny <grant-id>",
		Short: "Revoke a standing grant by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			store := newFileGrantStore(dir)
			if err := store.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
	return cmd
}
