package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentcore/agentcore/internal/mcpbridge"
	"github.com/agentcore/agentcore/internal/tool"
)

func buildMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP servers",
	}
	cmd.AddCommand(buildMCPListCmd())
	return cmd
}

func buildMCPListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Connect to every configured MCP server and print its tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("mcp list: --config is required")
			}
			return runMCPList(cmd, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML file containing a list of mcpbridge.ServerConfig entries")
	return cmd
}

func runMCPList(cmd *cobra.Command, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read mcp config: %w", err)
	}

	var configs []*mcpbridge.ServerConfig
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("parse mcp config: %w", err)
	}
	if len(configs) == 0 {
		return fmt.Errorf("mcp list: %s defines no servers", configPath)
	}

	registry := tool.NewRegistry()
	bridge := mcpbridge.New(registry, slog.Default())

	for _, cfg := range configs {
		if err := bridge.AddServer(cfg); err != nil {
			return fmt.Errorf("add server %s: %w", cfg.ID, err)
		}
	}

	ctx := cmd.Context()
	for _, cfg := range configs {
		if err := bridge.Ensure(ctx, cfg.ID); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: failed to connect: %v\n", cfg.ID, err)
			continue
		}
	}
	defer bridge.Stop()

	names := registry.Names()
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no tools registered")
		return nil
	}
	for _, name := range names {
		t, ok := registry.Get(name)
		if !ok {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.Name(), t.Description())
	}
	return nil
}
