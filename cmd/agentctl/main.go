// Command agentctl is the reference CLI embedder for pkg/agentcore: a single
// binary exercising the turn loop, the MCP bridge, the grant store, and the
// session store end to end, the way cmd/nexus did for the teacher's runtime.
//
// Usage:
//
//	agentctl run --provider anthropic --model claude-opus-4
//	agentctl mcp list --config mcp.yaml
//	agentctl grant ls
//	agentctl grant approve my_tool
//	agentctl session show <id>
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached,
// mirroring the teacher's buildRootCmd/AddCommand split so each subcommand
// tree lives in its own file.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "agentctl",
		Short:   "Reference CLI for the agentcore turn loop",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Long: `agentctl drives one agentcore run from a terminal: a provider, a tool
registry (optionally backed by MCP servers), a grant store gating tool calls,
and a session store persisting the transcript between invocations.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		buildRunCmd(),
		buildMCPCmd(),
		buildGrantCmd(),
		buildSessionCmd(),
	)
	return root
}

// stateDir returns the directory agentctl persists grants and sessions to
// between invocations, creating it if necessary. Defaults to
// $XDG_STATE_HOME/agentctl or ~/.agentctl.
func stateDir() (string, error) {
	if dir := os.Getenv("AGENTCTL_STATE_DIR"); dir != "" {
		return dir, ensureDir(dir)
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		dir := filepath.Join(xdg, "agentctl")
		return dir, ensureDir(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".agentctl")
	return dir, ensureDir(dir)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

// readJSONFile unmarshals path into v, treating a missing file as a no-op
// (v is left at its zero value).
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSONFile writes v to path atomically (write to a temp file, then
// rename), so a crash mid-write never leaves a truncated state file.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
