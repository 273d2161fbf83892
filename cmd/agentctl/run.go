package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cmanager "github.com/agentcore/agentcore/internal/context"
	"github.com/agentcore/agentcore/internal/dispatch"
	"github.com/agentcore/agentcore/internal/events"
	"github.com/agentcore/agentcore/internal/grant"
	"github.com/agentcore/agentcore/internal/loop"
	"github.com/agentcore/agentcore/internal/mcpbridge"
	"github.com/agentcore/agentcore/internal/provider"
	"github.com/agentcore/agentcore/internal/provider/anthropic"
	"github.com/agentcore/agentcore/internal/provider/bedrock"
	"github.com/agentcore/agentcore/internal/provider/openai"
	"github.com/agentcore/agentcore/internal/tool"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

// runOptions holds buildRunCmd's flags.
type runOptions struct {
	providerName string
	model        string
	system       string
	maxTokens    int
	temperature  float64
	maxToolCalls int
	bounded      bool
	sessionKey   string
	policy       string
	trust        []string
	mcpConfig    string
}

func buildRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive turn-loop session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.providerName, "provider", "anthropic", "provider to use: anthropic, openai, or bedrock")
	cmd.Flags().StringVar(&opts.model, "model", "", "model ID override (defaults to the provider's DefaultModel)")
	cmd.Flags().StringVar(&opts.system, "system", "", "system prompt")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 4096, "max tokens per completion")
	cmd.Flags().Float64Var(&opts.temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().IntVar(&opts.maxToolCalls, "max-tool-calls", 0, "cap total tool calls for the run (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.bounded, "bounded", false, "cap loop iterations at loop.BoundedMaxIterations instead of running unbounded")
	cmd.Flags().StringVar(&opts.sessionKey, "session", "default", "session key to resume/persist under")
	cmd.Flags().StringVar(&opts.policy, "policy", "interactive", "authorization policy for ungranted tool calls: interactive or auto_deny")
	cmd.Flags().StringSliceVar(&opts.trust, "trust", nil, "tool names to bypass authorization entirely")
	cmd.Flags().StringVar(&opts.mcpConfig, "mcp-config", "", "optional YAML file of mcpbridge.ServerConfig entries to connect on startup")

	return cmd
}

func buildProvider(ctx context.Context, opts *runOptions) (provider.Provider, string, error) {
	switch opts.providerName {
	case "anthropic":
		p, err := anthropic.New(anthropic.Config{APIKey: os.Getenv("ANTHROPIC_API_KEY"), DefaultModel: opts.model})
		if err != nil {
			return nil, "", err
		}
		return p, opts.model, nil
	case "openai":
		p, err := openai.New(openai.Config{APIKey: os.Getenv("OPENAI_API_KEY")})
		if err != nil {
			return nil, "", err
		}
		return p, opts.model, nil
	case "bedrock":
		p, err := bedrock.New(ctx, bedrock.Config{
			Region:       os.Getenv("AWS_REGION"),
			DefaultModel: opts.model,
		})
		if err != nil {
			return nil, "", err
		}
		return p, opts.model, nil
	default:
		return nil, "", fmt.Errorf("run: unknown provider %q", opts.providerName)
	}
}

// runREPL wires a provider, tool registry, grant authorizer, dispatcher,
// context manager, and session store into one internal/loop.Loop, then drives
// it from stdin the way mixtape-cli's repl/core.rs drives its own read-eval
// loop: a welcome banner, one exchange per line of input, a spinner while the
// model is thinking, and a status line after each turn.
func runREPL(cmd *cobra.Command, opts *runOptions) error {
	dir, err := stateDir()
	if err != nil {
		return err
	}

	p, model, err := buildProvider(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if model == "" {
		if models := p.Models(); len(models) > 0 {
			model = models[0].ID
		}
	}

	registry := tool.NewRegistry()
	if err := registry.Register(newClockTool()); err != nil {
		return err
	}

	if opts.mcpConfig != "" {
		bridge, err := connectMCP(cmd.Context(), registry, opts.mcpConfig)
		if err != nil {
			return err
		}
		defer bridge.Stop()
	}

	tools := make([]provider.ToolDef, 0, len(registry.Names()))
	for _, name := range registry.Names() {
		t, _ := registry.Get(name)
		tools = append(tools, provider.ToolDef{Name: t.Name(), Description: t.Description(), InputSchema: t.Schema()})
	}

	grantStore := newFileGrantStore(dir)
	bus := events.New()

	policy := grant.Interactive
	if opts.policy == "auto_deny" {
		policy = grant.AutoDeny
	}

	// authz is referenced by the WithPermissionRequiredFunc closure before
	// it's assigned; the closure only runs on a later Authorize call, by
	// which point construction below has completed.
	var authz *grant.Authorizer
	authz = grant.New(grantStore,
		grant.WithPolicy(policy),
		grant.WithPermissionRequiredFunc(func(req grant.PendingRequest) {
			handleApprovalPrompt(authz, bus, req)
		}),
	)
	for _, name := range opts.trust {
		authz.Trust(name)
	}

	const agentID = "agentctl"
	dispatcher := dispatch.New(registry, authz, bus, dispatch.Config{AgentID: agentID})

	manager := cmanager.NewSlidingWindow(cmanager.DefaultContextWindow, p.CountTokens)

	maxIterations := 0
	if opts.bounded {
		maxIterations = loop.BoundedMaxIterations
	}

	sessionStore := newFileSessionStore(dir)
	sess, err := sessionStore.GetOrCreate(cmd.Context(), opts.sessionKey, agentID)
	if err != nil {
		return err
	}
	history, err := sessionStore.Load(cmd.Context(), sess.ID)
	if err != nil {
		return err
	}

	sp := newSpinner(cmd.ErrOrStderr())
	unsub := bus.Subscribe(func(e events.Event) {
		switch e.Kind {
		case events.KindModelCallStarted:
			sp.start()
		case events.KindModelCallStreaming:
			sp.stop()
		case events.KindToolRequested:
			sp.stop()
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[tool] %s %s\n", e.ToolName, string(e.ToolInput))
		case events.KindToolCompleted:
			fmt.Fprintf(cmd.ErrOrStderr(), "[tool] %s completed in %s\n", e.ToolName, e.Duration)
		case events.KindToolFailed:
			fmt.Fprintf(cmd.ErrOrStderr(), "[tool] %s failed: %v\n", e.ToolName, e.Err)
		case events.KindModelCallCompleted:
			sp.stop()
			printStatusLine(cmd.ErrOrStderr(), manager, history, e.Usage)
		}
	})
	defer unsub()

	fmt.Fprintf(cmd.OutOrStdout(), "agentctl session %s (%s)\n", shortID(sess.ID), model)
	fmt.Fprintln(cmd.OutOrStdout(), "Type a message and press enter. Ctrl+D to exit.")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(cmd.OutOrStdout(), "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		incoming := agentcore.Message{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text(line)}, CreatedAt: time.Now()}

		l := loop.New(p, manager, dispatcher, bus, tools, loop.Config{
			Model: model, System: opts.system, MaxTokens: opts.maxTokens, Temperature: opts.temperature,
			MaxIterations: maxIterations, MaxToolCalls: opts.maxToolCalls,
		})

		var produced []agentcore.Message
		for chunk := range l.Run(cmd.Context(), history, incoming) {
			if chunk.Delta != "" {
				fmt.Fprint(cmd.OutOrStdout(), chunk.Delta)
			}
			if chunk.Message != nil {
				produced = append(produced, *chunk.Message)
			}
			if chunk.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "\nerror: %v\n", chunk.Err)
			}
			if chunk.Done {
				fmt.Fprintln(cmd.OutOrStdout())
			}
		}

		history = append(history, incoming)
		history = append(history, produced...)
		if err := sessionStore.Save(cmd.Context(), sess.ID, history); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to save session: %v\n", err)
		}
	}
	return nil
}

// shortID truncates a session ID to 8 characters for display, matching
// mixtape-cli's format_session_info.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// statusColor mirrors mixtape-cli's select_status_colors thresholds: >=90%
// context usage is critical, >=75% is a warning, otherwise normal.
func statusColor(usagePct float64) *color.Color {
	switch {
	case usagePct >= 0.9:
		return color.New(color.FgRed)
	case usagePct >= 0.75:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func printStatusLine(w io.Writer, manager cmanager.Manager, history []agentcore.Message, usage *agentcore.TokenUsage) {
	if len(history) == 0 {
		return
	}
	_, ctxUsage, err := manager.Select(history[:len(history)-1], history[len(history)-1])
	if err != nil || ctxUsage.Budget == 0 {
		return
	}
	pct := float64(ctxUsage.Used) / float64(ctxUsage.Budget)
	line := fmt.Sprintf("context %d/%d (%.0f%%)", ctxUsage.Used, ctxUsage.Budget, pct*100)
	if usage != nil {
		line += fmt.Sprintf("  tokens in=%d out=%d", usage.InputTokens, usage.OutputTokens)
	}
	statusColor(pct).Fprintln(w, line)
}

// connectMCP loads server configs from path and connects every one,
// registering their tools into registry.
func connectMCP(ctx context.Context, registry *tool.Registry, path string) (*mcpbridge.Bridge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	var configs []*mcpbridge.ServerConfig
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}

	bridge := mcpbridge.New(registry, nil)
	for _, cfg := range configs {
		if err := bridge.AddServer(cfg); err != nil {
			return nil, fmt.Errorf("add server %s: %w", cfg.ID, err)
		}
		if err := bridge.Ensure(ctx, cfg.ID); err != nil {
			return nil, fmt.Errorf("connect server %s: %w", cfg.ID, err)
		}
	}
	return bridge, nil
}

// handleApprovalPrompt prints a PermissionRequired event and a synchronous
// stdin prompt, then resolves req through authz. This runs on the dispatch
// goroutine, before the Authorizer starts waiting on req's response channel,
// so a direct call here never races the timeout.
func handleApprovalPrompt(authz *grant.Authorizer, bus *events.Bus, req grant.PendingRequest) {
	deadline := req.CreatedAt.Add(grant.DefaultAuthorizationTimeout)
	bus.PermissionRequired(req.ID, req.ToolName, req.Input, deadline)

	fmt.Printf("\npermission required: %s %s\n[y]es-once [t]ool-always [e]xact-always [n]o > ", req.ToolName, string(req.Input))

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		authz.Respond(req.ID, grant.Response{Kind: grant.AllowOnce})
	case "t", "tool":
		authz.Respond(req.ID, grant.Response{Kind: grant.AllowTool})
	case "e", "exact":
		authz.Respond(req.ID, grant.Response{Kind: grant.AllowExact})
	default:
		authz.Respond(req.ID, grant.Response{Kind: grant.Deny})
	}
}

// newClockTool is a minimal demo tool so `run` has something to call without
// any external configuration: it reports the current time.
func newClockTool() tool.Tool { return clockTool{} }

type clockTool struct{}

func (clockTool) Name() string        { return "current_time" }
func (clockTool) Description() string { return "Returns the current UTC time in RFC3339 format." }
func (clockTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (clockTool) Execute(_ context.Context, _ json.RawMessage) (*tool.Result, error) {
	return &tool.Result{Content: []agentcore.ContentBlock{agentcore.Text(time.Now().UTC().Format(time.RFC3339))}}, nil
}
