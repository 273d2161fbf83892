// Package grant implements the Grant Store and Authorizer: the per-call
// tool-authorization gate sitting between the dispatcher and a tool's
// Execute method.
//
// Grounded on internal/agent/approval.go almost entirely — ApprovalChecker
// becomes Authorizer, ApprovalStore becomes GrantStore, MemoryApprovalStore
// stays as the default in-memory GrantStore, and matchesPattern is kept
// (inlined, since its internal/tools/policy.NormalizeTool dependency was
// dropped along with that package) — generalized from the teacher's
// allow/deny/require-approval policy lists to the two-scope Grant model
// (AnyInput / ExactInput) and canonical-JSON hashing this package defines.
package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScopeKind discriminates a Grant's scope.
type ScopeKind string

const (
	// AnyInput matches any input to the granted tool, for the store's lifetime.
	AnyInput ScopeKind = "any_input"
	// ExactInput matches only calls whose canonical JSON input hash equals Hash.
	ExactInput ScopeKind = "exact_input"
)

// Scope is a Grant's matching rule.
type Scope struct {
	Kind ScopeKind
	Hash string // set when Kind == ExactInput
}

// Grant is a persisted authorization covering future tool calls matching Scope.
type Grant struct {
	ID        string
	ToolName  string
	Scope     Scope
	AgentID   string
	CreatedAt time.Time
}

// GrantStore persists prior consent so the authorizer does not need to
// re-prompt for calls already covered by an existing grant. Implementations
// must support concurrent reads; writes are expected to take an internal lock.
type GrantStore interface {
	Insert(ctx context.Context, g Grant) error
	// Match returns the first grant matching toolName, preferring AnyInput over
	// ExactInput, for the given agent (and any grant with no AgentID, which
	// applies runtime-wide).
	Match(ctx context.Context, agentID, toolName, inputHash string) (Grant, bool, error)
	List(ctx context.Context, agentID string) ([]Grant, error)
	Revoke(ctx context.Context, id string) error
}

// MemoryGrantStore is a thread-safe in-memory GrantStore, the default backing
// store for single-process embedders.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryGrantStore creates an empty in-memory grant store.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string]Grant)}
}

func (s *MemoryGrantStore) Insert(_ context.Context, g Grant) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.ID] = g
	return nil
}

func (s *MemoryGrantStore) Match(_ context.Context, agentID, toolName, inputHash string) (Grant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exactMatch Grant
	haveExact := false

	for _, g := range s.grants {
		if g.ToolName != toolName {
			continue
		}
		if g.AgentID != "" && g.AgentID != agentID {
			continue
		}
		if g.Scope.Kind == AnyInput {
			return g, true, nil
		}
		if g.Scope.Kind == ExactInput && g.Scope.Hash == inputHash {
			exactMatch = g
			haveExact = true
		}
	}

	return exactMatch, haveExact, nil
}

func (s *MemoryGrantStore) List(_ context.Context, agentID string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Grant
	for _, g := range s.grants {
		if agentID == "" || g.AgentID == "" || g.AgentID == agentID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *MemoryGrantStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, id)
	return nil
}

// Policy selects how the authorizer handles a call with no matching grant.
type Policy string

const (
	// AutoDeny denies any call without a grant immediately, no prompting.
	AutoDeny Policy = "auto_deny"
	// Interactive suspends the call as a pending request awaiting an external response.
	Interactive Policy = "interactive"
)

// Decision is the authorizer's verdict for one (tool_name, input) pair.
type Decision struct {
	Authorized bool
	Denied     bool
	DenyReason string

	// Pending is set when Policy is Interactive and no grant matched: the
	// caller must wait on the PendingRequest identified by RequestID.
	Pending   bool
	RequestID string
}

// ResponseKind is how an external actor resolves a pending request.
type ResponseKind string

const (
	AllowOnce  ResponseKind = "allow_once"
	AllowTool  ResponseKind = "allow_tool"
	AllowExact ResponseKind = "allow_exact"
	Deny       ResponseKind = "deny"
)

// Response resolves one pending authorization request.
type Response struct {
	Kind ResponseKind
}

// PendingRequest is a suspended authorization awaiting an external response.
type PendingRequest struct {
	ID        string
	ToolName  string
	Input     json.RawMessage
	InputHash string
	AgentID   string
	SessionID string
	CreatedAt time.Time

	respond chan Response
}

// ErrAuthorizationTimeout is returned when a pending request's deadline T elapses
// with no response.
var ErrAuthorizationTimeout = errors.New("grant: authorization timeout")

// DefaultAuthorizationTimeout is T, the default pending-prompt deadline.
const DefaultAuthorizationTimeout = 60 * time.Second

// PermissionRequiredFunc is invoked once a pending request is registered, so
// the embedder can surface a PermissionRequired event before the authorizer
// blocks waiting on a response.
type PermissionRequiredFunc func(req PendingRequest)

// Authorizer decides, for one (tool_name, input) pair, whether a tool call may
// proceed — implementing the four-step check in the package doc: trusted
// bypass, grant lookup, AutoDeny, or Interactive with a timed pending request.
type Authorizer struct {
	mu      sync.RWMutex
	trusted map[string]struct{}
	store   GrantStore
	policy  Policy
	timeout time.Duration
	pending map[string]*PendingRequest
	onReq   PermissionRequiredFunc
}

// Option configures an Authorizer at construction.
type Option func(*Authorizer)

// WithPolicy sets the authorizer's policy (default AutoDeny).
func WithPolicy(p Policy) Option { return func(a *Authorizer) { a.policy = p } }

// WithTimeout overrides the default pending-prompt deadline T.
func WithTimeout(d time.Duration) Option { return func(a *Authorizer) { a.timeout = d } }

// WithPermissionRequiredFunc registers a callback fired when a call becomes pending.
func WithPermissionRequiredFunc(fn PermissionRequiredFunc) Option {
	return func(a *Authorizer) { a.onReq = fn }
}

// New creates an Authorizer backed by store, defaulting to policy AutoDeny and
// timeout DefaultAuthorizationTimeout.
func New(store GrantStore, opts ...Option) *Authorizer {
	if store == nil {
		store = NewMemoryGrantStore()
	}
	a := &Authorizer{
		trusted: make(map[string]struct{}),
		store:   store,
		policy:  AutoDeny,
		timeout: DefaultAuthorizationTimeout,
		pending: make(map[string]*PendingRequest),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Trust marks a tool name as bypassing authorization entirely.
func (a *Authorizer) Trust(toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trusted[toolName] = struct{}{}
}

func (a *Authorizer) isTrusted(toolName string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.trusted[toolName]
	return ok
}

// Authorize runs the full authorization check for one tool call, blocking
// until a verdict is reached: immediately for trusted tools, grant matches,
// and AutoDeny; until a response or timeout T under Interactive.
func (a *Authorizer) Authorize(ctx context.Context, agentID, sessionID, toolName string, input json.RawMessage) (Decision, error) {
	if a.isTrusted(toolName) {
		return Decision{Authorized: true}, nil
	}

	hash, err := CanonicalHash(input)
	if err != nil {
		return Decision{}, fmt.Errorf("grant: hashing input: %w", err)
	}

	if _, ok, err := a.store.Match(ctx, agentID, toolName, hash); err != nil {
		return Decision{}, err
	} else if ok {
		return Decision{Authorized: true}, nil
	}

	if a.policy == AutoDeny {
		return Decision{Denied: true, DenyReason: "no grant"}, nil
	}

	req := &PendingRequest{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		Input:     input,
		InputHash: hash,
		AgentID:   agentID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		respond:   make(chan Response, 1),
	}

	a.mu.Lock()
	a.pending[req.ID] = req
	onReq := a.onReq
	a.mu.Unlock()

	if onReq != nil {
		onReq(*req)
	}

	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	timeout := a.timeout
	if timeout <= 0 {
		timeout = DefaultAuthorizationTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()

	case <-timer.C:
		return Decision{Denied: true, DenyReason: "authorization timeout"}, nil

	case resp := <-req.respond:
		switch resp.Kind {
		case AllowOnce:
			return Decision{Authorized: true}, nil
		case AllowTool:
			if err := a.store.Insert(ctx, Grant{
				ToolName: toolName, Scope: Scope{Kind: AnyInput}, AgentID: agentID, CreatedAt: time.Now(),
			}); err != nil {
				return Decision{}, err
			}
			return Decision{Authorized: true}, nil
		case AllowExact:
			if err := a.store.Insert(ctx, Grant{
				ToolName: toolName, Scope: Scope{Kind: ExactInput, Hash: hash}, AgentID: agentID, CreatedAt: time.Now(),
			}); err != nil {
				return Decision{}, err
			}
			return Decision{Authorized: true}, nil
		default:
			return Decision{Denied: true, DenyReason: "denied"}, nil
		}
	}
}

// Respond resolves a pending request by ID. It is a no-op (returns false) if
// no such pending request exists — e.g. it already timed out.
func (a *Authorizer) Respond(requestID string, resp Response) bool {
	a.mu.RLock()
	req, ok := a.pending[requestID]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case req.respond <- resp:
		return true
	default:
		return false
	}
}

// Pending returns the currently outstanding pending requests.
func (a *Authorizer) Pending() []PendingRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]PendingRequest, 0, len(a.pending))
	for _, req := range a.pending {
		out = append(out, *req)
	}
	return out
}

// matchesPattern reports whether toolName matches any of patterns, supporting
// exact match, a lone "*" wildcard, and prefix*/*suffix globs — kept from the
// teacher's approval policy matcher for embedders that still want an
// allow/deny-list layer in front of the grant store.
func matchesPattern(patterns []string, toolName string) bool {
	name := strings.ToLower(strings.TrimSpace(toolName))
	for _, pattern := range patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" {
			continue
		}
		if p == "*" || p == name {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(name, p[:len(p)-1]) {
			return true
		}
		if strings.HasPrefix(p, "*") && strings.HasSuffix(name, p[1:]) {
			return true
		}
	}
	return false
}
