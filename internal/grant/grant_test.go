package grant

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCanonicalHash_KeyOrderInsensitive(t *testing.T) {
	a, err := CanonicalHash([]byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := CanonicalHash([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a != b {
		t.Errorf("expected equal hashes for reordered keys, got %s != %s", a, b)
	}
}

func TestCanonicalHash_WhitespaceInsensitive(t *testing.T) {
	a, err := CanonicalHash([]byte(`{"a": 1, "b": [1, 2, 3]}`))
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := CanonicalHash([]byte(`{"a":1,"b":[1,2,3]}`))
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a != b {
		t.Errorf("expected equal hashes regardless of whitespace, got %s != %s", a, b)
	}
}

func TestCanonicalHash_DifferentValues(t *testing.T) {
	a, _ := CanonicalHash([]byte(`{"a":1}`))
	b, _ := CanonicalHash([]byte(`{"a":2}`))
	if a == b {
		t.Errorf("expected different hashes for different values")
	}
}

func TestAuthorize_TrustedBypassesGrantStore(t *testing.T) {
	a := New(NewMemoryGrantStore())
	a.Trust("read_file")

	decision, err := a.Authorize(context.Background(), "agent-1", "sess-1", "read_file", []byte(`{"path":"/etc/passwd"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Authorized {
		t.Errorf("expected trusted tool to be authorized, got %+v", decision)
	}
}

func TestAuthorize_AutoDenyWithoutGrant(t *testing.T) {
	a := New(NewMemoryGrantStore(), WithPolicy(AutoDeny))

	decision, err := a.Authorize(context.Background(), "agent-1", "sess-1", "delete_file", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Denied || decision.DenyReason != "no grant" {
		t.Errorf("expected denial with reason 'no grant', got %+v", decision)
	}
}

func TestAuthorize_AnyInputGrantMatches(t *testing.T) {
	store := NewMemoryGrantStore()
	if err := store.Insert(context.Background(), Grant{ToolName: "write_file", Scope: Scope{Kind: AnyInput}, AgentID: "agent-1"}); err != nil {
		t.Fatalf("insert grant: %v", err)
	}
	a := New(store)

	decision, err := a.Authorize(context.Background(), "agent-1", "sess-1", "write_file", []byte(`{"path":"/tmp/x","content":"anything"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Authorized {
		t.Errorf("expected AnyInput grant to authorize any input, got %+v", decision)
	}
}

func TestAuthorize_ExactInputGrantMatchesOnlyExactHash(t *testing.T) {
	store := NewMemoryGrantStore()
	hash, err := CanonicalHash([]byte(`{"cmd":"ls"}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := store.Insert(context.Background(), Grant{ToolName: "shell", Scope: Scope{Kind: ExactInput, Hash: hash}, AgentID: "agent-1"}); err != nil {
		t.Fatalf("insert grant: %v", err)
	}
	a := New(store)

	decision, err := a.Authorize(context.Background(), "agent-1", "sess-1", "shell", []byte(`{"cmd":"ls"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Authorized {
		t.Errorf("expected matching exact input to authorize, got %+v", decision)
	}

	decision, err = a.Authorize(context.Background(), "agent-1", "sess-1", "shell", []byte(`{"cmd":"rm -rf /"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Authorized {
		t.Errorf("expected differing input to not match ExactInput grant, got %+v", decision)
	}
}

func TestAuthorize_InteractiveAllowOnce(t *testing.T) {
	a := New(NewMemoryGrantStore(), WithPolicy(Interactive), WithTimeout(time.Second))

	done := make(chan struct{})
	var decision Decision
	var authErr error
	go func() {
		decision, authErr = a.Authorize(context.Background(), "agent-1", "sess-1", "shell", []byte(`{"cmd":"ls"}`))
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		pending := a.Pending()
		if len(pending) == 1 {
			if !a.Respond(pending[0].ID, Response{Kind: AllowOnce}) {
				t.Fatalf("failed to respond to pending request")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for pending request to register")
		default:
		}
	}

	<-done
	if authErr != nil {
		t.Fatalf("unexpected error: %v", authErr)
	}
	if !decision.Authorized {
		t.Errorf("expected AllowOnce to authorize, got %+v", decision)
	}

	grants, err := NewMemoryGrantStore().List(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("AllowOnce must not persist a grant")
	}
}

func TestAuthorize_InteractiveAllowToolPersistsAnyInputGrant(t *testing.T) {
	store := NewMemoryGrantStore()
	a := New(store, WithPolicy(Interactive), WithTimeout(time.Second))

	done := make(chan struct{})
	go func() {
		_, _ = a.Authorize(context.Background(), "agent-1", "sess-1", "shell", []byte(`{"cmd":"ls"}`))
		close(done)
	}()

	for len(a.Pending()) == 0 {
		time.Sleep(time.Millisecond)
	}
	a.Respond(a.Pending()[0].ID, Response{Kind: AllowTool})
	<-done

	decision, err := a.Authorize(context.Background(), "agent-1", "sess-1", "shell", []byte(`{"cmd":"anything else"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Authorized {
		t.Errorf("expected persisted AnyInput grant to cover a later different input, got %+v", decision)
	}

	grants, err := store.List(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(grants) != 1 || grants[0].Scope.Kind != AnyInput {
		t.Errorf("expected one AnyInput grant persisted, got %+v", grants)
	}
}

func TestAuthorize_InteractiveTimeout(t *testing.T) {
	a := New(NewMemoryGrantStore(), WithPolicy(Interactive), WithTimeout(20*time.Millisecond))

	decision, err := a.Authorize(context.Background(), "agent-1", "sess-1", "shell", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Denied || decision.DenyReason != "authorization timeout" {
		t.Errorf("expected timeout denial, got %+v", decision)
	}
}

func TestAuthorize_InteractiveDeny(t *testing.T) {
	a := New(NewMemoryGrantStore(), WithPolicy(Interactive), WithTimeout(time.Second))

	done := make(chan struct{})
	var decision Decision
	go func() {
		decision, _ = a.Authorize(context.Background(), "agent-1", "sess-1", "shell", []byte(`{}`))
		close(done)
	}()

	for len(a.Pending()) == 0 {
		time.Sleep(time.Millisecond)
	}
	a.Respond(a.Pending()[0].ID, Response{Kind: Deny})
	<-done

	if !decision.Denied {
		t.Errorf("expected denial, got %+v", decision)
	}
}

func TestAuthorize_PermissionRequiredFuncFires(t *testing.T) {
	var fired PendingRequest
	a := New(NewMemoryGrantStore(), WithPolicy(Interactive), WithTimeout(20*time.Millisecond),
		WithPermissionRequiredFunc(func(req PendingRequest) { fired = req }))

	input := json.RawMessage(`{"cmd":"ls"}`)
	_, _ = a.Authorize(context.Background(), "agent-1", "sess-1", "shell", input)

	if fired.ToolName != "shell" {
		t.Errorf("expected PermissionRequired callback to fire with tool name, got %+v", fired)
	}
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		tool     string
		want     bool
	}{
		{"exact", []string{"read_file"}, "read_file", true},
		{"wildcard all", []string{"*"}, "anything", true},
		{"prefix", []string{"list_*"}, "list_files", true},
		{"suffix", []string{"*_file"}, "read_file", true},
		{"no match", []string{"read_file"}, "write_file", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesPattern(tt.patterns, tt.tool); got != tt.want {
				t.Errorf("matchesPattern(%v, %q) = %v, want %v", tt.patterns, tt.tool, got, tt.want)
			}
		})
	}
}
