package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentcore/agentcore/pkg/agentcore"
)

func TestProjectUnproject_RoundTripsText(t *testing.T) {
	msg := agentcore.Message{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text("hello")}}
	rec := Project(msg)
	if rec.Text != "hello" {
		t.Fatalf("Text = %q, want %q", rec.Text, "hello")
	}

	got := Unproject(rec)
	if len(got.Content) != 1 || got.Content[0].Text != "hello" {
		t.Fatalf("Unproject = %+v", got.Content)
	}
}

func TestProject_ToolUseAndResult(t *testing.T) {
	msg := agentcore.Message{
		Role: agentcore.RoleAssistant,
		Content: []agentcore.ContentBlock{
			agentcore.Text("let me check"),
			agentcore.ToolUse("call-1", "weather", json.RawMessage(`{"city":"nyc"}`)),
		},
	}
	rec := Project(msg)
	if rec.Text != "let me check" {
		t.Fatalf("Text = %q", rec.Text)
	}
	if len(rec.ToolCalls) != 1 || rec.ToolCalls[0].ID != "call-1" || rec.ToolCalls[0].Name != "weather" {
		t.Fatalf("ToolCalls = %+v", rec.ToolCalls)
	}

	resultMsg := agentcore.Message{
		Role:    agentcore.RoleUser,
		Content: []agentcore.ContentBlock{agentcore.ToolResultText("call-1", "72F and sunny", false)},
	}
	resultRec := Project(resultMsg)
	if len(resultRec.ToolResults) != 1 || resultRec.ToolResults[0].Text != "72F and sunny" {
		t.Fatalf("ToolResults = %+v", resultRec.ToolResults)
	}
}

func TestProject_BinaryBlockBecomesPlaceholder(t *testing.T) {
	msg := agentcore.Message{
		Role: agentcore.RoleUser,
		Content: []agentcore.ContentBlock{
			agentcore.Text("see attached: "),
			{Type: agentcore.BlockImage, MediaType: "image/png", SourceData: []byte{1, 2, 3}},
		},
	}
	rec := Project(msg)
	if rec.Text != "see attached: "+binaryPlaceholder {
		t.Fatalf("Text = %q", rec.Text)
	}
}

func TestProject_ThinkingBlockDropped(t *testing.T) {
	msg := agentcore.Message{
		Role: agentcore.RoleAssistant,
		Content: []agentcore.ContentBlock{
			agentcore.ThinkingBlock("internal reasoning"),
			agentcore.Text("final answer"),
		},
	}
	rec := Project(msg)
	if rec.Text != "final answer" {
		t.Fatalf("Text = %q, thinking should not leak into the durable transcript", rec.Text)
	}
}

func TestUnproject_EmptyRecordYieldsNonEmptyMessage(t *testing.T) {
	msg := Unproject(Record{Role: agentcore.RoleAssistant})
	if len(msg.Content) != 1 || msg.Content[0].Type != agentcore.BlockText {
		t.Fatalf("expected a single empty text block, got %+v", msg.Content)
	}
}

func TestMemoryStore_GetOrCreateIsIdempotentByKey(t *testing.T) {
	s := NewMemoryStore(false)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "agent1:slack:chan1", "agent1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.GetOrCreate(ctx, "agent1:slack:chan1", "agent1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("GetOrCreate returned different IDs for the same key: %s != %s", first.ID, second.ID)
	}
}

func TestMemoryStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewMemoryStore(false)
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "key1", "agent1")
	if err != nil {
		t.Fatal(err)
	}

	history := []agentcore.Message{
		{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text("hi")}},
		{Role: agentcore.RoleAssistant, Content: []agentcore.ContentBlock{agentcore.Text("hello there")}},
	}
	if err := s.Save(ctx, sess.ID, history); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Content[0].Text != "hello there" {
		t.Fatalf("Load = %+v", got)
	}
}

func TestMemoryStore_LoadUnknownSessionFails(t *testing.T) {
	s := NewMemoryStore(false)
	if _, err := s.Load(context.Background(), "nonexistent"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_RetainBinaryKeepsRawBlocks(t *testing.T) {
	s := NewMemoryStore(true)
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "key1", "agent1")
	if err != nil {
		t.Fatal(err)
	}

	img := agentcore.ContentBlock{Type: agentcore.BlockImage, MediaType: "image/png", SourceData: []byte{9, 9, 9}}
	history := []agentcore.Message{{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{img}}}
	if err := s.Save(ctx, sess.ID, history); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got[0].Content) != 1 || got[0].Content[0].Type != agentcore.BlockImage {
		t.Fatalf("expected raw image block retained, got %+v", got[0].Content)
	}
}

func TestMemoryStore_DeleteRemovesSessionAndKey(t *testing.T) {
	s := NewMemoryStore(false)
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "key1", "agent1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, sess.ID); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	again, err := s.GetOrCreate(ctx, "key1", "agent1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID == sess.ID {
		t.Fatalf("expected a fresh session after delete, got the same ID")
	}
}

func TestMemoryStore_ListFiltersByAgent(t *testing.T) {
	s := NewMemoryStore(false)
	ctx := context.Background()

	if _, err := s.GetOrCreate(ctx, "a", "agent1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetOrCreate(ctx, "b", "agent2"); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx, "agent1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].AgentID != "agent1" {
		t.Fatalf("List(agent1) = %+v", got)
	}
}
