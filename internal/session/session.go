// Package session implements the Session Port: optional persistence of a
// conversation's history across runs, projecting the content-block model
// onto a storage-friendly shape so a backend need not understand
// agentcore.ContentBlock's tagged union directly.
//
// Grounded on internal/sessions/store.go's Store interface (GetOrCreate/
// Get/Update/Delete, SessionKey) and internal/sessions/memory.go's
// MemoryStore (mutex-guarded maps, deep-cloning on read/write, uuid IDs,
// maxMessagesPerSession trimming) — generalized from the teacher's
// models.Message{Content,ToolCalls,ToolResults,Attachments} shape to this
// runtime's agentcore.Message{Content []ContentBlock}, via the Record
// projection defined here.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/pkg/agentcore"
)

// ErrNotFound indicates no session exists for the given ID or key.
var ErrNotFound = errors.New("session: not found")

// Session is the metadata record for one persisted conversation.
type Session struct {
	ID        string
	Key       string
	AgentID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
}

// ToolCallRecord is the projected form of a BlockToolUse content block.
type ToolCallRecord struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultRecord is the projected form of a BlockToolResult content block.
type ToolResultRecord struct {
	ToolCallID string
	Text       string
	IsError    bool
}

// Record is the storage projection of one agentcore.Message: role, rendered
// text, and any tool calls/results it carries. Binary blocks (image/document)
// are reduced to a text placeholder unless the store opts into retaining raw
// bytes via BinaryStore.
type Record struct {
	Role        agentcore.Role
	Text        string
	ToolCalls   []ToolCallRecord
	ToolResults []ToolResultRecord
	CreatedAt   time.Time

	// Raw is populated only when the backing store implements BinaryStore and
	// chooses to retain it; Project never sets this field itself.
	Raw []agentcore.ContentBlock
}

// binaryPlaceholder is substituted for an image/document block's content when
// the store does not retain raw bytes.
const binaryPlaceholder = "[binary content omitted]"

// Project flattens a Message into its Record form for persistence.
func Project(msg agentcore.Message) Record {
	rec := Record{Role: msg.Role, CreatedAt: msg.CreatedAt}
	var text []byte

	for _, b := range msg.Content {
		switch b.Type {
		case agentcore.BlockText:
			text = append(text, []byte(b.Text)...)
		case agentcore.BlockThinking:
			// Thinking content is model-internal scratch space, not part of the
			// durable transcript.
		case agentcore.BlockImage, agentcore.BlockDocument:
			text = append(text, []byte(binaryPlaceholder)...)
		case agentcore.BlockToolUse:
			rec.ToolCalls = append(rec.ToolCalls, ToolCallRecord{
				ID: b.ToolUseID, Name: b.ToolName, Input: append(json.RawMessage{}, b.ToolInput...),
			})
		case agentcore.BlockToolResult:
			rec.ToolResults = append(rec.ToolResults, ToolResultRecord{
				ToolCallID: b.ToolUseID,
				Text:       renderResultText(b.ToolResultContent),
				IsError:    b.IsError,
			})
		}
	}
	rec.Text = string(text)
	return rec
}

func renderResultText(blocks []agentcore.ContentBlock) string {
	var out []byte
	for _, b := range blocks {
		if b.Type == agentcore.BlockText {
			out = append(out, []byte(b.Text)...)
		} else {
			out = append(out, []byte(binaryPlaceholder)...)
		}
	}
	return string(out)
}

// Unproject reconstructs a Message from its Record form. Raw, if populated,
// is used verbatim instead of re-deriving blocks from Text/ToolCalls/ToolResults.
func Unproject(rec Record) agentcore.Message {
	if rec.Raw != nil {
		return agentcore.Message{Role: rec.Role, Content: rec.Raw, CreatedAt: rec.CreatedAt}
	}

	var content []agentcore.ContentBlock
	if rec.Text != "" {
		content = append(content, agentcore.Text(rec.Text))
	}
	for _, tc := range rec.ToolCalls {
		content = append(content, agentcore.ToolUse(tc.ID, tc.Name, tc.Input))
	}
	for _, tr := range rec.ToolResults {
		content = append(content, agentcore.ToolResultText(tr.ToolCallID, tr.Text, tr.IsError))
	}
	if len(content) == 0 {
		content = append(content, agentcore.Text(""))
	}
	return agentcore.Message{Role: rec.Role, Content: content, CreatedAt: rec.CreatedAt}
}

// Store is the Session Port: get-or-create, save, load, list, delete.
type Store interface {
	GetOrCreate(ctx context.Context, key, agentID string) (*Session, error)
	Save(ctx context.Context, sessionID string, history []agentcore.Message) error
	Load(ctx context.Context, sessionID string) ([]agentcore.Message, error)
	List(ctx context.Context, agentID string) ([]*Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// BinaryStore is implemented by stores that opt into retaining raw binary
// blocks rather than substituting the text placeholder.
type BinaryStore interface {
	RetainBinary() bool
}

// MemoryStore is a thread-safe in-memory Store, the default for embedders
// that don't need persistence across process restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byKey    map[string]string
	records  map[string][]Record
	retain   bool
}

// NewMemoryStore creates an empty in-memory session store. If retainBinary is
// true, Save keeps raw ContentBlocks instead of substituting placeholders.
func NewMemoryStore(retainBinary bool) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byKey:    make(map[string]string),
		records:  make(map[string][]Record),
		retain:   retainBinary,
	}
}

// RetainBinary reports whether this store keeps raw binary blocks on Save.
func (s *MemoryStore) RetainBinary() bool { return s.retain }

func (s *MemoryStore) GetOrCreate(ctx context.Context, key, agentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		if sess, ok := s.sessions[id]; ok {
			clone := *sess
			return &clone, nil
		}
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.byKey[key] = sess.ID
	clone := *sess
	return &clone, nil
}

func (s *MemoryStore) Save(ctx context.Context, sessionID string, history []agentcore.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	recs := make([]Record, len(history))
	for i, msg := range history {
		rec := Project(msg)
		if s.retain {
			rec.Raw = msg.Content
		}
		recs[i] = rec
	}
	s.records[sessionID] = recs
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) ([]agentcore.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	recs := s.records[sessionID]
	out := make([]agentcore.Message, len(recs))
	for i, rec := range recs {
		out[i] = Unproject(rec)
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, agentID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if agentID != "" && sess.AgentID != agentID {
			continue
		}
		clone := *sess
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.byKey, sess.Key)
	delete(s.records, sessionID)
	return nil
}
