package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/grant"
	"github.com/agentcore/agentcore/internal/session"
	"github.com/agentcore/agentcore/pkg/agentcore"
	"github.com/google/uuid"
)

// fileGrantStore is a grant.GrantStore persisted as one JSON file, so grants
// made by `agentctl grant approve` in one invocation are honored by `agentctl
// run` in the next. grant.MemoryGrantStore (what the teacher's own
// MemoryApprovalStore amounts to) only lives for one process; a CLI that
// invokes a fresh process per subcommand needs the same data on disk between
// them.
type fileGrantStore struct {
	path string
	mu   sync.Mutex
}

func newFileGrantStore(dir string) *fileGrantStore {
	return &fileGrantStore{path: filepath.Join(dir, "grants.json")}
}

func (s *fileGrantStore) load() ([]grant.Grant, error) {
	var grants []grant.Grant
	if err := readJSONFile(s.path, &grants); err != nil {
		return nil, err
	}
	return grants, nil
}

func (s *fileGrantStore) Insert(_ context.Context, g grant.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.load()
	if err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	grants = append(grants, g)
	return writeJSONFile(s.path, grants)
}

func (s *fileGrantStore) Match(_ context.Context, agentID, toolName, inputHash string) (grant.Grant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.load()
	if err != nil {
		return grant.Grant{}, false, err
	}

	var exact grant.Grant
	haveExact := false
	for _, g := range grants {
		if g.ToolName != toolName {
			continue
		}
		if g.AgentID != "" && g.AgentID != agentID {
			continue
		}
		if g.Scope.Kind == grant.AnyInput {
			return g, true, nil
		}
		if g.Scope.Kind == grant.ExactInput && g.Scope.Hash == inputHash {
			exact, haveExact = g, true
		}
	}
	return exact, haveExact, nil
}

func (s *fileGrantStore) List(_ context.Context, agentID string) ([]grant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.load()
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		return grants, nil
	}
	var out []grant.Grant
	for _, g := range grants {
		if g.AgentID == "" || g.AgentID == agentID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fileGrantStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.load()
	if err != nil {
		return err
	}
	out := grants[:0]
	for _, g := range grants {
		if g.ID != id {
			out = append(out, g)
		}
	}
	return writeJSONFile(s.path, out)
}

// fileSessionStore is a session.Store persisted as one JSON file per agentctl
// state directory, the same "keep it on disk between processes" reasoning as
// fileGrantStore. internal/session.MemoryStore's clone-on-read discipline is
// kept here too: callers get copies, never the stored slices/structs.
type fileSessionStore struct {
	path string
	mu   sync.Mutex
}

type sessionFile struct {
	Sessions map[string]*session.Session `json:"sessions"`
	ByKey    map[string]string           `json:"by_key"`
	Records  map[string][]session.Record `json:"records"`
}

func newFileSessionStore(dir string) *fileSessionStore {
	return &fileSessionStore{path: filepath.Join(dir, "sessions.json")}
}

func (s *fileSessionStore) load() (*sessionFile, error) {
	f := &sessionFile{
		Sessions: make(map[string]*session.Session),
		ByKey:    make(map[string]string),
		Records:  make(map[string][]session.Record),
	}
	if err := readJSONFile(s.path, f); err != nil {
		return nil, err
	}
	if f.Sessions == nil {
		f.Sessions = make(map[string]*session.Session)
	}
	if f.ByKey == nil {
		f.ByKey = make(map[string]string)
	}
	if f.Records == nil {
		f.Records = make(map[string][]session.Record)
	}
	return f, nil
}

func (s *fileSessionStore) GetOrCreate(_ context.Context, key, agentID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}

	if id, ok := f.ByKey[key]; ok {
		if sess, ok := f.Sessions[id]; ok {
			clone := *sess
			return &clone, nil
		}
	}

	now := time.Now()
	sess := &session.Session{ID: uuid.NewString(), Key: key, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
	f.Sessions[sess.ID] = sess
	f.ByKey[key] = sess.ID
	if err := writeJSONFile(s.path, f); err != nil {
		return nil, err
	}
	clone := *sess
	return &clone, nil
}

func (s *fileSessionStore) Save(_ context.Context, sessionID string, history []agentcore.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	sess, ok := f.Sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}

	recs := make([]session.Record, len(history))
	for i, msg := range history {
		recs[i] = session.Project(msg)
	}
	f.Records[sessionID] = recs
	sess.UpdatedAt = time.Now()
	return writeJSONFile(s.path, f)
}

func (s *fileSessionStore) Load(_ context.Context, sessionID string) ([]agentcore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	if _, ok := f.Sessions[sessionID]; !ok {
		return nil, session.ErrNotFound
	}
	recs := f.Records[sessionID]
	out := make([]agentcore.Message, len(recs))
	for i, rec := range recs {
		out[i] = session.Unproject(rec)
	}
	return out, nil
}

func (s *fileSessionStore) List(_ context.Context, agentID string) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*session.Session
	for _, sess := range f.Sessions {
		if agentID == "" || sess.AgentID == agentID {
			clone := *sess
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fileSessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	sess, ok := f.Sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	delete(f.Sessions, sessionID)
	delete(f.ByKey, sess.Key)
	delete(f.Records, sessionID)
	return writeJSONFile(s.path, f)
}
