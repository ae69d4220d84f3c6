// Package memstore provides an in-memory implementation of investigation.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

// Store holds sessions in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*investigation.Session // session ID -> session
	byKey    map[string]string                 // incident key -> session ID (dedup)
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*investigation.Session),
		byKey:    make(map[string]string),
	}
}

// Get retrieves a session by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*investigation.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return clone(sess), true, nil
}

// GetByIncidentKey retrieves the most recent session for an incident key.
// Returns a copy.
func (s *Store) GetByIncidentKey(_ context.Context, key string) (*investigation.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false, nil
	}
	return clone(s.sessions[id]), true, nil
}

// clone detaches the fields that AppendTurn and AppendToolCalls keep mutating
// while the session is live, so readers hold a stable snapshot.
func clone(sess *investigation.Session) *investigation.Session {
	cp := *sess
	if sess.Conversation != nil {
		conv := *sess.Conversation
		conv.Turns = append([]investigation.Turn(nil), sess.Conversation.Turns...)
		cp.Conversation = &conv
	}
	if sess.ToolRecords != nil {
		cp.ToolRecords = append([]investigation.ToolCallRecord(nil), sess.ToolRecords...)
	}
	return &cp
}

// Put stores a copy of the session. A nil Conversation or ToolRecords on the
// incoming session preserves what incremental appends have accumulated.
func (s *Store) Put(_ context.Context, sess *investigation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	if prev, ok := s.sessions[sess.ID]; ok {
		if cp.Conversation == nil {
			cp.Conversation = prev.Conversation
		}
		if cp.ToolRecords == nil {
			cp.ToolRecords = prev.ToolRecords
		}
	}
	s.sessions[sess.ID] = &cp
	s.byKey[sess.IncidentKey] = sess.ID
	return nil
}

// AppendTurn appends one conversation turn to a session. The returned message
// ID is the 1-based position of the turn, standing in for a row ID.
func (s *Store) AppendTurn(_ context.Context, sessionID string, _ int, turn *investigation.Turn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("session %s not found", sessionID)
	}
	if sess.Conversation == nil {
		sess.Conversation = &investigation.Conversation{}
	}
	sess.Conversation.Turns = append(sess.Conversation.Turns, *turn)
	return len(sess.Conversation.Turns), nil
}

// AppendToolCalls records the tool calls of an assistant turn once their
// results have arrived.
func (s *Store) AppendToolCalls(_ context.Context, sessionID string, _, _ int, turn *investigation.Turn, toolResults map[string]*investigation.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	for _, block := range turn.Content {
		if block.Type != "tool_use" {
			continue
		}
		rec := investigation.ToolCallRecord{
			Seq:   len(sess.ToolRecords) + 1,
			Tool:  block.Name,
			Input: block.Input,
			At:    turn.Timestamp,
		}
		if res, ok := toolResults[block.ID]; ok {
			if res.IsError {
				rec.IsError = true
				rec.Error = res.Content
			} else {
				rec.Output = []byte(res.Content)
			}
		}
		sess.ToolRecords = append(sess.ToolRecords, rec)
	}
	return nil
}
