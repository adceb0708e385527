// Package chat runs interactive agent sessions outside the task
// lifecycle. Each message spawns a one-shot agent process that resumes
// the CLI-side session, so the conversation keeps its context between
// turns.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
	RoleError     = "error"
)

// Session is one interactive conversation with the agent.
type Session struct {
	ID             string
	WorkingDir     string
	AgentSessionID string
	Processing     bool
	CreatedAt      time.Time
}

// ToAPI converts the session to its wire representation.
func (s *Session) ToAPI() *v1.ChatSession {
	return &v1.ChatSession{
		ID:             s.ID,
		WorkingDir:     s.WorkingDir,
		AgentSessionID: s.AgentSessionID,
		Processing:     s.Processing,
		CreatedAt:      s.CreatedAt,
	}
}

// Message is one transcript entry.
type Message struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// ToAPI converts the message to its wire representation.
func (m *Message) ToAPI() *v1.ChatMessage {
	return &v1.ChatMessage{
		Role:      m.Role,
		Text:      m.Text,
		Timestamp: m.Timestamp,
	}
}

// Store keeps sessions and their transcripts in memory. Transcripts are
// capped per session; the oldest entries are trimmed first. All
// accessors return copies so callers never share mutable state with the
// store.
type Store struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	messages      map[string][]*Message
	maxPerSession int
}

// NewStore creates an in-memory session store.
func NewStore(maxPerSession int) *Store {
	if maxPerSession <= 0 {
		maxPerSession = 1000
	}
	return &Store{
		sessions:      make(map[string]*Session),
		messages:      make(map[string][]*Message),
		maxPerSession: maxPerSession,
	}
}

// Create registers a new session rooted at the given directory.
func (s *Store) Create(workingDir string) *Session {
	session := &Session{
		ID:         uuid.New().String(),
		WorkingDir: workingDir,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	copied := *session
	return &copied
}

// Get returns a copy of the session, or false when it does not exist.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	copied := *session
	return &copied, true
}

// List returns all sessions ordered by creation time.
func (s *Store) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := *session
		out = append(out, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes a session and its transcript.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return true
}

// Append adds one transcript entry, trimming the oldest entries past
// the per-session cap. Appends to a deleted session are dropped.
func (s *Store) Append(sessionID, role, text string) *Message {
	msg := &Message{Role: role, Text: text, Timestamp: time.Now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil
	}
	messages := append(s.messages[sessionID], msg)
	if len(messages) > s.maxPerSession {
		messages = messages[len(messages)-s.maxPerSession:]
	}
	s.messages[sessionID] = messages

	copied := *msg
	return &copied
}

// Messages returns the transcript, newest entries last. A positive
// limit keeps only the most recent entries; a non-zero since drops
// everything at or before it.
func (s *Store) Messages(sessionID string, limit int, since time.Time) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Message
	for _, msg := range s.messages[sessionID] {
		if msg.Timestamp.After(since) {
			filtered = append(filtered, msg)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	out := make([]*Message, len(filtered))
	for i, msg := range filtered {
		copied := *msg
		out[i] = &copied
	}
	return out
}

// StartProcessing claims the session for one in-flight message. The
// second value reports whether the session exists at all.
func (s *Store) StartProcessing(id string) (claimed, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false, false
	}
	if session.Processing {
		return false, true
	}
	session.Processing = true
	return true, true
}

// EndProcessing releases the session's in-flight claim.
func (s *Store) EndProcessing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.Processing = false
	}
}

// SetAgentSessionID records the CLI-side session id used for resuming.
func (s *Store) SetAgentSessionID(id, agentSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.AgentSessionID = agentSessionID
	}
}
