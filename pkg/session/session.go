package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// summaryBudget caps each prompt and response excerpt in ContextSummary.
const summaryBudget = 200

// Session is a live handle over one durable SessionState. Mutations are
// serialized by the handle's mutex and written through to disk before they
// return. If a write fails the in-memory copy may be ahead of disk; the
// caller should drop the handle and re-resume.
type Session struct {
	mu      sync.Mutex
	state   *SessionState
	manager *Manager
}

// ID returns the session's immutable identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ID
}

// IssueNumber returns the external issue this session belongs to.
func (s *Session) IssueNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IssueNumber
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// History returns a copy of the turn history in append order.
func (s *Session) History() []ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]ConversationTurn, len(s.state.History))
	copy(history, s.state.History)
	return history
}

// AddTurn appends a turn to the history and persists the record. Turn
// contents are not validated; a zero timestamp is filled with the current
// time.
func (s *Session) AddTurn(turn ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.manager.now()
	}

	s.state.History = append(s.state.History, turn)
	s.state.LastAccessedAt = s.manager.now()

	if err := s.manager.persist(s.state); err != nil {
		return err
	}

	log.Debug().
		Str("session_id", s.state.ID).
		Str("step", turn.Step).
		Int("turns", len(s.state.History)).
		Msg("Turn appended")

	return nil
}

// SetMetadata stores a caller-defined progress marker and persists the record.
func (s *Session) SetMetadata(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Metadata[key] = value
	s.state.LastAccessedAt = s.manager.now()

	return s.manager.persist(s.state)
}

// GetMetadata returns the value stored under key, if any. Unknown keys are
// not an error.
func (s *Session) GetMetadata(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.state.Metadata[key]
	return value, ok
}

// Complete marks the session completed and persists the record. Calling it
// again is a no-op at the status level.
func (s *Session) Complete() error {
	return s.transition(StatusCompleted, "")
}

// Fail marks the session failed, recording reason under MetaFailureReason,
// and persists the record.
func (s *Session) Fail(reason string) error {
	return s.transition(StatusFailed, reason)
}

func (s *Session) transition(status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Status = status
	if reason != "" {
		s.state.Metadata[MetaFailureReason] = reason
	}
	s.state.LastAccessedAt = s.manager.now()

	if err := s.manager.persist(s.state); err != nil {
		return err
	}

	log.Info().
		Str("session_id", s.state.ID).
		Str("status", string(status)).
		Msg("Session status updated")

	return nil
}

// ContextSummary renders a bounded digest of the session for re-injection
// into a model prompt. Prompts and responses are truncated; the summary is
// lossy and must not be treated as the source of truth for history.
func (s *Session) ContextSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (issue #%d", s.state.ID, s.state.IssueNumber)
	if s.state.Complexity != "" {
		fmt.Fprintf(&b, ", complexity %s", s.state.Complexity)
	}
	fmt.Fprintf(&b, ", status %s, %d turns)\n", s.state.Status, len(s.state.History))

	for i, turn := range s.state.History {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, turn.Step)
		fmt.Fprintf(&b, "  prompt: %s\n", truncate(turn.Prompt, summaryBudget))
		fmt.Fprintf(&b, "  response: %s\n", truncate(turn.Response, summaryBudget))
	}

	return b.String()
}

// recency is the content-based ordering used by cache eviction and
// LatestForIssue.
func (s *Session) recency() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastActivity(s.state)
}

// truncate caps text at max characters, never splitting a rune. The summary
// is re-injected into model prompts, so the output must stay valid UTF-8.
func truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + "..."
}
