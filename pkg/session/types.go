package session

import (
	"errors"
	"time"
)

// Complexity classifies how involved a workflow is expected to be.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MetaFailureReason is the reserved metadata key Fail stores its reason under.
const MetaFailureReason = "failureReason"

// ErrCorruptRecord marks a durable record that does not parse or validate as
// a SessionState. Bulk scans skip such records; Resume fails with it.
var ErrCorruptRecord = errors.New("corrupt session record")

// TokenUsage records token counts for one turn.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ConversationTurn is one prompt/response exchange. Immutable once appended;
// history order is append order.
type ConversationTurn struct {
	Step       string      `json:"step"`
	Prompt     string      `json:"prompt"`
	Response   string      `json:"response"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMs int64       `json:"durationMs,omitempty"`
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`
}

// SessionState is the durable record. Each mutation rewrites the whole
// document under {id}.json in the store directory.
type SessionState struct {
	ID             string                 `json:"id"`
	IssueNumber    int                    `json:"issueNumber"`
	Complexity     Complexity             `json:"complexity,omitempty"`
	WorkspaceRef   string                 `json:"workspaceRef,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	LastAccessedAt time.Time              `json:"lastAccessedAt"`
	History        []ConversationTurn     `json:"history"`
	Metadata       map[string]interface{} `json:"metadata"`
	Status         Status                 `json:"status"`
}

// lastActivity approximates recency from content: the timestamp of the most
// recent turn, or CreatedAt for a session with no history yet. Eviction and
// LatestForIssue both rank with this, so the two policies cannot drift apart.
func lastActivity(state *SessionState) time.Time {
	if n := len(state.History); n > 0 {
		return state.History[n-1].Timestamp
	}
	return state.CreatedAt
}
