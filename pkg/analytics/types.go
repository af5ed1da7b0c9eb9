// Package analytics defines the contracts between the performance layer and
// the analytical computations it accelerates. The computations themselves are
// external collaborators; perflayer treats each as a pure function from a
// conversation bundle to an artifact.
package analytics

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Conversation is a row from the conversations table.
type Conversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Message is a row from the messages table.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Bundle pairs a conversation with its messages, the unit of analysis.
type Bundle struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// FlowArtifact is the result of conversation flow analysis.
type FlowArtifact struct {
	ConversationID string          `json:"conversation_id"`
	Topics         []string        `json:"topics"`
	TransitionRate float64         `json:"transition_rate"`
	Depth          float64         `json:"depth"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// ProductivityArtifact is the result of productivity scoring.
type ProductivityArtifact struct {
	ConversationID string          `json:"conversation_id"`
	Score          float64         `json:"score"`
	PeakHours      []int           `json:"peak_hours"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Gap is a detected knowledge gap across conversations.
type Gap struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Urgency    float64         `json:"urgency"`
	Frequency  int             `json:"frequency"`
	FirstSeen  time.Time       `json:"first_seen"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Decision is a tracked decision within a conversation.
type Decision struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Summary        string          `json:"summary"`
	Status         string          `json:"status"`
	DecidedAt      time.Time       `json:"decided_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// FlowAnalyzer computes a FlowArtifact for one conversation.
type FlowAnalyzer func(ctx context.Context, conversation Conversation, messages []Message) (*FlowArtifact, error)

// ProductivityAnalyzer computes a ProductivityArtifact for one conversation.
type ProductivityAnalyzer func(ctx context.Context, conversation Conversation, messages []Message) (*ProductivityArtifact, error)

// GapDetector computes knowledge gaps across a set of conversation bundles.
type GapDetector func(ctx context.Context, bundles []Bundle) ([]Gap, error)

// DecisionTracker extracts decisions from one conversation.
type DecisionTracker func(ctx context.Context, conversation Conversation, messages []Message) ([]Decision, error)

// OperationKind tags the analytical operation a cache key belongs to.
// The tag is embedded in cache keys and drives warming strategy dispatch
// and estimated-value weighting.
type OperationKind string

const (
	OpFlow         OperationKind = "flow"
	OpProductivity OperationKind = "productivity"
	OpKnowledgeGap OperationKind = "knowledge_gap"
	OpDecisions    OperationKind = "decisions"
	OpSearch       OperationKind = "search"
	OpQuery        OperationKind = "query"
	OpGeneric      OperationKind = "generic"
)

// EstimatedValue weights an operation kind by the cost of recomputing it.
// Flow analysis is the most expensive computation, plain searches the
// cheapest; batch ("all") variants double the weight.
func EstimatedValue(kind OperationKind, batch bool) float64 {
	var v float64
	switch kind {
	case OpFlow:
		v = 3.0
	case OpKnowledgeGap:
		v = 2.5
	case OpProductivity:
		v = 2.0
	case OpSearch:
		v = 1.5
	default:
		v = 1.0
	}
	if batch {
		v *= 2.0
	}
	return v
}

// KindFromKey parses the operation kind out of a cache key prefix.
func KindFromKey(key string) OperationKind {
	for _, kind := range []OperationKind{OpFlow, OpProductivity, OpKnowledgeGap, OpDecisions, OpSearch, OpQuery} {
		if strings.HasPrefix(key, string(kind)+":") {
			return kind
		}
	}
	return OpGeneric
}
