package triage

import (
	"context"
	"errors"
	"time"
)

// ErrReasoningUnavailable classifies a reasoner call that failed, timed out,
// or returned something that could not be parsed. The engine recovers with a
// degraded verdict; it is never returned to callers of Score.
var ErrReasoningUnavailable = errors.New("reasoning capability unavailable")

// Reasoner is the external reasoning capability. Implementations wrap an
// LLM provider and translate its output into an Assessment.
type Reasoner interface {
	Reason(ctx context.Context, req *ReasonRequest) (*Assessment, error)
}

// ContextTurn is one prior conversation turn as shown to the reasoner.
type ContextTurn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// GuidanceChunk is one retrieved guideline excerpt as shown to the reasoner.
type GuidanceChunk struct {
	ID          string   `json:"id"`
	HeadingPath []string `json:"heading_path,omitempty"`
	Text        string   `json:"text"`
	Score       float64  `json:"score"`
}

// ReasonRequest is the structured input to the reasoner.
type ReasonRequest struct {
	Message  string          `json:"message"`
	Window   []ContextTurn   `json:"context_window"`
	Guidance []GuidanceChunk `json:"retrieved_guidelines"`
}

// Assessment is the reasoner's structured output.
type Assessment struct {
	UrgencyLevel           Level    `json:"urgency_level"`
	RecommendedAction      string   `json:"recommended_action"`
	RequiresHumanAttention bool     `json:"requires_human_attention"`
	Rationale              string   `json:"rationale"`
	Reply                  string   `json:"reply"`
	SuggestedActions       []string `json:"suggested_actions,omitempty"`
	Confidence             float64  `json:"confidence,omitempty"`
}
