// Package queue orders patient cases for staff follow-up.
//
// A Queue holds at most one active case per user. Pending cases are ranked
// by (urgency level, submitted_at): lower levels first, FIFO within a level.
// All mutations run under one lock per Queue, so a case is dispatched at
// most once and no upsert is lost to a concurrent reorder.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/frontdesk/internal/triage"
)

// ErrNotFound is returned for point operations on an unknown user.
var ErrNotFound = errors.New("case not found")

// Status is the lifecycle state of a case.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusRemoved    Status = "REMOVED"
)

// Active reports whether the case still needs staff attention.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Channel is the inbound channel an inquiry arrived on.
type Channel string

const (
	ChannelPhone     Channel = "phone"
	ChannelChat      Channel = "chat"
	ChannelWebPortal Channel = "web_portal"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelPhone, ChannelChat, ChannelWebPortal:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// Case is a patient's queued request for staff attention.
type Case struct {
	ID                     string       `json:"id"`
	UserID                 string       `json:"user_id"`
	Channel                Channel      `json:"channel"`
	UrgencyLevel           triage.Level `json:"urgency_level"`
	RequiresHumanAttention bool         `json:"requires_human_attention"`
	SubmittedAt            time.Time    `json:"submitted_at"`
	LastUpdatedAt          time.Time    `json:"last_updated_at"`
	DispatchedAt           *time.Time   `json:"dispatched_at,omitempty"`
	Rationale              string       `json:"rationale"`
	RecommendedAction      string       `json:"recommended_action"`
	DetectedSignals        []string     `json:"detected_signals"`
	Degraded               bool         `json:"degraded"`
	ContextSummary         string       `json:"context_summary,omitempty"`
	Status                 Status       `json:"status"`
	// Version increases on every mutation; stores use it to drop stale writes.
	Version int64 `json:"version"`
}

func (c *Case) clone() Case {
	cp := *c
	cp.DetectedSignals = append([]string(nil), c.DetectedSignals...)
	if c.DispatchedAt != nil {
		t := *c.DispatchedAt
		cp.DispatchedAt = &t
	}
	return cp
}

// Store persists case records. Queue ordering lives in memory; a Store lets
// active cases survive a restart.
type Store interface {
	Put(ctx context.Context, c *Case) error
	Get(ctx context.Context, userID string) (*Case, bool, error)
	ListActive(ctx context.Context) ([]*Case, error)
}
