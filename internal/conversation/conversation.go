// Package conversation keeps a bounded, per-user history of recent turns.
// Histories are capped by turn count and by total characters; the oldest
// turns are evicted first. Operations on one user never block another.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies who produced a turn.
type Role string

const (
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
)

// ErrNoUser is returned when an operation is called with an empty user ID.
var ErrNoUser = errors.New("conversation: user id is required")

// Turn is one message in a user's history.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Channel   string    `json:"channel,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Chars is the size of the turn as counted against Limits.MaxChars.
func (t Turn) Chars() int {
	return utf8.RuneCountInString(t.Text)
}

// Limits bounds each user's history. Zero MaxTurns or MaxChars disables that
// cap. IdleTTL, when positive, drops histories untouched for that long.
type Limits struct {
	MaxTurns int
	MaxChars int
	IdleTTL  time.Duration
}

// DefaultLimits returns the caps used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxTurns: 20,
		MaxChars: 8000,
		IdleTTL:  24 * time.Hour,
	}
}

// Exceeded reports whether a history of the given size breaks either cap.
func (l Limits) Exceeded(turns, chars int) bool {
	return (l.MaxTurns > 0 && turns > l.MaxTurns) || (l.MaxChars > 0 && chars > l.MaxChars)
}

// Store is the context store contract shared by the in-memory and Redis
// implementations.
type Store interface {
	// Append adds a turn and evicts the oldest turns until the limits hold.
	Append(ctx context.Context, userID string, turn Turn) error
	// Window returns up to maxTurns most recent turns, oldest first. maxTurns
	// <= 0 returns every retained turn. Unknown users have an empty history.
	Window(ctx context.Context, userID string, maxTurns int) ([]Turn, error)
	// Clear discards a user's history. Clearing an unknown user is a no-op.
	Clear(ctx context.Context, userID string) error
}

const summaryTextLimit = 100

// Summarize renders turns as one line each, "[HH:MM:SS] role: text", with
// long texts cut at 100 characters.
func Summarize(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s: %s", t.Timestamp.Format(time.TimeOnly), t.Role, truncate(t.Text, summaryTextLimit))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// tail returns a copy of the last n turns, or all of them when n <= 0.
func tail(turns []Turn, n int) []Turn {
	if n <= 0 || n > len(turns) {
		n = len(turns)
	}
	out := make([]Turn, n)
	copy(out, turns[len(turns)-n:])
	return out
}
