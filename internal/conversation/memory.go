package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Memory is the in-process Store. Each user's history has its own lock; the
// user map itself is a sync.Map so lookups for different users never contend.
type Memory struct {
	limits Limits
	users  sync.Map // user ID -> *history
	now    func() time.Time
}

type history struct {
	mu         sync.Mutex
	turns      []Turn
	chars      int
	lastActive time.Time
	// dead is set once the history is unlinked from the map; writers that
	// raced the unlink retry against a fresh history
	dead bool
}

// NewMemory returns an empty in-memory store.
func NewMemory(limits Limits) *Memory {
	return &Memory{limits: limits, now: time.Now}
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, userID string, turn Turn) error {
	if userID == "" {
		return ErrNoUser
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}

	for {
		v, _ := m.users.LoadOrStore(userID, &history{})
		h := v.(*history)

		h.mu.Lock()
		if h.dead {
			h.mu.Unlock()
			continue
		}
		h.turns = append(h.turns, turn)
		h.chars += turn.Chars()
		for len(h.turns) > 0 && m.limits.Exceeded(len(h.turns), h.chars) {
			h.chars -= h.turns[0].Chars()
			h.turns[0] = Turn{}
			h.turns = h.turns[1:]
		}
		h.lastActive = m.now()
		h.mu.Unlock()
		return nil
	}
}

// Window implements Store.
func (m *Memory) Window(_ context.Context, userID string, maxTurns int) ([]Turn, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	v, ok := m.users.Load(userID)
	if !ok {
		return []Turn{}, nil
	}
	h := v.(*history)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return []Turn{}, nil
	}
	return tail(h.turns, maxTurns), nil
}

// Clear implements Store.
func (m *Memory) Clear(_ context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	v, ok := m.users.LoadAndDelete(userID)
	if !ok {
		return nil
	}
	h := v.(*history)
	h.mu.Lock()
	h.dead = true
	h.turns = nil
	h.chars = 0
	h.mu.Unlock()
	return nil
}

// Users returns the number of users with a retained history.
func (m *Memory) Users() int {
	n := 0
	m.users.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep drops histories idle for longer than IdleTTL and returns how many
// were dropped.
func (m *Memory) Sweep(now time.Time) int {
	if m.limits.IdleTTL <= 0 {
		return 0
	}
	dropped := 0
	m.users.Range(func(k, v any) bool {
		h := v.(*history)
		h.mu.Lock()
		if !h.dead && now.Sub(h.lastActive) > m.limits.IdleTTL {
			h.dead = true
			h.turns = nil
			m.users.CompareAndDelete(k, h)
			dropped++
		}
		h.mu.Unlock()
		return true
	})
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration, logger log.Logger) {
	if interval <= 0 || m.limits.IdleTTL <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Sweep(now); n > 0 {
				logger.Info(ctx, "expired idle conversation histories", "count", n)
			}
		}
	}
}
