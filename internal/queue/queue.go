package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/frontdesk/internal/triage"
)

// Entry is a scored inquiry to be queued for a user.
type Entry struct {
	Channel        Channel
	Verdict        *triage.Verdict
	ContextSummary string
}

// UpsertResult describes what Upsert did.
type UpsertResult struct {
	Case    Case
	Created bool
	// Escalated is set when an existing case moved to a more urgent level.
	Escalated     bool
	PreviousLevel triage.Level
}

// Stats is a summary of queue load.
type Stats struct {
	Pending     int                  `json:"pending"`
	InProgress  int                  `json:"in_progress"`
	ByLevel     map[triage.Level]int `json:"by_level"`
	Dispatched  int                  `json:"dispatched"`
	AverageWait time.Duration        `json:"average_wait_ns"`
}

// Hooks receives queue events, typically for metrics. Nil fields are skipped.
// Hooks run after the queue lock is released.
type Hooks struct {
	OnDepth    func(level triage.Level, pending int)
	OnDispatch func(level triage.Level, wait time.Duration)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithHooks sets event hooks.
func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = h }
}

// Queue is a concurrency-safe priority queue of patient cases.
type Queue struct {
	mu      sync.RWMutex
	byUser  map[string]*item
	pending caseHeap
	seq     uint64
	depth   [triage.LevelNonUrgent + 1]int

	dispatched int
	totalWait  time.Duration

	now   func() time.Time
	hooks Hooks
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		byUser: make(map[string]*item),
		now:    time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Upsert records a verdict for userID. An active case is updated in place
// and re-ranked; otherwise a new PENDING case is created. Re-scoring keeps
// the original submitted_at and leaves an IN_PROGRESS case with staff.
func (q *Queue) Upsert(userID string, e Entry) UpsertResult {
	v := e.Verdict
	if v == nil {
		v = &triage.Verdict{}
	}
	level := v.UrgencyLevel.Clamp()

	q.mu.Lock()
	now := q.now()
	var res UpsertResult

	it, ok := q.byUser[userID]
	if ok && it.c.Status.Active() {
		res.PreviousLevel = it.c.UrgencyLevel
		res.Escalated = level < it.c.UrgencyLevel

		if it.c.Status == StatusPending {
			q.depth[it.c.UrgencyLevel]--
			q.depth[level]++
		}
		it.c.UrgencyLevel = level
		applyVerdict(it.c, v, e, now)
		if it.index >= 0 {
			heap.Fix(&q.pending, it.index)
		}
	} else {
		q.seq++
		it = &item{
			c: &Case{
				ID:          ulid.Make().String(),
				UserID:      userID,
				Channel:     e.Channel,
				SubmittedAt: now,
				Status:      StatusPending,
			},
			seq:   q.seq,
			index: -1,
		}
		it.c.UrgencyLevel = level
		applyVerdict(it.c, v, e, now)
		q.byUser[userID] = it
		heap.Push(&q.pending, it)
		q.depth[level]++
		res.Created = true
	}
	res.Case = it.c.clone()
	depth := q.depth
	q.mu.Unlock()

	q.reportDepth(depth)
	return res
}

func applyVerdict(c *Case, v *triage.Verdict, e Entry, now time.Time) {
	c.RequiresHumanAttention = v.RequiresHumanAttention || c.UrgencyLevel.RequiresHuman()
	c.Rationale = v.Rationale
	c.RecommendedAction = v.RecommendedAction
	c.DetectedSignals = append([]string(nil), v.DetectedSignals...)
	c.Degraded = v.Degraded
	if e.Channel != "" {
		c.Channel = e.Channel
	}
	if e.ContextSummary != "" {
		c.ContextSummary = e.ContextSummary
	}
	c.LastUpdatedAt = now
	c.Version++
}

// PeekNext returns the most urgent PENDING case without removing it.
func (q *Queue) PeekNext() (Case, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.pending) == 0 {
		return Case{}, false
	}
	return q.pending[0].c.clone(), true
}

// DequeueNext moves the most urgent PENDING case to IN_PROGRESS and returns
// it. Each case is returned to exactly one caller.
func (q *Queue) DequeueNext() (Case, bool) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return Case{}, false
	}

	it := heap.Pop(&q.pending).(*item)
	now := q.now()
	wait := now.Sub(it.c.SubmittedAt)
	q.depth[it.c.UrgencyLevel]--
	q.dispatched++
	q.totalWait += wait

	it.c.Status = StatusInProgress
	it.c.DispatchedAt = &now
	it.c.LastUpdatedAt = now
	it.c.Version++
	out := it.c.clone()
	depth := q.depth
	q.mu.Unlock()

	if q.hooks.OnDispatch != nil {
		q.hooks.OnDispatch(out.UrgencyLevel, wait)
	}
	q.reportDepth(depth)
	return out, true
}

// Remove marks the user's case REMOVED whatever its status. Removing twice
// is not an error; an unknown user is ErrNotFound.
func (q *Queue) Remove(userID string) (Case, error) {
	return q.close(userID, StatusRemoved)
}

// Resolve marks the user's case RESOLVED. Resolving a removed case is
// ErrNotFound.
func (q *Queue) Resolve(userID string) (Case, error) {
	return q.close(userID, StatusResolved)
}

func (q *Queue) close(userID string, to Status) (Case, error) {
	q.mu.Lock()
	it, ok := q.byUser[userID]
	if !ok || (to == StatusResolved && it.c.Status == StatusRemoved) {
		q.mu.Unlock()
		return Case{}, ErrNotFound
	}
	if it.c.Status == to {
		out := it.c.clone()
		q.mu.Unlock()
		return out, nil
	}

	if it.index >= 0 {
		heap.Remove(&q.pending, it.index)
		q.depth[it.c.UrgencyLevel]--
	}
	it.c.Status = to
	it.c.LastUpdatedAt = q.now()
	it.c.Version++
	out := it.c.clone()
	depth := q.depth
	q.mu.Unlock()

	q.reportDepth(depth)
	return out, nil
}

// Get returns the user's latest case in any status.
func (q *Queue) Get(userID string) (Case, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	it, ok := q.byUser[userID]
	if !ok {
		return Case{}, ErrNotFound
	}
	return it.c.clone(), nil
}

// StatusSnapshot returns copies of all PENDING and IN_PROGRESS cases.
// PENDING cases come first in dispatch order, then IN_PROGRESS cases by
// dispatch time.
func (q *Queue) StatusSnapshot() []Case {
	q.mu.RLock()
	pending := make([]*item, len(q.pending))
	copy(pending, q.pending)
	var inProgress []Case
	out := make([]Case, 0, len(q.byUser))
	for _, it := range q.byUser {
		if it.c.Status == StatusInProgress {
			inProgress = append(inProgress, it.c.clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].less(pending[j]) })
	for _, it := range pending {
		out = append(out, it.c.clone())
	}
	q.mu.RUnlock()

	sort.SliceStable(inProgress, func(i, j int) bool {
		return dispatchedAt(inProgress[i]).Before(dispatchedAt(inProgress[j]))
	})
	return append(out, inProgress...)
}

func dispatchedAt(c Case) time.Time {
	if c.DispatchedAt == nil {
		return c.LastUpdatedAt
	}
	return *c.DispatchedAt
}

// Stats returns current queue load.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Stats{
		Pending:    len(q.pending),
		ByLevel:    make(map[triage.Level]int, triage.LevelNonUrgent),
		Dispatched: q.dispatched,
	}
	for l := triage.LevelResuscitation; l <= triage.LevelNonUrgent; l++ {
		s.ByLevel[l] = q.depth[l]
	}
	for _, it := range q.byUser {
		if it.c.Status == StatusInProgress {
			s.InProgress++
		}
	}
	if q.dispatched > 0 {
		s.AverageWait = q.totalWait / time.Duration(q.dispatched)
	}
	return s
}

// Restore loads cases from a record store. Only active cases are taken, and
// a case never replaces a newer version already held for the same user.
// Pending order among restored cases follows submitted_at.
func (q *Queue) Restore(cases []*Case) int {
	sorted := make([]*Case, 0, len(cases))
	for _, c := range cases {
		if c != nil && c.Status.Active() {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt) })

	q.mu.Lock()
	n := 0
	for _, c := range sorted {
		if cur, ok := q.byUser[c.UserID]; ok {
			if cur.c.Version >= c.Version {
				continue
			}
			if cur.index >= 0 {
				heap.Remove(&q.pending, cur.index)
				q.depth[cur.c.UrgencyLevel]--
			}
		}
		cp := c.clone()
		cp.UrgencyLevel = cp.UrgencyLevel.Clamp()
		q.seq++
		it := &item{c: &cp, seq: q.seq, index: -1}
		q.byUser[cp.UserID] = it
		if cp.Status == StatusPending {
			heap.Push(&q.pending, it)
			q.depth[cp.UrgencyLevel]++
		}
		n++
	}
	depth := q.depth
	q.mu.Unlock()

	q.reportDepth(depth)
	return n
}

func (q *Queue) reportDepth(depth [triage.LevelNonUrgent + 1]int) {
	if q.hooks.OnDepth == nil {
		return
	}
	for l := triage.LevelResuscitation; l <= triage.LevelNonUrgent; l++ {
		q.hooks.OnDepth(l, depth[l])
	}
}
