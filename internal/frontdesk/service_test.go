package frontdesk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/frontdesk/internal/conversation"
	"github.com/linnemanlabs/frontdesk/internal/guideline"
	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/queue/memstore"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

// mockScorer returns a verdict per call, recording the inputs.
type mockScorer struct {
	mu      sync.Mutex
	levels  []triage.Level
	err     error
	calls   int
	inputs  []triage.ScoreInput
	blockOn chan struct{}
}

func (m *mockScorer) Score(ctx context.Context, in triage.ScoreInput) (*triage.Verdict, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.inputs = append(m.inputs, in)
	block := m.blockOn
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}

	level := triage.LevelLessUrgent
	if idx < len(m.levels) {
		level = m.levels[idx]
	}
	return &triage.Verdict{
		UrgencyLevel:           level,
		RecommendedAction:      level.Action(),
		RequiresHumanAttention: level.RequiresHuman(),
		Rationale:              fmt.Sprintf("scored %d", level),
		Reply:                  fmt.Sprintf("reply %d", idx),
		Source:                 triage.SourceReasoner,
	}, nil
}

func (m *mockScorer) input(i int) triage.ScoreInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[i]
}

// mockRetriever records queries and returns fixed matches.
type mockRetriever struct {
	mu      sync.Mutex
	matches []guideline.Match
	err     error
	queries []string
	ks      []int
}

func (m *mockRetriever) Query(_ context.Context, text string, k int) ([]guideline.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, text)
	m.ks = append(m.ks, k)
	if m.err != nil {
		return nil, m.err
	}
	return m.matches, nil
}

// mockNotifier records sent cases.
type mockNotifier struct {
	mu   sync.Mutex
	sent []queue.Case
	err  error
}

func (m *mockNotifier) Send(_ context.Context, c *queue.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *c)
	return m.err
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	svc      *Service
	scorer   *mockScorer
	lib      *mockRetriever
	notifier *mockNotifier
	cases    *memstore.Store
	ctxStore *conversation.Memory
	queue    *queue.Queue
}

func newFixture(t *testing.T, levels ...triage.Level) *fixture {
	t.Helper()
	f := &fixture{
		scorer: &mockScorer{levels: levels},
		lib: &mockRetriever{matches: []guideline.Match{
			{Chunk: guideline.Chunk{ID: "g-0002", HeadingPath: []string{"Level 3"}, Text: "fever guidance"}, Score: 0.9},
		}},
		notifier: &mockNotifier{},
		cases:    memstore.New(),
		ctxStore: conversation.NewMemory(conversation.DefaultLimits()),
		queue:    queue.New(),
	}
	f.svc = NewService(Config{}, Deps{
		Context:    f.ctxStore,
		Guidelines: f.lib,
		Scorer:     f.scorer,
		Queue:      f.queue,
		Cases:      f.cases,
		Notifier:   f.notifier,
	}, log.Nop())
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Wait(ctx); err != nil {
		t.Fatalf("notifications did not finish: %v", err)
	}
}

func TestSubmit_FullPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 3)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, Inquiry{UserID: " patient-1 ", Channel: "chat", Message: "I have had a fever since yesterday"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Verdict.UrgencyLevel != 3 || res.RetrievalDegraded || res.ContextDegraded {
		t.Errorf("result = %+v", res)
	}
	if !res.Case.Status.Active() || res.Case.UserID != "patient-1" || res.Case.Channel != queue.ChannelChat {
		t.Errorf("case = %+v", res.Case)
	}

	// retrieval phrased for the guideline document, default k
	if len(f.lib.queries) != 1 || f.lib.queries[0] != "ESI triage guidelines for patient with I have had a fever since yesterday" {
		t.Errorf("queries = %q", f.lib.queries)
	}
	if f.lib.ks[0] != DefaultGuidanceK {
		t.Errorf("k = %d, want %d", f.lib.ks[0], DefaultGuidanceK)
	}

	first := f.scorer.input(0)
	if len(first.Window) != 0 {
		t.Errorf("first window = %+v, want empty", first.Window)
	}
	if len(first.Guidance) != 1 || first.Guidance[0].ID != "g-0002" || first.Guidance[0].Score != 0.9 {
		t.Errorf("guidance = %+v", first.Guidance)
	}

	turns, err := f.svc.Context(ctx, "patient-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Role != conversation.RolePatient || turns[1].Role != conversation.RoleAssistant {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[1].Text != "reply 0" {
		t.Errorf("assistant turn = %q", turns[1].Text)
	}

	// second message sees the prior exchange and re-scores the same case
	res2, err := f.svc.Submit(ctx, Inquiry{UserID: "patient-1", Channel: "phone", Message: "now also a cough"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res2.Case.ID != res.Case.ID {
		t.Error("second inquiry should update the same case")
	}
	if res2.Case.Channel != queue.ChannelPhone {
		t.Errorf("channel = %s, want latest channel", res2.Case.Channel)
	}
	second := f.scorer.input(1)
	if len(second.Window) != 2 || second.Window[0].Text != "I have had a fever since yesterday" {
		t.Errorf("second window = %+v", second.Window)
	}
	if !strings.Contains(res2.Case.ContextSummary, "patient: now also a cough") {
		t.Errorf("summary = %q", res2.Case.ContextSummary)
	}

	stored, ok, _ := f.cases.Get(ctx, "patient-1")
	if !ok || stored.Version != res2.Case.Version {
		t.Errorf("stored case = %+v, ok=%v", stored, ok)
	}
	if n := len(f.svc.QueueStatus()); n != 1 {
		t.Errorf("queue has %d cases, want 1", n)
	}
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Inquiry
	}{
		{name: "missing user", in: Inquiry{Channel: "chat", Message: "hi"}},
		{name: "blank user", in: Inquiry{UserID: "   ", Channel: "chat", Message: "hi"}},
		{name: "missing message", in: Inquiry{UserID: "u", Channel: "chat", Message: " \n"}},
		{name: "unknown channel", in: Inquiry{UserID: "u", Channel: "fax", Message: "hi"}},
		{name: "message too long", in: Inquiry{UserID: "u", Channel: "chat", Message: strings.Repeat("a", DefaultMaxMessageChars+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), tt.in)
			if !errors.Is(err, ErrInvalidInquiry) {
				t.Fatalf("err = %v, want ErrInvalidInquiry", err)
			}
			if f.scorer.calls != 0 {
				t.Error("scorer must not run for invalid input")
			}
			if len(f.svc.QueueStatus()) != 0 {
				t.Error("invalid input must not queue anything")
			}
		})
	}
}

func TestSubmit_RetrievalDegraded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	f.lib.err = fmt.Errorf("%w: embed query: connection refused", guideline.ErrRetrievalDegraded)

	res, err := f.svc.Submit(context.Background(), Inquiry{UserID: "u-1", Channel: "web_portal", Message: "rash"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.RetrievalDegraded {
		t.Error("expected retrieval degraded flag")
	}
	if g := f.scorer.input(0).Guidance; len(g) != 0 {
		t.Errorf("guidance = %+v, want none", g)
	}
	if !res.Case.Status.Active() {
		t.Error("case should still be queued")
	}
}

func TestSubmit_NoLibrary(t *testing.T) {
	t.Parallel()

	scorer := &mockScorer{}
	svc := NewService(Config{}, Deps{
		Context: conversation.NewMemory(conversation.DefaultLimits()),
		Scorer:  scorer,
		Queue:   queue.New(),
	}, log.Nop())

	res, err := svc.Submit(context.Background(), Inquiry{UserID: "u", Channel: "chat", Message: "hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.RetrievalDegraded {
		t.Error("no library is not a retrieval failure")
	}
}

func TestSubmit_CancelledDuringScoringHasNoQueueSideEffects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.scorer.blockOn = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.svc.Submit(ctx, Inquiry{UserID: "u-1", Channel: "chat", Message: "my arm hurts"})
		errCh <- err
	}()

	// wait for the scorer to be entered
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.scorer.mu.Lock()
		n := f.scorer.calls
		f.scorer.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := f.svc.CaseFor("u-1"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("case exists after cancel: err = %v", err)
	}
	turns, _ := f.svc.Context(context.Background(), "u-1", 0)
	if len(turns) != 1 || turns[0].Role != conversation.RolePatient {
		t.Errorf("turns = %+v, want only the patient message", turns)
	}
	f.wait(t)
	if f.notifier.count() != 0 {
		t.Error("no notification expected")
	}
}

func TestSubmit_NotifiesOnNewOrEscalatedUrgentCases(t *testing.T) {
	t.Parallel()

	// 3: no notify; 2: escalated -> notify; 2: same level -> no notify; 1: escalated -> notify
	f := newFixture(t, 3, 2, 2, 1)
	ctx := context.Background()
	for i := range 4 {
		if _, err := f.svc.Submit(ctx, Inquiry{UserID: "u-1", Channel: "chat", Message: fmt.Sprintf("update %d", i)}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	f.wait(t)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.sent) != 2 {
		t.Fatalf("notifications = %d, want 2", len(f.notifier.sent))
	}
	if f.notifier.sent[0].UrgencyLevel != 2 || f.notifier.sent[1].UrgencyLevel != 1 {
		t.Errorf("notified levels = %d, %d", f.notifier.sent[0].UrgencyLevel, f.notifier.sent[1].UrgencyLevel)
	}
}

func TestSubmit_NotificationFailureDoesNotFailSubmit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.notifier.err = errors.New("webhook down")

	if _, err := f.svc.Submit(context.Background(), Inquiry{UserID: "u-1", Channel: "phone", Message: "help"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.wait(t)
	if f.notifier.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", f.notifier.count())
	}
}

func TestSubmit_LifeThreatBypassEndToEnd(t *testing.T) {
	t.Parallel()

	reasoner := &countingReasoner{}
	f := newFixture(t)
	f.svc.scorer = triage.NewEngine(reasoner, time.Second, log.Nop(), triage.EngineHooks{})

	res, err := f.svc.Submit(context.Background(), Inquiry{
		UserID:  "u-1",
		Channel: "phone",
		Message: "I am having crushing chest pain and can't breathe",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Verdict.UrgencyLevel != 1 || !res.Verdict.RequiresHumanAttention {
		t.Errorf("verdict = %+v", res.Verdict)
	}
	if reasoner.count() != 0 {
		t.Errorf("reasoner called %d times, want 0", reasoner.count())
	}
	if next, _ := f.svc.PeekNext(); next.UserID != "u-1" || next.UrgencyLevel != 1 {
		t.Errorf("next = %+v", next)
	}
	f.wait(t)
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count())
	}
}

type countingReasoner struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReasoner) Reason(context.Context, *triage.ReasonRequest) (*triage.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &triage.Assessment{UrgencyLevel: 5}, nil
}

func (r *countingReasoner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestQueueOperationsPersist(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 4)
	ctx := context.Background()
	_, _ = f.svc.Submit(ctx, Inquiry{UserID: "u-urgent", Channel: "chat", Message: "a"})
	_, _ = f.svc.Submit(ctx, Inquiry{UserID: "u-routine", Channel: "chat", Message: "b"})

	c, ok := f.svc.Advance(ctx)
	if !ok || c.UserID != "u-urgent" || c.Status != queue.StatusInProgress {
		t.Fatalf("advance = %+v, %v", c, ok)
	}
	stored, _, _ := f.cases.Get(ctx, "u-urgent")
	if stored.Status != queue.StatusInProgress {
		t.Errorf("stored status = %s", stored.Status)
	}

	if _, err := f.svc.Resolve(ctx, "u-urgent"); err != nil {
		t.Fatal(err)
	}
	stored, _, _ = f.cases.Get(ctx, "u-urgent")
	if stored.Status != queue.StatusResolved {
		t.Errorf("stored status = %s", stored.Status)
	}

	if _, err := f.svc.Remove(ctx, "u-routine"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Remove(ctx, "u-routine"); err != nil {
		t.Errorf("second remove: %v", err)
	}
	stored, _, _ = f.cases.Get(ctx, "u-routine")
	if stored.Status != queue.StatusRemoved {
		t.Errorf("stored status = %s", stored.Status)
	}
	if _, err := f.svc.Remove(ctx, "ghost"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("remove unknown err = %v", err)
	}

	if _, ok := f.svc.Advance(ctx); ok {
		t.Error("queue should be empty")
	}
	f.wait(t)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	cases := memstore.New()
	ctx := context.Background()
	now := time.Now()
	_ = cases.Put(ctx, &queue.Case{ID: "c-1", UserID: "u-1", UrgencyLevel: 2, SubmittedAt: now, Status: queue.StatusPending, Version: 1})
	_ = cases.Put(ctx, &queue.Case{ID: "c-2", UserID: "u-2", UrgencyLevel: 1, SubmittedAt: now, Status: queue.StatusResolved, Version: 4})

	svc := NewService(Config{}, Deps{
		Context: conversation.NewMemory(conversation.DefaultLimits()),
		Scorer:  &mockScorer{},
		Queue:   queue.New(),
		Cases:   cases,
	}, log.Nop())

	n, err := svc.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if next, ok := svc.PeekNext(); !ok || next.ID != "c-1" {
		t.Errorf("next = %+v", next)
	}
}

func TestContextOperations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.svc.Submit(ctx, Inquiry{UserID: "u-a", Channel: "chat", Message: "from a"})
	_, _ = f.svc.Submit(ctx, Inquiry{UserID: "u-b", Channel: "chat", Message: "from b"})

	if err := f.svc.ResetContext(ctx, "u-a"); err != nil {
		t.Fatal(err)
	}
	a, _ := f.svc.Context(ctx, "u-a", 10)
	b, _ := f.svc.Context(ctx, "u-b", 10)
	if len(a) != 0 || len(b) != 2 {
		t.Errorf("after reset: a=%d b=%d turns", len(a), len(b))
	}
	if err := f.svc.ResetContext(ctx, " "); !errors.Is(err, conversation.ErrNoUser) {
		t.Errorf("reset blank err = %v", err)
	}
	if _, err := f.svc.Context(ctx, "", 1); !errors.Is(err, conversation.ErrNoUser) {
		t.Errorf("context blank err = %v", err)
	}
}

func TestSubmit_ConcurrentUsersAreIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	const users = 20
	const perUser = 5
	var wg sync.WaitGroup
	for u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perUser {
				user := fmt.Sprintf("u-%d", u)
				if _, err := f.svc.Submit(ctx, Inquiry{UserID: user, Channel: "chat", Message: fmt.Sprintf("%s msg %d", user, i)}); err != nil {
					t.Errorf("Submit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if n := len(f.svc.QueueStatus()); n != users {
		t.Errorf("queue has %d cases, want %d", n, users)
	}
	for u := range users {
		user := fmt.Sprintf("u-%d", u)
		turns, _ := f.svc.Context(ctx, user, 0)
		if len(turns) != 2*perUser {
			t.Errorf("%s has %d turns, want %d", user, len(turns), 2*perUser)
		}
		for _, tr := range turns {
			if tr.Role == conversation.RolePatient && !strings.HasPrefix(tr.Text, user+" ") {
				t.Errorf("%s history contains %q", user, tr.Text)
			}
		}
	}
	f.wait(t)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, 2)
	f.svc.metrics = m
	f.lib.err = guideline.ErrRetrievalDegraded

	_, _ = f.svc.Submit(context.Background(), Inquiry{UserID: "u-1", Channel: "chat", Message: "x"})
	_, _ = f.svc.Submit(context.Background(), Inquiry{UserID: "u-1", Channel: "sms", Message: "x"})
	f.wait(t)

	if v := testutil.ToFloat64(m.SubmitsTotal.WithLabelValues("chat", "ok")); v != 1 {
		t.Errorf("ok submits = %v", v)
	}
	if v := testutil.ToFloat64(m.SubmitsTotal.WithLabelValues("unknown", "invalid")); v != 1 {
		t.Errorf("invalid submits = %v", v)
	}
	if v := testutil.ToFloat64(m.RetrievalDegradedTotal); v != 1 {
		t.Errorf("retrieval degraded = %v", v)
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("sent")); v != 1 {
		t.Errorf("notifications = %v", v)
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())

	eh := m.EngineHooks()
	eh.OnReason(2*time.Second, fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	eh.OnVerdict(&triage.Verdict{UrgencyLevel: 2, Source: triage.SourceFallback, Degraded: true, DetectedSignals: []string{"stiff neck"}})

	if n := testutil.CollectAndCount(m.ReasonerDuration); n != 1 {
		t.Errorf("reasoner duration series = %d", n)
	}
	if v := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues("2", "fallback")); v != 1 {
		t.Errorf("verdicts = %v", v)
	}
	if v := testutil.ToFloat64(m.DegradedVerdictsTotal.WithLabelValues("2")); v != 1 {
		t.Errorf("degraded = %v", v)
	}
	if v := testutil.ToFloat64(m.SignalsTotal.WithLabelValues("stiff neck")); v != 1 {
		t.Errorf("signals = %v", v)
	}

	q := queue.New(queue.WithHooks(m.QueueHooks()))
	q.Upsert("u-1", queue.Entry{Verdict: &triage.Verdict{UrgencyLevel: 3}})
	if v := testutil.ToFloat64(m.QueueDepth.WithLabelValues("3")); v != 1 {
		t.Errorf("depth = %v", v)
	}
	q.DequeueNext()
	if v := testutil.ToFloat64(m.QueueDepth.WithLabelValues("3")); v != 0 {
		t.Errorf("depth after dispatch = %v", v)
	}

	m.ObserveRebuild(42, time.Second, nil)
	m.ObserveRebuild(0, time.Second, errors.New("boom"))
	if v := testutil.ToFloat64(m.GuidelineChunks); v != 42 {
		t.Errorf("chunks = %v", v)
	}
	if v := testutil.ToFloat64(m.GuidelineRebuilds.WithLabelValues("error")); v != 1 {
		t.Errorf("rebuild errors = %v", v)
	}

	var nilMetrics *Metrics
	nilMetrics.submit("chat", "ok")
	nilMetrics.ObserveRebuild(1, time.Second, nil)
	if h := nilMetrics.EngineHooks(); h.OnVerdict != nil {
		t.Error("nil metrics should produce empty hooks")
	}
}
