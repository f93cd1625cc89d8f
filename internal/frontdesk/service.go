// Package frontdesk runs the triage pipeline for inbound patient inquiries
// and exposes the staff-facing queue operations.
package frontdesk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/frontdesk/internal/conversation"
	"github.com/linnemanlabs/frontdesk/internal/guideline"
	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/frontdesk/internal/frontdesk")

// ErrInvalidInquiry is returned by Submit for malformed input.
var ErrInvalidInquiry = errors.New("invalid inquiry")

const (
	DefaultWindowTurns     = 6
	DefaultGuidanceK       = 3
	DefaultSummaryTurns    = 5
	DefaultMaxMessageChars = 4000
)

// Retriever looks up guideline chunks relevant to a query.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]guideline.Match, error)
}

// Scorer turns a message plus context into a verdict.
type Scorer interface {
	Score(ctx context.Context, in triage.ScoreInput) (*triage.Verdict, error)
}

// Notifier tells staff about urgent cases.
type Notifier interface {
	Send(ctx context.Context, c *queue.Case) error
}

// Inquiry is one inbound patient message.
type Inquiry struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	Verdict           *triage.Verdict `json:"verdict"`
	Case              queue.Case      `json:"case"`
	RetrievalDegraded bool            `json:"retrieval_degraded"`
	ContextDegraded   bool            `json:"context_degraded"`
}

// Config tunes the pipeline. Zero values use the defaults.
type Config struct {
	WindowTurns     int
	GuidanceK       int
	SummaryTurns    int
	MaxMessageChars int
}

func (c Config) withDefaults() Config {
	if c.WindowTurns <= 0 {
		c.WindowTurns = DefaultWindowTurns
	}
	if c.GuidanceK <= 0 {
		c.GuidanceK = DefaultGuidanceK
	}
	if c.SummaryTurns <= 0 {
		c.SummaryTurns = DefaultSummaryTurns
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = DefaultMaxMessageChars
	}
	return c
}

// Deps are the collaborators of a Service. Cases, Notifier and Metrics are
// optional.
type Deps struct {
	Context    conversation.Store
	Guidelines Retriever
	Scorer     Scorer
	Queue      *queue.Queue
	Cases      queue.Store
	Notifier   Notifier
	Metrics    *Metrics
}

// Service is the business boundary for inquiries and the staff queue.
type Service struct {
	cfg      Config
	context  conversation.Store
	library  Retriever
	scorer   Scorer
	queue    *queue.Queue
	cases    queue.Store
	notifier Notifier
	metrics  *Metrics
	logger   log.Logger

	notifyWG sync.WaitGroup
}

// NewService creates a new pipeline service.
func NewService(cfg Config, deps Deps, logger log.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		context:  deps.Context,
		library:  deps.Guidelines,
		scorer:   deps.Scorer,
		queue:    deps.Queue,
		cases:    deps.Cases,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// Submit runs the full pipeline for one inquiry: context append, guideline
// retrieval, scoring and queue upsert. If ctx is cancelled while scoring,
// the verdict is discarded and neither the queue nor the assistant side of
// the conversation is touched.
func (s *Service) Submit(ctx context.Context, in Inquiry) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "frontdesk.submit")
	defer span.End()

	channel, err := s.validate(&in)
	if err != nil {
		s.metrics.submit(in.Channel, "invalid")
		return nil, err
	}
	span.SetAttributes(attribute.String("frontdesk.channel", string(channel)))
	L := s.logger.With("user_id", in.UserID, "channel", string(channel))

	res := &SubmitResult{}

	// prior window first so the scorer sees history separately from the message
	window, err := s.context.Window(ctx, in.UserID, s.cfg.WindowTurns)
	if err != nil {
		L.Warn(ctx, "context window unavailable", "error", err.Error())
		res.ContextDegraded = true
	}
	if err := s.context.Append(ctx, in.UserID, conversation.Turn{
		Role:      conversation.RolePatient,
		Text:      in.Message,
		Channel:   string(channel),
		Timestamp: time.Now(),
	}); err != nil {
		L.Warn(ctx, "failed to append patient turn", "error", err.Error())
		res.ContextDegraded = true
	}

	guidance, err := s.retrieve(ctx, in.Message)
	if err != nil {
		L.Warn(ctx, "guideline retrieval degraded", "error", err.Error())
		s.metrics.retrievalDegraded()
		res.RetrievalDegraded = true
	}

	v, err := s.scorer.Score(ctx, triage.ScoreInput{
		Message:  in.Message,
		Window:   contextTurns(window),
		Guidance: guidance,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result := "error"
		if ctx.Err() != nil {
			result = "canceled"
		}
		s.metrics.submit(string(channel), result)
		return nil, fmt.Errorf("score inquiry: %w", err)
	}
	res.Verdict = v

	reply := v.Reply
	if reply == "" {
		reply = v.RecommendedAction
	}
	if err := s.context.Append(ctx, in.UserID, conversation.Turn{
		Role:      conversation.RoleAssistant,
		Text:      reply,
		Channel:   string(channel),
		Timestamp: time.Now(),
	}); err != nil {
		L.Warn(ctx, "failed to append assistant turn", "error", err.Error())
		res.ContextDegraded = true
	}

	up := s.queue.Upsert(in.UserID, queue.Entry{
		Channel:        channel,
		Verdict:        v,
		ContextSummary: s.summary(ctx, in.UserID),
	})
	res.Case = up.Case
	s.persist(ctx, &up.Case)

	if up.Case.UrgencyLevel.RequiresHuman() && (up.Created || up.Escalated) {
		s.notify(ctx, up.Case)
	}

	span.SetAttributes(
		attribute.String("frontdesk.case_id", up.Case.ID),
		attribute.Int("frontdesk.triage.level", int(v.UrgencyLevel)),
		attribute.Bool("frontdesk.case_created", up.Created),
		attribute.Bool("frontdesk.retrieval_degraded", res.RetrievalDegraded),
	)
	L.Info(ctx, "inquiry triaged",
		"case_id", up.Case.ID,
		"urgency_level", int(v.UrgencyLevel),
		"source", string(v.Source),
		"degraded", v.Degraded,
		"created", up.Created,
	)
	s.metrics.submit(string(channel), "ok")
	return res, nil
}

func (s *Service) validate(in *Inquiry) (queue.Channel, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Message = strings.TrimSpace(in.Message)

	if in.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidInquiry)
	}
	if in.Message == "" {
		return "", fmt.Errorf("%w: message is required", ErrInvalidInquiry)
	}
	if n := utf8.RuneCountInString(in.Message); n > s.cfg.MaxMessageChars {
		return "", fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidInquiry, n, s.cfg.MaxMessageChars)
	}
	channel, err := queue.ParseChannel(in.Channel)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInquiry, err)
	}
	return channel, nil
}

// guidelineQuery phrases the retrieval query the way the guideline document
// is written.
func guidelineQuery(message string) string {
	return "ESI triage guidelines for patient with " + message
}

func (s *Service) retrieve(ctx context.Context, message string) ([]triage.GuidanceChunk, error) {
	if s.library == nil {
		return nil, nil
	}
	matches, err := s.library.Query(ctx, guidelineQuery(message), s.cfg.GuidanceK)
	if err != nil {
		return nil, err
	}
	out := make([]triage.GuidanceChunk, 0, len(matches))
	for _, m := range matches {
		out = append(out, triage.GuidanceChunk{
			ID:          m.Chunk.ID,
			HeadingPath: m.Chunk.HeadingPath,
			Text:        m.Chunk.Text,
			Score:       m.Score,
		})
	}
	return out, nil
}

func contextTurns(turns []conversation.Turn) []triage.ContextTurn {
	out := make([]triage.ContextTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, triage.ContextTurn{Role: string(t.Role), Text: t.Text, Timestamp: t.Timestamp})
	}
	return out
}

func (s *Service) summary(ctx context.Context, userID string) string {
	turns, err := s.context.Window(ctx, userID, s.cfg.SummaryTurns)
	if err != nil {
		return ""
	}
	return conversation.Summarize(turns)
}

// persist writes the case to the record store. Failures are logged; the
// in-memory queue stays authoritative.
func (s *Service) persist(ctx context.Context, c *queue.Case) {
	if s.cases == nil {
		return
	}
	if err := s.cases.Put(context.WithoutCancel(ctx), c); err != nil {
		s.logger.Error(ctx, err, "failed to persist case", "case_id", c.ID, "user_id", c.UserID)
	}
}

// notify sends asynchronously; the request that triggered it may finish first.
func (s *Service) notify(ctx context.Context, c queue.Case) {
	if s.notifier == nil {
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx := context.WithoutCancel(ctx)
		if err := s.notifier.Send(ctx, &c); err != nil {
			s.logger.Error(ctx, err, "staff notification failed", "case_id", c.ID)
			s.metrics.notification("error")
			return
		}
		s.metrics.notification("sent")
	}()
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueStatus returns PENDING then IN_PROGRESS cases in handling order.
func (s *Service) QueueStatus() []queue.Case {
	return s.queue.StatusSnapshot()
}

// QueueStats returns queue load figures.
func (s *Service) QueueStats() queue.Stats {
	return s.queue.Stats()
}

// PeekNext returns the next case without dispatching it.
func (s *Service) PeekNext() (queue.Case, bool) {
	return s.queue.PeekNext()
}

// Advance dispatches the most urgent pending case to staff.
func (s *Service) Advance(ctx context.Context) (queue.Case, bool) {
	c, ok := s.queue.DequeueNext()
	if !ok {
		return queue.Case{}, false
	}
	s.persist(ctx, &c)
	s.logger.Info(ctx, "case dispatched", "case_id", c.ID, "user_id", c.UserID, "urgency_level", int(c.UrgencyLevel))
	return c, true
}

// Remove drops the user's case from the queue.
func (s *Service) Remove(ctx context.Context, userID string) (queue.Case, error) {
	c, err := s.queue.Remove(userID)
	if err != nil {
		return queue.Case{}, err
	}
	s.persist(ctx, &c)
	return c, nil
}

// Resolve closes the user's case.
func (s *Service) Resolve(ctx context.Context, userID string) (queue.Case, error) {
	c, err := s.queue.Resolve(userID)
	if err != nil {
		return queue.Case{}, err
	}
	s.persist(ctx, &c)
	return c, nil
}

// CaseFor returns the user's latest case.
func (s *Service) CaseFor(userID string) (queue.Case, error) {
	return s.queue.Get(userID)
}

// Context returns the user's most recent n turns, oldest first.
func (s *Service) Context(ctx context.Context, userID string, n int) ([]conversation.Turn, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, conversation.ErrNoUser
	}
	return s.context.Window(ctx, userID, n)
}

// ResetContext clears the user's conversation history.
func (s *Service) ResetContext(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return conversation.ErrNoUser
	}
	return s.context.Clear(ctx, userID)
}

// Restore reloads active cases from the record store into the queue.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.cases == nil {
		return 0, nil
	}
	cases, err := s.cases.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active cases: %w", err)
	}
	n := s.queue.Restore(cases)
	s.logger.Info(ctx, "restored queue from case store", "cases", n)
	return n, nil
}
