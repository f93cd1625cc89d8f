// internal/triage/engine.go
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/frontdesk/internal/triage")

// DefaultReasonTimeout bounds a single reasoner call.
const DefaultReasonTimeout = 20 * time.Second

// Source says which path produced a verdict.
type Source string

const (
	SourceBypass   Source = "bypass"
	SourceReasoner Source = "reasoner"
	SourceFallback Source = "fallback"
)

// Verdict is the scorer's output for one message.
type Verdict struct {
	UrgencyLevel           Level    `json:"urgency_level"`
	RecommendedAction      string   `json:"recommended_action"`
	RequiresHumanAttention bool     `json:"requires_human_attention"`
	DetectedSignals        []string `json:"detected_signals"`
	RetrievedChunkIDs      []string `json:"retrieved_chunk_ids"`
	Rationale              string   `json:"rationale"`
	Reply                  string   `json:"reply,omitempty"`
	SuggestedActions       []string `json:"suggested_actions,omitempty"`
	Source                 Source   `json:"source"`
	// Degraded is set when the reasoner could not be used. It is for staff
	// and metrics, never for the patient.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// ScoreInput is everything Score looks at.
type ScoreInput struct {
	Message  string
	Window   []ContextTurn
	Guidance []GuidanceChunk
}

// EngineHooks receives scoring events, typically for metrics. Nil fields are skipped.
type EngineHooks struct {
	OnReason  func(duration time.Duration, err error)
	OnVerdict func(v *Verdict)
}

// Engine scores messages. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	reasoner Reasoner
	timeout  time.Duration
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates an engine. A nil reasoner makes every non-bypassed
// verdict a degraded fallback. timeout <= 0 uses DefaultReasonTimeout.
func NewEngine(reasoner Reasoner, timeout time.Duration, logger log.Logger, hooks EngineHooks) *Engine {
	if timeout <= 0 {
		timeout = DefaultReasonTimeout
	}
	return &Engine{
		reasoner: reasoner,
		timeout:  timeout,
		logger:   logger,
		hooks:    hooks,
	}
}

// Score produces a verdict for in. Reasoner failures never surface as errors;
// they yield a degraded verdict. The only error is the caller's own context
// being cancelled, in which case no verdict is returned.
func (e *Engine) Score(ctx context.Context, in ScoreInput) (*Verdict, error) {
	ctx, span := tracer.Start(ctx, "triage.score")
	defer span.End()

	det := DetectSignals(in.Message)
	chunkIDs := make([]string, 0, len(in.Guidance))
	for _, g := range in.Guidance {
		chunkIDs = append(chunkIDs, g.ID)
	}

	var v *Verdict
	if det.Has(CategoryLifeThreat) {
		v = &Verdict{
			UrgencyLevel:      LevelResuscitation,
			RecommendedAction: LevelResuscitation.Action(),
			Rationale:         "Life-threatening symptom reported: " + strings.Join(det.Phrases, ", "),
			Reply:             emergencyReply,
			Source:            SourceBypass,
		}
	} else {
		a, err := e.reason(ctx, in)
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			span.SetStatus(codes.Error, ctxErr.Error())
			return nil, ctxErr
		}
		if err != nil {
			e.logger.Warn(ctx, "reasoner unavailable, using fallback verdict", "error", err.Error())
			span.RecordError(err)
			v = fallbackVerdict(det, err)
		} else {
			v = assessmentVerdict(a)
		}
	}

	v.DetectedSignals = append([]string{}, det.Phrases...)
	v.RetrievedChunkIDs = chunkIDs
	v.UrgencyLevel = v.UrgencyLevel.Clamp()
	if v.UrgencyLevel.RequiresHuman() {
		v.RequiresHumanAttention = true
	}
	if v.RecommendedAction == "" {
		v.RecommendedAction = v.UrgencyLevel.Action()
	}

	span.SetAttributes(
		attribute.Int("frontdesk.triage.level", int(v.UrgencyLevel)),
		attribute.String("frontdesk.triage.source", string(v.Source)),
		attribute.Bool("frontdesk.triage.degraded", v.Degraded),
		attribute.Int("frontdesk.triage.signals", len(v.DetectedSignals)),
		attribute.Int("frontdesk.triage.guidance_chunks", len(chunkIDs)),
	)
	if e.hooks.OnVerdict != nil {
		e.hooks.OnVerdict(v)
	}
	return v, nil
}

// reason calls the reasoner under the engine's timeout and validates the result.
func (e *Engine) reason(ctx context.Context, in ScoreInput) (*Assessment, error) {
	if e.reasoner == nil {
		return nil, fmt.Errorf("%w: no reasoner configured", ErrReasoningUnavailable)
	}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rctx, span := tracer.Start(rctx, "triage.reason", trace.WithAttributes(
		attribute.Int("frontdesk.triage.window_turns", len(in.Window)),
	))
	defer span.End()

	start := time.Now()
	a, err := e.reasoner.Reason(rctx, &ReasonRequest{
		Message:  in.Message,
		Window:   in.Window,
		Guidance: in.Guidance,
	})
	switch {
	case err != nil:
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", e.timeout, err)
		}
		err = fmt.Errorf("%w: %w", ErrReasoningUnavailable, err)
	case a == nil:
		err = fmt.Errorf("%w: empty assessment", ErrReasoningUnavailable)
	}

	if e.hooks.OnReason != nil {
		e.hooks.OnReason(time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return a, nil
}

const emergencyReply = "Your symptoms may be serious. If you are in danger, call emergency services now. " +
	"We are connecting you with our emergency response team immediately."

func assessmentVerdict(a *Assessment) *Verdict {
	return &Verdict{
		UrgencyLevel:           a.UrgencyLevel,
		RecommendedAction:      a.RecommendedAction,
		RequiresHumanAttention: a.RequiresHumanAttention,
		Rationale:              a.Rationale,
		Reply:                  a.Reply,
		SuggestedActions:       append([]string(nil), a.SuggestedActions...),
		Source:                 SourceReasoner,
	}
}

// fallbackVerdict derives a verdict from detected signals alone.
func fallbackVerdict(det Detection, cause error) *Verdict {
	level := LevelLessUrgent
	switch {
	case det.Has(CategoryEmergent):
		level = LevelEmergent
	case det.Has(CategoryUrgent):
		level = LevelUrgent
	}

	rationale := "Automated assessment unavailable; no critical symptoms detected."
	if len(det.Phrases) > 0 {
		rationale = "Automated assessment unavailable; critical symptoms detected: " + strings.Join(det.Phrases, ", ")
	}

	return &Verdict{
		UrgencyLevel:      level,
		RecommendedAction: level.Action(),
		Rationale:         rationale,
		Reply:             "Thank you, we have received your message. A member of our care team will review it shortly.",
		Source:            SourceFallback,
		Degraded:          true,
		DegradedReason:    cause.Error(),
	}
}
