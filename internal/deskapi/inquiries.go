package deskapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/frontdesk/internal/frontdesk"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

// patientReply is the body a patient gets back from an inquiry. Rationale,
// degradation and the staff case record stay on the staff routes and logs.
type patientReply struct {
	Reply                  string       `json:"reply"`
	UrgencyLevel           triage.Level `json:"urgency_level"`
	RecommendedAction      string       `json:"recommended_action"`
	SuggestedActions       []string     `json:"suggested_actions,omitempty"`
	RequiresHumanAttention bool         `json:"requires_human_attention"`
}

func newPatientReply(v *triage.Verdict) patientReply {
	return patientReply{
		Reply:                  v.Reply,
		UrgencyLevel:           v.UrgencyLevel,
		RecommendedAction:      v.RecommendedAction,
		SuggestedActions:       v.SuggestedActions,
		RequiresHumanAttention: v.RequiresHumanAttention,
	}
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in frontdesk.Inquiry
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("frontdesk.user_id", in.UserID),
		attribute.String("frontdesk.channel", in.Channel),
	)

	res, err := a.svc.Submit(r.Context(), in)
	switch {
	case errors.Is(err, frontdesk.ErrInvalidInquiry):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to triage inquiry", "user_id", in.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(
		attribute.String("frontdesk.case_id", res.Case.ID),
		attribute.Int("frontdesk.triage.level", int(res.Verdict.UrgencyLevel)),
		attribute.Bool("frontdesk.triage.degraded", res.Verdict.Degraded),
	)
	writeJSON(w, http.StatusOK, newPatientReply(res.Verdict))
}
