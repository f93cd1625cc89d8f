package deskapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/frontdesk/internal/authmw"
	"github.com/linnemanlabs/frontdesk/internal/conversation"
	"github.com/linnemanlabs/frontdesk/internal/queue"
)

const defaultContextTurns = 20

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	cases := a.svc.QueueStatus()
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("frontdesk.queue.cases", len(cases)))
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

type statsResponse struct {
	Pending            int            `json:"pending"`
	InProgress         int            `json:"in_progress"`
	ByLevel            map[string]int `json:"by_level"`
	Dispatched         int            `json:"dispatched"`
	AverageWaitSeconds float64        `json:"average_wait_seconds"`
}

func (a *API) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	st := a.svc.QueueStats()
	resp := statsResponse{
		Pending:            st.Pending,
		InProgress:         st.InProgress,
		ByLevel:            make(map[string]int, len(st.ByLevel)),
		Dispatched:         st.Dispatched,
		AverageWaitSeconds: st.AverageWait.Seconds(),
	}
	for l, n := range st.ByLevel {
		resp.ByLevel[strconv.Itoa(int(l))] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAdvance(w http.ResponseWriter, r *http.Request) {
	c, ok := a.svc.Advance(r.Context())
	if !ok {
		writeError(w, http.StatusNotFound, "queue is empty")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("frontdesk.case_id", c.ID),
		attribute.Int("frontdesk.triage.level", int(c.UrgencyLevel)),
	)
	a.logger.Info(r.Context(), "case claimed", "case_id", c.ID, "staff", authmw.StaffFrom(r.Context()))
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	a.caseResult(w, r, func(userID string) (queue.Case, error) {
		return a.svc.CaseFor(userID)
	})
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	a.caseResult(w, r, func(userID string) (queue.Case, error) {
		return a.svc.Remove(r.Context(), userID)
	})
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	a.caseResult(w, r, func(userID string) (queue.Case, error) {
		return a.svc.Resolve(r.Context(), userID)
	})
}

func (a *API) caseResult(w http.ResponseWriter, r *http.Request, op func(string) (queue.Case, error)) {
	userID := chi.URLParam(r, "user_id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("frontdesk.user_id", userID))

	c, err := op(userID)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "case operation failed", "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	span.SetAttributes(attribute.String("frontdesk.case.status", string(c.Status)))
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleGetContext(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	n := defaultContextTurns
	if v := r.URL.Query().Get("turns"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "turns must be a non-negative integer")
			return
		}
		n = parsed
	}

	turns, err := a.svc.Context(r.Context(), userID, n)
	if errors.Is(err, conversation.ErrNoUser) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read context", "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": turns})
}

func (a *API) handleResetContext(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := a.svc.ResetContext(r.Context(), userID); err != nil {
		if errors.Is(err, conversation.ErrNoUser) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "failed to reset context", "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
