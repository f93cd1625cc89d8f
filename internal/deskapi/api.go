// Package deskapi exposes the front desk service over HTTP.
package deskapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/frontdesk/internal/conversation"
	"github.com/linnemanlabs/frontdesk/internal/frontdesk"
	"github.com/linnemanlabs/frontdesk/internal/queue"
)

// DeskService defines the business operations deskapi needs.
type DeskService interface {
	Submit(ctx context.Context, in frontdesk.Inquiry) (*frontdesk.SubmitResult, error)
	QueueStatus() []queue.Case
	QueueStats() queue.Stats
	Advance(ctx context.Context) (queue.Case, bool)
	Remove(ctx context.Context, userID string) (queue.Case, error)
	Resolve(ctx context.Context, userID string) (queue.Case, error)
	CaseFor(userID string) (queue.Case, error)
	Context(ctx context.Context, userID string, n int) ([]conversation.Turn, error)
	ResetContext(ctx context.Context, userID string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       DeskService
	staffAuth func(http.Handler) http.Handler
}

// New creates a new API handler. staffAuth guards the staff routes; nil
// leaves them open, which is only suitable for tests and local runs.
func New(logger log.Logger, svc DeskService, staffAuth func(http.Handler) http.Handler) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("desk service is required"))
	}
	return &API{
		logger:    logger,
		svc:       svc,
		staffAuth: staffAuth,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/inquiries", a.handleSubmit)

		r.Group(func(r chi.Router) {
			if a.staffAuth != nil {
				r.Use(a.staffAuth)
			}
			r.Get("/queue", a.handleQueueStatus)
			r.Get("/queue/stats", a.handleQueueStats)
			r.Post("/queue/next", a.handleAdvance)
			r.Get("/queue/{user_id}", a.handleGetCase)
			r.Delete("/queue/{user_id}", a.handleRemove)
			r.Post("/queue/{user_id}/resolve", a.handleResolve)
			r.Get("/context/{user_id}", a.handleGetContext)
			r.Delete("/context/{user_id}", a.handleResetContext)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
