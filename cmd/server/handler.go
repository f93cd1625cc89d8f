package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/frontdesk/internal/deskapi"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"

	// Patient messages are capped far below this by -max-message-chars.
	maxRequestBody = 64 << 10
)

type handlerDeps struct {
	desk     *deskapi.API
	healthz  http.HandlerFunc
	readyz   http.HandlerFunc
	metrics  func(http.Handler) http.Handler
	clientIP httpmw.ClientIPOptions
	logger   log.Logger
}

// buildHandler assembles the public listener: chi routes wrapped by the
// request middleware stack. Wrappers are applied inside out, so the last
// one applied sees the raw request first.
func buildHandler(d handlerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get(healthyPath, d.healthz)
	r.Get(readyPath, d.readyz)
	d.desk.RegisterRoutes(r)

	var h http.Handler = r
	h = httpmw.WithLogger(d.logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	if d.metrics != nil {
		h = d.metrics(h)
	}
	h = httpmw.ClientIPWithOptions(d.clientIP)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(d.logger, nil)(h)
	return httpmw.SecurityHeaders(h)
}
