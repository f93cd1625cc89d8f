package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const modulePrefix = "github.com/linnemanlabs/frontdesk/"

// QueryObserver receives one call per finished query, typically to feed a
// Prometheus histogram. route is the chi route pattern of the HTTP request
// that caused the query, or "background".
type QueryObserver func(operation, route, outcome string, dur time.Duration)

type queryKey struct{}

type queryInfo struct {
	sql    string
	start  time.Time
	caller string
}

// Tracer is a pgx.QueryTracer that lets otelpgx create the query span, then
// annotates it with the application frame that issued the query and logs
// failed or slow queries.
type Tracer struct {
	inner   pgx.QueryTracer
	logger  log.Logger
	slow    time.Duration
	observe QueryObserver
}

// NewTracer returns a tracer that logs errors and queries slower than slow.
// slow <= 0 logs every query. observe may be nil.
func NewTracer(logger log.Logger, slow time.Duration, observe QueryObserver) *Tracer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracer{
		inner:   otelpgx.NewTracer(),
		logger:  logger,
		slow:    slow,
		observe: observe,
	}
}

// TraceQueryStart implements pgx.QueryTracer.
func (t *Tracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qi := &queryInfo{sql: data.SQL, start: time.Now(), caller: findCaller()}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && qi.caller != "" {
		span.SetAttributes(attribute.String("db.caller", qi.caller))
	}
	return context.WithValue(ctx, queryKey{}, qi)
}

// TraceQueryEnd implements pgx.QueryTracer.
func (t *Tracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qi, _ := ctx.Value(queryKey{}).(*queryInfo)
	if qi == nil {
		return
	}
	dur := time.Since(qi.start)
	op := operationName(data.CommandTag, qi.sql)

	if t.observe != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		t.observe(op, routeFromContext(ctx), outcome, dur)
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", qi.sql,
		"db.operation.name", op,
		"db.duration", dur.Seconds(),
	}
	if qi.caller != "" {
		fields = append(fields, "db.caller", qi.caller)
	}
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		t.logger.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	if rows := data.CommandTag.RowsAffected(); rows >= 0 {
		fields = append(fields, "db.rows", rows)
	}
	if t.slow > 0 {
		t.logger.Warn(ctx, "slow db query", fields...)
		return
	}
	t.logger.Info(ctx, "db query", fields...)
}

// operationName prefers the command tag and falls back to the first SQL
// keyword when the query failed before producing one.
func operationName(tag pgconn.CommandTag, sql string) string {
	if f := strings.Fields(tag.String()); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	if f := strings.Fields(sql); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return "UNKNOWN"
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "background"
}

// findCaller returns the first application frame above pgx, otelpgx and
// this package.
func findCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if strings.HasPrefix(fn, modulePrefix) && !strings.HasPrefix(fn, modulePrefix+"internal/postgres.") {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
