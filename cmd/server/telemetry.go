package main

import (
	"context"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/frontdesk/internal/postgres"
)

// startProfiling starts continuous profiling for the whole process lifetime.
// The returned stop func is never nil; active reports whether profiles are
// actually being shipped.
func startProfiling(ctx context.Context, c prof.Config, tags map[string]string, L log.Logger) (stop func(), active bool) {
	opts := c.ToOptions()
	opts.AppName = appName
	opts.Tags = tags

	s, err := prof.Start(ctx, opts)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", c.PyroServer)
	}
	stop = func() {}
	if s != nil {
		stop = func() { s() }
	}
	return stop, err == nil && c.EnablePyroscope
}

// startTracing initializes the OTLP tracer provider. With profiling active
// spans carry profile ids so a slow trace opens as a flame graph. The
// returned shutdown flushes pending spans and is never nil.
func startTracing(ctx context.Context, c otelx.Config, profiling bool, L log.Logger) func(context.Context) error {
	opts := c.ToOptions()
	opts.Service = appName
	opts.Component = component
	opts.Version = v.Version

	shutdown, err := otelx.Init(ctx, opts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}
	if shutdown == nil {
		return func(context.Context) error { return nil }
	}
	return shutdown
}

// newQueryObserver registers the per-query duration histogram and returns
// the observer the pgx tracer reports into.
func newQueryObserver(reg prometheus.Registerer) postgres.QueryObserver {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "frontdesk_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route", "outcome"})
	reg.MustRegister(hist)

	return func(op, route, outcome string, dur time.Duration) {
		hist.WithLabelValues(op, route, outcome).Observe(dur.Seconds())
	}
}
