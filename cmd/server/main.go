// Frontdesk triages inbound patient messages into an urgency-ordered staff queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/frontdesk/internal/authmw"
	"github.com/linnemanlabs/frontdesk/internal/deskapi"
	"github.com/linnemanlabs/frontdesk/internal/embed"
	"github.com/linnemanlabs/frontdesk/internal/frontdesk"
	"github.com/linnemanlabs/frontdesk/internal/guideline"
	"github.com/linnemanlabs/frontdesk/internal/notify/slack"
	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

const (
	appName   = "frontdesk"
	component = "server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// .env only fills what the real environment leaves unset
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}

	s, err := loadSettings(flag.CommandLine, os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}
	if s.showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	app := &s.app

	lg, err := log.New(s.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", app.APIPort,
		"admin_port", s.ops.Port,
		"guideline_path", app.GuidelinePath,
		"embed_provider", app.EmbedProvider,
		"reasoner", app.Reasoner,
		"context_store", backend(app.RedisAddr, "redis"),
		"case_store", backend(app.DatabaseURL, "postgres"),
		"slack", app.SlackWebhookURL != "",
		"enable_pyroscope", s.prof.EnablePyroscope,
		"enable_tracing", s.trace.EnableTracing,
		"trusted_proxy_hops", s.httpmw.TrustedProxyHops,
	)

	stopProf, profiling := startProfiling(ctx, s.prof, map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}, L)
	defer stopProf()
	shutdownTracing := startTracing(ctx, s.trace, profiling, L)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)
	deskMetrics := frontdesk.NewMetrics(m.Registry())

	store, err := openStorage(ctx, app, newQueryObserver(m.Registry()), L)
	if err != nil {
		return err
	}
	defer store.close()

	embedder, err := embed.FromConfig(app)
	if err != nil {
		return err
	}
	chunking := guideline.Options{
		MaxChunkChars: app.ChunkChars,
		ChunkOverlap:  app.ChunkOverlap,
	}
	library := guideline.NewLibrary(embedder, chunking, L.With("subsystem", "guideline"))
	library.OnRebuild(deskMetrics.ObserveRebuild)
	buildKey := chunking.Fingerprint(embed.Identity(app))
	if err := loadGuidelines(ctx, library, store.snapshots, app.GuidelinePath, buildKey, L); err != nil {
		return fmt.Errorf("load guidelines: %w", err)
	}
	if app.WatchGuidelines {
		go func() {
			if err := library.Watch(ctx, app.GuidelinePath, guideline.DefaultWatchDebounce); err != nil {
				L.Error(ctx, err, "guideline watcher stopped")
			}
		}()
	}

	contextStore, closeContext, err := newContextStore(ctx, app, L)
	if err != nil {
		return err
	}
	defer func() { _ = closeContext() }()

	reasoner, err := newReasoner(app)
	if err != nil {
		return err
	}
	engine := triage.NewEngine(reasoner,
		time.Duration(app.ReasonTimeoutSecs)*time.Second,
		L.With("subsystem", "triage"),
		deskMetrics.EngineHooks(),
	)

	var notifier frontdesk.Notifier
	if app.SlackWebhookURL != "" {
		notifier = slack.New(app.SlackWebhookURL, L)
	}

	desk := frontdesk.NewService(frontdesk.Config{
		WindowTurns:     app.WindowTurns,
		GuidanceK:       app.GuidanceK,
		MaxMessageChars: app.MaxMessageChars,
	}, frontdesk.Deps{
		Context:    contextStore,
		Guidelines: library,
		Scorer:     engine,
		Queue:      queue.New(queue.WithHooks(deskMetrics.QueueHooks())),
		Cases:      store.cases,
		Notifier:   notifier,
		Metrics:    deskMetrics,
	}, L)
	if _, err := desk.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	// readiness fails once the gate closes so the load balancer drains us
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	httpOpts, err := s.http.ToOptions()
	if err != nil {
		return fmt.Errorf("http options: %w", err)
	}

	opsOpts := s.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		return fmt.Errorf("start ops http listener: %w", err)
	}

	h := buildHandler(handlerDeps{
		desk:     deskapi.New(L, desk, authmw.BearerToken(authmw.ParseTokens(app.StaffTokens))),
		healthz:  health.HealthzHandler(liveness),
		readyz:   health.ReadyzHandler(readiness),
		metrics:  func(h http.Handler) http.Handler { return m.Middleware(h) },
		clientIP: httpmw.ClientIPOptions{TrustedHops: s.httpmw.TrustedProxyHops},
		logger:   L,
	})
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", app.APIPort), h, L, httpOpts)
	if err != nil {
		_ = stopOps(context.Background())
		return fmt.Errorf("start desk api listener: %w", err)
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	waitForDrain(time.Duration(app.DrainSeconds)*time.Second, force, L)
	signal.Stop(force)

	shutdownAll(time.Duration(app.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"desk api http server", stopAPI},
		{"staff notifications", desk.Wait},
		{"ops http server", stopOps},
		{"otel", shutdownTracing},
	}, L)

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// backend names the store in use for the startup log.
func backend(addr, name string) string {
	if addr == "" {
		return "memory"
	}
	return name
}
