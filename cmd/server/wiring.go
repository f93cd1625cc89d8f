package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/frontdesk/internal/cfg"
	"github.com/linnemanlabs/frontdesk/internal/conversation"
	"github.com/linnemanlabs/frontdesk/internal/conversation/redisstore"
	"github.com/linnemanlabs/frontdesk/internal/guideline"
	"github.com/linnemanlabs/frontdesk/internal/guideline/pgsnapshot"
	"github.com/linnemanlabs/frontdesk/internal/llm/claude"
	llmopenai "github.com/linnemanlabs/frontdesk/internal/llm/openai"
	"github.com/linnemanlabs/frontdesk/internal/postgres"
	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/queue/memstore"
	"github.com/linnemanlabs/frontdesk/internal/queue/pgstore"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

const sweepInterval = time.Minute

// newReasoner returns nil for ProviderNone; the engine then always uses the
// fallback verdict.
func newReasoner(c *vc.Config) (triage.Reasoner, error) {
	switch c.Reasoner {
	case vc.ProviderClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel), nil
	case vc.ProviderOpenAI:
		return llmopenai.New(c.OpenAIAPIKey, c.OpenAIBaseURL, c.OpenAIModel), nil
	case vc.ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown reasoner %q", c.Reasoner)
	}
}

func contextLimits(c *vc.Config) conversation.Limits {
	return conversation.Limits{
		MaxTurns: c.ContextMaxTurns,
		MaxChars: c.ContextMaxChars,
		IdleTTL:  time.Duration(c.ContextIdleMinutes) * time.Minute,
	}
}

// newContextStore returns the Redis store when an address is configured,
// otherwise an in-memory store with its idle sweeper running until ctx ends.
// The returned close func releases the Redis client.
func newContextStore(ctx context.Context, c *vc.Config, L log.Logger) (conversation.Store, func() error, error) {
	limits := contextLimits(c)
	if c.RedisAddr == "" {
		mem := conversation.NewMemory(limits)
		go mem.RunSweeper(ctx, sweepInterval, L)
		L.Info(ctx, "using in-memory context store (no redis-addr configured)")
		return mem, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}
	L.Info(ctx, "using redis context store", "addr", c.RedisAddr)
	return redisstore.New(client, limits), client.Close, nil
}

// storage holds the case record store and, with a database, the guideline
// snapshot store. close releases the pool.
type storage struct {
	cases     queue.Store
	snapshots snapshotStore
	close     func()
}

// openStorage uses postgres when a database URL is configured and migrates
// both schemas; otherwise cases live in memory and snapshots are disabled.
func openStorage(ctx context.Context, c *vc.Config, observe postgres.QueryObserver, L log.Logger) (*storage, error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory case store (no database-url configured)")
		return &storage{cases: memstore.New(), close: func() {}}, nil
	}

	tracer := postgres.NewTracer(L, time.Duration(c.SlowQueryMillis)*time.Millisecond, observe)
	pool, err := postgres.NewPool(ctx, c.DatabaseURL, tracer)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}

	cases := pgstore.New(pool)
	if err := cases.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore migrate: %w", err)
	}
	snaps := pgsnapshot.New(pool)
	if err := snaps.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsnapshot migrate: %w", err)
	}
	L.Info(ctx, "using postgres case store and guideline snapshots")
	return &storage{cases: cases, snapshots: snaps, close: pool.Close}, nil
}

// snapshotStore is the part of pgsnapshot.Store used at startup.
type snapshotStore interface {
	Load(ctx context.Context, digest, buildKey string) (*guideline.Index, bool, error)
	Save(ctx context.Context, idx *guideline.Index, buildKey string) error
}

// loadGuidelines installs the initial index: a stored snapshot when one
// matches both the document digest and buildKey, otherwise a fresh build that
// is then saved. snapshots may be nil. Any *guideline.IndexBuildError is
// returned; the desk never starts on an empty index.
func loadGuidelines(ctx context.Context, lib *guideline.Library, snapshots snapshotStore, path, buildKey string, L log.Logger) error {
	doc, err := guideline.LoadFile(path)
	if err != nil {
		return err
	}
	digest := doc.Digest()

	if snapshots != nil {
		idx, ok, err := snapshots.Load(ctx, digest, buildKey)
		switch {
		case err != nil:
			L.Warn(ctx, "guideline snapshot load failed, rebuilding", "error", err.Error())
		case ok:
			lib.Swap(idx)
			L.Info(ctx, "guideline index restored from snapshot", "chunks", idx.Len(), "digest", digest)
			return nil
		}
	}

	idx, err := lib.Rebuild(ctx, doc)
	if err != nil {
		return err
	}
	if snapshots != nil {
		if err := snapshots.Save(ctx, idx, buildKey); err != nil {
			L.Warn(ctx, "guideline snapshot save failed", "error", err.Error())
		}
	}
	return nil
}
