package guideline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Library serves queries from the current Index and replaces it atomically
// on rebuild. Queries that started before a swap finish on the index they
// loaded.
type Library struct {
	current  atomic.Pointer[Index]
	embedder Embedder
	opts     Options
	logger   log.Logger

	// rebuilds are serialized so two concurrent rebuilds cannot swap out of order
	rebuildMu sync.Mutex
	onRebuild func(chunks int, duration time.Duration, err error)
}

// NewLibrary returns an empty Library. Queries return no matches until an
// index is installed with Rebuild or Swap.
func NewLibrary(embedder Embedder, opts Options, logger log.Logger) *Library {
	return &Library{
		embedder: embedder,
		opts:     opts,
		logger:   logger,
	}
}

// OnRebuild registers a callback run after every rebuild attempt.
func (l *Library) OnRebuild(fn func(chunks int, duration time.Duration, err error)) {
	l.onRebuild = fn
}

// Current returns the index in service, or nil if none has been installed.
func (l *Library) Current() *Index {
	return l.current.Load()
}

// Swap installs idx and returns the index it replaced.
func (l *Library) Swap(idx *Index) *Index {
	return l.current.Swap(idx)
}

// Rebuild builds a fresh index from doc and installs it. On failure the
// previous index keeps serving and the *IndexBuildError is returned.
func (l *Library) Rebuild(ctx context.Context, doc *Document) (*Index, error) {
	l.rebuildMu.Lock()
	defer l.rebuildMu.Unlock()

	start := time.Now()
	idx, err := Build(ctx, doc, l.embedder, l.opts)
	if l.onRebuild != nil {
		l.onRebuild(idx.Len(), time.Since(start), err)
	}
	if err != nil {
		l.logger.Error(ctx, err, "guideline index rebuild failed, keeping previous index")
		return nil, err
	}

	prev := l.current.Swap(idx)
	l.logger.Info(ctx, "guideline index installed",
		"source", idx.Source(),
		"chunks", idx.Len(),
		"dimension", idx.Dimension(),
		"replaced", prev != nil,
		"duration", time.Since(start).String(),
	)
	return idx, nil
}

// Query embeds text and returns the top k chunks from the current index.
// An empty index or k <= 0 yields no matches. Embedding failures are
// reported as ErrRetrievalDegraded.
func (l *Library) Query(ctx context.Context, text string, k int) ([]Match, error) {
	idx := l.current.Load()
	if idx.Len() == 0 || k <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrRetrievalDegraded)
	}

	vecs, err := l.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrRetrievalDegraded, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for 1 query", ErrRetrievalDegraded, len(vecs))
	}

	return idx.Search(vecs[0], k)
}
