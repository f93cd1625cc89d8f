package guideline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	DefaultMaxChunkChars = 1200
	DefaultChunkOverlap  = 150
	DefaultBatchSize     = 20
)

// ErrRetrievalDegraded marks a query that could not be answered from the
// index. Callers continue without guideline context.
var ErrRetrievalDegraded = errors.New("guideline retrieval degraded")

// Embedder turns texts into vectors. One vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// IndexBuildError is returned when an index cannot be built. The previous
// index, if any, stays in service.
type IndexBuildError struct {
	Source string
	Reason string
	Err    error
}

func (e *IndexBuildError) Error() string {
	msg := "build guideline index"
	if e.Source != "" {
		msg += " from " + e.Source
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IndexBuildError) Unwrap() error { return e.Err }

// Chunk is one embedded piece of guideline text.
type Chunk struct {
	ID          string    `json:"id"`
	Ordinal     int       `json:"ordinal"`
	HeadingPath []string  `json:"heading_path"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"-"`
}

// Match is a chunk returned by a search, with its cosine similarity.
// Match chunks carry no embedding.
type Match struct {
	Chunk Chunk
	Score float64
}

// Options controls chunking and embedding batch size. Zero values take
// defaults; a negative ChunkOverlap disables overlap.
type Options struct {
	MaxChunkChars int
	ChunkOverlap  int
	BatchSize     int
}

// Fingerprint identifies the embedder and chunking an index is built under.
// A persisted index is only reusable under an identical fingerprint.
// BatchSize is left out since it does not change the result.
func (o Options) Fingerprint(embedder string) string {
	o = o.withDefaults()
	return fmt.Sprintf("%s;chunk=%d;overlap=%d", embedder, o.MaxChunkChars, o.ChunkOverlap)
}

func (o Options) withDefaults() Options {
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = DefaultMaxChunkChars
	}
	switch {
	case o.ChunkOverlap == 0:
		o.ChunkOverlap = min(DefaultChunkOverlap, o.MaxChunkChars/2)
	case o.ChunkOverlap < 0:
		o.ChunkOverlap = 0
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Index is an immutable, ordered set of embedded chunks.
type Index struct {
	source  string
	digest  string
	dim     int
	builtAt time.Time
	chunks  []Chunk
	norms   []float64
}

// Build parses, chunks and embeds doc into a new Index.
func Build(ctx context.Context, doc *Document, embedder Embedder, opts Options) (*Index, error) {
	if doc == nil || strings.TrimSpace(doc.Text) == "" {
		src := ""
		if doc != nil {
			src = doc.Source
		}
		return nil, &IndexBuildError{Source: src, Reason: "document is empty"}
	}
	opts = opts.withDefaults()

	var chunks []Chunk
	for _, sec := range Parse(doc.Text) {
		for _, piece := range SplitText(sec.Body, opts.MaxChunkChars, opts.ChunkOverlap) {
			chunks = append(chunks, Chunk{
				ID:          chunkID(len(chunks)),
				Ordinal:     len(chunks),
				HeadingPath: sec.Path,
				Text:        piece,
			})
		}
	}
	if len(chunks) == 0 {
		return nil, &IndexBuildError{Source: doc.Source, Reason: "document produced no chunks"}
	}

	for start := 0; start < len(chunks); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(chunks))
		inputs := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			inputs = append(inputs, EmbeddingInput(c))
		}

		vecs, err := embedder.Embed(ctx, inputs)
		if err != nil {
			return nil, &IndexBuildError{Source: doc.Source, Reason: fmt.Sprintf("embed chunks %d-%d", start, end-1), Err: err}
		}
		if len(vecs) != len(inputs) {
			return nil, &IndexBuildError{Source: doc.Source, Reason: fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vecs), len(inputs))}
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
		}
	}

	idx, err := NewIndex(doc.Source, doc.Digest(), chunks)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// NewIndex assembles an index from already embedded chunks, for example a
// persisted snapshot. Chunks must be in document order and share one dimension.
func NewIndex(source, digest string, chunks []Chunk) (*Index, error) {
	if len(chunks) == 0 {
		return nil, &IndexBuildError{Source: source, Reason: "no chunks"}
	}

	dim := len(chunks[0].Embedding)
	if dim == 0 {
		return nil, &IndexBuildError{Source: source, Reason: "zero-dimension embedding"}
	}

	idx := &Index{
		source:  source,
		digest:  digest,
		dim:     dim,
		builtAt: time.Now(),
		chunks:  make([]Chunk, len(chunks)),
		norms:   make([]float64, len(chunks)),
	}
	for i, c := range chunks {
		if len(c.Embedding) != dim {
			return nil, &IndexBuildError{Source: source, Reason: fmt.Sprintf("chunk %s has dimension %d, want %d", c.ID, len(c.Embedding), dim)}
		}
		c.HeadingPath = append([]string(nil), c.HeadingPath...)
		c.Embedding = append([]float32(nil), c.Embedding...)
		idx.chunks[i] = c
		idx.norms[i] = norm(c.Embedding)
	}
	return idx, nil
}

// EmbeddingInput is the text sent to the embedder for a chunk: its heading
// path followed by the body.
func EmbeddingInput(c Chunk) string {
	if len(c.HeadingPath) == 0 {
		return c.Text
	}
	return strings.Join(c.HeadingPath, " > ") + "\n" + c.Text
}

func chunkID(ordinal int) string {
	return fmt.Sprintf("g-%04d", ordinal)
}

func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.chunks)
}

func (idx *Index) Dimension() int { return idx.dim }

func (idx *Index) Source() string { return idx.source }

func (idx *Index) Digest() string { return idx.digest }

func (idx *Index) BuiltAt() time.Time { return idx.builtAt }

// Chunks returns a copy of the chunks in document order.
func (idx *Index) Chunks() []Chunk {
	out := make([]Chunk, len(idx.chunks))
	for i, c := range idx.chunks {
		c.HeadingPath = append([]string(nil), c.HeadingPath...)
		c.Embedding = append([]float32(nil), c.Embedding...)
		out[i] = c
	}
	return out
}

// Search returns the k chunks most similar to vec by cosine similarity,
// highest first. Equal scores keep document order. An empty index or k <= 0
// yields no matches.
func (idx *Index) Search(vec []float32, k int) ([]Match, error) {
	if idx.Len() == 0 || k <= 0 {
		return nil, nil
	}
	if len(vec) != idx.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrRetrievalDegraded, len(vec), idx.dim)
	}

	qn := norm(vec)
	order := make([]int, len(idx.chunks))
	scores := make([]float64, len(idx.chunks))
	for i, c := range idx.chunks {
		order[i] = i
		scores[i] = cosine(vec, qn, c.Embedding, idx.norms[i])
	}

	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	k = min(k, len(order))
	out := make([]Match, 0, k)
	for _, i := range order[:k] {
		c := idx.chunks[i]
		c.Embedding = nil
		c.HeadingPath = append([]string(nil), c.HeadingPath...)
		out = append(out, Match{Chunk: c, Score: scores[i]})
	}
	return out, nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// cosine is zero when either vector has zero magnitude.
func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	s := dot / (an * bn)
	if math.IsNaN(s) {
		return 0
	}
	return s
}
