// Guidelinecheck builds a guideline index offline and prints the chunks
// retrieved for each query, to tune chunking before a deploy.
//
//	guidelinecheck -guideline-path esi.md -embed-provider ollama "chest pain" "sprained ankle"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/frontdesk/internal/cfg"
	"github.com/linnemanlabs/frontdesk/internal/embed"
	"github.com/linnemanlabs/frontdesk/internal/guideline"
)

const previewChars = 120

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "guidelinecheck:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("guidelinecheck", flag.ContinueOnError)
	var c vc.Config
	c.RegisterFlags(fset)
	k := fset.Int("k", 3, "chunks to print per query")
	showChunks := fset.Bool("chunks", false, "print every chunk heading before the queries")
	if err := fset.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	cfg.FillFromEnv(fset, "FRONTDESK_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if c.GuidelinePath == "" {
		return errors.New("-guideline-path is required")
	}
	embedder, err := embed.FromConfig(&c)
	if err != nil {
		return err
	}

	doc, err := guideline.LoadFile(c.GuidelinePath)
	if err != nil {
		return err
	}
	lib := guideline.NewLibrary(embedder, guideline.Options{
		MaxChunkChars: c.ChunkChars,
		ChunkOverlap:  c.ChunkOverlap,
	}, log.Nop())
	idx, err := lib.Rebuild(ctx, doc)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d chunks, dimension %d, digest %s\n", idx.Source(), idx.Len(), idx.Dimension(), idx.Digest()[:12])
	if *showChunks {
		for _, ch := range idx.Chunks() {
			fmt.Fprintf(out, "  %s  %s  (%d chars)\n", ch.ID, heading(ch.HeadingPath), len([]rune(ch.Text)))
		}
	}

	for _, q := range fset.Args() {
		matches, err := lib.Query(ctx, q, *k)
		if err != nil {
			return fmt.Errorf("query %q: %w", q, err)
		}
		fmt.Fprintf(out, "\n%q\n", q)
		for _, m := range matches {
			fmt.Fprintf(out, "  %.4f  %s  %s\n          %s\n", m.Score, m.Chunk.ID, heading(m.Chunk.HeadingPath), preview(m.Chunk.Text))
		}
	}
	return nil
}

func heading(path []string) string {
	if len(path) == 0 {
		return "(no heading)"
	}
	return strings.Join(path, " > ")
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "..."
}
