// Package guideline builds and serves the searchable triage guideline index.
// A guideline document is parsed into heading-scoped sections, split into
// overlapping chunks, embedded once, and held in an immutable Index. The
// Library swaps whole indexes atomically so readers never see a partial one.
package guideline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// Document is the raw text of a guideline source.
type Document struct {
	Source string
	Text   string
}

// Digest returns the sha256 of the document text, used to key persisted snapshots.
func (d *Document) Digest() string {
	sum := sha256.Sum256([]byte(d.Text))
	return hex.EncodeToString(sum[:])
}

// LoadFile reads a guideline file. PDFs are reduced to plain text; anything
// else is read as UTF-8 text. An unreadable file is an *IndexBuildError.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IndexBuildError{Source: path, Reason: "read document", Err: err}
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err := pdfText(data)
		if err != nil {
			return nil, &IndexBuildError{Source: path, Reason: "extract pdf text", Err: err}
		}
		return &Document{Source: path, Text: text}, nil
	}

	return &Document{Source: path, Text: string(data)}, nil
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Section is a run of body text under one heading path.
type Section struct {
	Path []string
	Body string
}

// Parse splits guideline text into sections. Markdown ATX headings nest by
// level. In plain text, a short line written entirely in capitals is treated
// as a top-level heading. Text before the first heading gets an empty path.
func Parse(text string) []Section {
	var (
		sections []Section
		path     []string
		body     []string
	)

	flush := func() {
		b := strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
		if b == "" {
			return
		}
		sections = append(sections, Section{Path: append([]string(nil), path...), Body: b})
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)

		if level, title, ok := markdownHeading(line); ok {
			flush()
			if level-1 < len(path) {
				path = path[:level-1]
			}
			path = append(path, title)
			continue
		}

		if isCapsHeading(line) {
			flush()
			path = []string{line}
			continue
		}

		body = append(body, line)
	}
	flush()

	return sections
}

func markdownHeading(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	title := strings.TrimSpace(strings.TrimRight(line[level:], "#"))
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

const maxCapsHeadingLen = 80

func isCapsHeading(line string) bool {
	if len(line) <= 3 || len(line) > maxCapsHeadingLen {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 3
}
