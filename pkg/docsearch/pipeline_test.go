package docsearch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
)

type fakeTool struct {
	hits      []Hit
	searchErr error

	// texts maps filenames to extraction results. A missing entry fails
	// with ErrExtractionUnavailable; a "!" prefix fails with that text as
	// a generic error.
	texts map[string]string

	parsed []string
}

func (f *fakeTool) Search(ctx context.Context, h *sandbox.Handle, query string, limit int) ([]Hit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if limit > 0 && len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func (f *fakeTool) Parse(ctx context.Context, h *sandbox.Handle, filename string) (string, error) {
	f.parsed = append(f.parsed, filename)
	text, ok := f.texts[filename]
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrExtractionUnavailable, filename)
	}
	if strings.HasPrefix(text, "!") {
		return "", errors.New(text[1:])
	}
	return text, nil
}

func docManifest(names ...string) []api.FileDescriptor {
	var fds []api.FileDescriptor
	for _, n := range names {
		fds = append(fds, api.FileDescriptor{Filename: n, Kind: api.FileKindDocument})
	}
	return fds
}

func testHandle() *sandbox.Handle {
	return &sandbox.Handle{ID: "sbx_test", BaseURL: "http://sandbox.invalid", Release: func() {}}
}

func TestAnswerNoDocuments(t *testing.T) {
	p := NewPipeline(&fakeTool{}, Config{})
	manifest := []api.FileDescriptor{{Filename: "data.csv", Kind: api.FileKindTabular}}

	_, err := p.Answer(context.Background(), testHandle(), manifest, "what does the report say")
	if !errors.Is(err, session.ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
}

func TestAnswerAttributesSections(t *testing.T) {
	tool := &fakeTool{
		hits: []Hit{
			{Filename: "a.pdf", Score: 5, Cached: true},
			{Filename: "b.pdf", Score: 2, Cached: true},
		},
		texts: map[string]string{
			"a.pdf": "alpha content",
			"b.pdf": "beta content",
		},
	}
	p := NewPipeline(tool, Config{})

	sections, err := p.Answer(context.Background(), testHandle(), docManifest("a.pdf", "b.pdf"), "question")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	if sections[0].Source != "a.pdf" || sections[0].Text != "alpha content" {
		t.Errorf("unexpected first section: %+v", sections[0])
	}
	if sections[1].Source != "b.pdf" {
		t.Errorf("expected b.pdf second, got %+v", sections[1])
	}
}

func TestAnswerSkipsUnregisteredFiles(t *testing.T) {
	tool := &fakeTool{
		hits: []Hit{
			{Filename: "data.csv", Score: 9, Cached: true},
			{Filename: "a.pdf", Score: 1, Cached: true},
		},
		texts: map[string]string{"a.pdf": "registered content"},
	}
	p := NewPipeline(tool, Config{})

	sections, err := p.Answer(context.Background(), testHandle(), docManifest("a.pdf"), "question")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if len(sections) != 1 || sections[0].Source != "a.pdf" {
		t.Fatalf("expected only registered document, got %+v", sections)
	}
	for _, name := range tool.parsed {
		if name == "data.csv" {
			t.Error("tabular file must not be parsed as a document")
		}
	}
}

func TestAnswerCapsFreshExtractions(t *testing.T) {
	tool := &fakeTool{
		hits: []Hit{
			{Filename: "a.pdf"},
			{Filename: "b.pdf"},
			{Filename: "c.pdf"},
		},
		texts: map[string]string{
			"a.pdf": "a text", "b.pdf": "b text", "c.pdf": "c text",
		},
	}
	p := NewPipeline(tool, Config{MaxExtractions: 2})

	sections, err := p.Answer(context.Background(), testHandle(), docManifest("a.pdf", "b.pdf", "c.pdf"), "question")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected extraction cap of 2, got %d sections", len(sections))
	}
	if len(tool.parsed) != 2 {
		t.Errorf("expected 2 Parse calls, got %v", tool.parsed)
	}
}

func TestAnswerAbsorbsPerDocumentFailures(t *testing.T) {
	tool := &fakeTool{
		hits: []Hit{
			{Filename: "broken.pdf", Score: 4, Cached: true},
			{Filename: "scan.pdf", Score: 3, Cached: true},
			{Filename: "good.pdf", Score: 2, Cached: true},
		},
		texts: map[string]string{
			"broken.pdf": "!read error",
			"good.pdf":   "usable content",
		},
	}
	p := NewPipeline(tool, Config{})

	sections, err := p.Answer(context.Background(), testHandle(), docManifest("broken.pdf", "scan.pdf", "good.pdf"), "question")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %+v", sections)
	}
	if sections[0].Source != "scan.pdf" || !strings.Contains(sections[0].Text, "could not extract") {
		t.Errorf("expected extraction-unavailable note for scan.pdf, got %+v", sections[0])
	}
	if sections[1].Source != "good.pdf" || sections[1].Text != "usable content" {
		t.Errorf("expected good.pdf content, got %+v", sections[1])
	}
}

// unreachableTool fails every Parse with the transport sentinel.
type unreachableTool struct {
	*fakeTool
}

func (u *unreachableTool) Parse(ctx context.Context, h *sandbox.Handle, filename string) (string, error) {
	return "", fmt.Errorf("execute: %w", sandbox.ErrUnreachable)
}

func TestAnswerUnreachableSandboxIsFatal(t *testing.T) {
	tool := &unreachableTool{fakeTool: &fakeTool{
		hits: []Hit{{Filename: "a.pdf", Score: 1, Cached: true}},
	}}
	p := NewPipeline(tool, Config{})

	_, err := p.Answer(context.Background(), testHandle(), docManifest("a.pdf"), "question")
	if !sandbox.IsUnreachable(err) {
		t.Fatalf("expected unreachable error to abort, got %v", err)
	}
}

func TestAnswerTruncatesToCharBudget(t *testing.T) {
	tool := &fakeTool{
		hits:  []Hit{{Filename: "big.pdf", Score: 1, Cached: true}},
		texts: map[string]string{"big.pdf": strings.Repeat("x", 100)},
	}
	p := NewPipeline(tool, Config{CharBudget: 40})

	sections, err := p.Answer(context.Background(), testHandle(), docManifest("big.pdf"), "question")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if !strings.HasSuffix(sections[0].Text, "[truncated]") {
		t.Errorf("expected truncation marker, got %q", sections[0].Text)
	}
	if len(sections[0].Text) > 40+len("\n[truncated]") {
		t.Errorf("section exceeds budget: %d chars", len(sections[0].Text))
	}
}

func TestAnswerAllDocumentsUnreadable(t *testing.T) {
	tool := &fakeTool{
		hits:  []Hit{{Filename: "a.pdf", Score: 1, Cached: true}},
		texts: map[string]string{"a.pdf": "!io error"},
	}
	p := NewPipeline(tool, Config{})

	_, err := p.Answer(context.Background(), testHandle(), docManifest("a.pdf"), "question")
	if err == nil || errors.Is(err, session.ErrNoDocuments) {
		t.Fatalf("expected distinct no-readable-content error, got %v", err)
	}
}
