package docsearch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
)

// Config bounds how much work one question may cause.
type Config struct {
	// MaxCandidates caps the ranked hits considered per question.
	MaxCandidates int

	// MaxExtractions caps fresh extractions per question. Documents beyond
	// the cap wait for a later question to page them in.
	MaxExtractions int

	// CharBudget truncates each document's contribution to the context.
	CharBudget int
}

func (c *Config) defaults() {
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 5
	}
	if c.MaxExtractions <= 0 {
		c.MaxExtractions = 5
	}
	if c.CharBudget <= 0 {
		c.CharBudget = 4000
	}
}

// Section is one document's contribution to the answer context, attributed
// to its source file.
type Section struct {
	Source string
	Text   string
}

// Pipeline turns a question plus a session's documents into attributed
// context sections for synthesis.
type Pipeline struct {
	tool DocumentTool
	cfg  Config
}

func NewPipeline(tool DocumentTool, cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{tool: tool, cfg: cfg}
}

// Answer searches the session's documents for the question and returns one
// section per contributing document. A single unreadable document does not
// fail the question: its failure is noted and the rest proceed. Only an
// unreachable sandbox aborts, since nothing further can succeed without it.
// Returns session.ErrNoDocuments when the manifest holds no documents.
func (p *Pipeline) Answer(ctx context.Context, h *sandbox.Handle, manifest []api.FileDescriptor, question string) ([]Section, error) {
	docs := map[string]bool{}
	for _, fd := range manifest {
		if fd.Kind == api.FileKindDocument {
			docs[fd.Filename] = true
		}
	}
	if len(docs) == 0 {
		return nil, session.ErrNoDocuments
	}

	hits, err := p.tool.Search(ctx, h, question, p.cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("document search: %w", err)
	}

	var sections []Section
	extractions := 0
	for _, hit := range hits {
		// Search sees everything under docs/, including tabular uploads.
		// Only registered documents contribute to answers.
		if !docs[hit.Filename] {
			continue
		}
		if !hit.Cached {
			if extractions >= p.cfg.MaxExtractions {
				continue
			}
			extractions++
		}
		text, err := p.tool.Parse(ctx, h, hit.Filename)
		if err != nil {
			if sandbox.IsUnreachable(err) {
				return nil, err
			}
			if errors.Is(err, ErrExtractionUnavailable) {
				sections = append(sections, Section{
					Source: hit.Filename,
					Text:   "(could not extract text from this document)",
				})
				continue
			}
			debug.Log("docsearch", "document skipped", "file", hit.Filename, "error", err)
			continue
		}
		sections = append(sections, Section{
			Source: hit.Filename,
			Text:   truncate(strings.TrimSpace(text), p.cfg.CharBudget),
		})
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no readable content found in %d document(s)", len(docs))
	}
	return sections, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}
