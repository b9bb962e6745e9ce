// Package docsearch answers questions from documents uploaded into a
// session's sandbox: ranked search over cached extractions, selective text
// extraction, and assembly of an attributed context block.
package docsearch

import (
	"context"
	"errors"

	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// ErrExtractionUnavailable is returned by Parse when every extractor fails
// for a document.
var ErrExtractionUnavailable = errors.New("no text extractor available")

// Hit is one ranked search candidate.
type Hit struct {
	// Filename is the original document name (e.g. "report.pdf").
	Filename string

	// Score is the number of query-term matches in the cached text.
	Score int

	// Cached reports whether an extraction sibling already exists.
	Cached bool
}

// DocumentTool is the narrow contract between the pipeline and whatever
// runs inside the sandbox. Search returns ranked typed hits; Parse returns
// extracted text, caching it for later queries. Keeping the interface this
// small lets the underlying commands change without touching pipeline logic.
type DocumentTool interface {
	Search(ctx context.Context, h *sandbox.Handle, query string, limit int) ([]Hit, error)
	Parse(ctx context.Context, h *sandbox.Handle, filename string) (string, error)
}
