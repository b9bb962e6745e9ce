// Package classify routes user messages to one of the three analysis paths:
// tabular code execution, document search, or web research.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/observability"
	"github.com/datachat-dev/datachat/pkg/provider"
)

const systemInstruction = `You are a query classifier for a data analysis assistant.
Classify the user's message into exactly one of these categories:

- tabular: the question is about uploaded tabular data (CSV/Excel) and should be answered by running analysis code
- document: the question is about the content of uploaded documents (PDF, text)
- research: the question needs current information from the web

Reply with a single word: tabular, document, or research. No explanation.`

// Classifier decides which analysis path answers a message. The decision is
// recomputed per message; the same text may classify differently once the
// file manifest changes.
type Classifier struct {
	provider    provider.Provider
	model       string
	temperature float64

	// FallbackKind is used when the model's label is unrecognized.
	FallbackKind api.QueryKind
}

// New creates a Classifier. fallback is applied to malformed model output.
func New(p provider.Provider, model string, temperature float64, fallback api.QueryKind) *Classifier {
	return &Classifier{
		provider:     p,
		model:        model,
		temperature:  temperature,
		FallbackKind: fallback,
	}
}

// Classify labels the message given the session's file manifest. The model
// call is mandatory; its failure fails the whole request. Only a malformed
// label degrades to the fallback kind.
func (c *Classifier) Classify(ctx context.Context, message string, manifest []api.FileDescriptor) (api.QueryClassification, error) {
	resp, err := c.provider.Complete(ctx, &provider.Request{
		Model: c.model,
		Messages: []provider.Message{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: buildUserPrompt(message, manifest)},
		},
		Temperature: provider.Float64(c.temperature),
		MaxTokens:   provider.Int(16),
	})
	if err != nil {
		return api.QueryClassification{}, fmt.Errorf("classification call: %w", err)
	}

	raw := strings.TrimSpace(resp.Text)
	kind, fellBack := parseLabel(raw)
	if fellBack {
		kind = c.FallbackKind
	}

	// The model cannot be trusted to know what was actually uploaded.
	kind = applyManifestOverrides(kind, message, manifest)

	fallbackLabel := "false"
	if fellBack {
		fallbackLabel = "true"
	}
	observability.ClassificationsTotal.WithLabelValues(string(kind), fallbackLabel).Inc()
	debug.Log("classify", "message classified", "kind", string(kind), "raw", raw, "fallback", fellBack)

	return api.QueryClassification{Kind: kind, RawLabel: raw}, nil
}

// parseLabel extracts a query kind from the model's reply. The second
// return reports whether the label was unrecognized.
func parseLabel(raw string) (api.QueryKind, bool) {
	label := strings.ToLower(strings.Trim(raw, " \t\n.\"'"))

	// Tolerate replies like "category: tabular" or "tabular."
	for _, kind := range []api.QueryKind{api.QueryKindTabular, api.QueryKindDocument, api.QueryKindResearch} {
		if label == string(kind) {
			return kind, false
		}
	}
	for _, kind := range []api.QueryKind{api.QueryKindTabular, api.QueryKindDocument, api.QueryKindResearch} {
		if strings.Contains(label, string(kind)) {
			return kind, false
		}
	}
	return "", true
}

// applyManifestOverrides corrects classifications that contradict the
// session's actual uploads.
func applyManifestOverrides(kind api.QueryKind, message string, manifest []api.FileDescriptor) api.QueryKind {
	hasTabular, hasDocument := false, false
	for _, fd := range manifest {
		switch fd.Kind {
		case api.FileKindTabular:
			hasTabular = true
		case api.FileKindDocument:
			hasDocument = true
		}
	}

	// Document questions without any documents route to research so the
	// user still gets an answer instead of an error.
	if kind == api.QueryKindDocument && !hasDocument {
		return api.QueryKindResearch
	}

	// Lexical tie-breaks.
	lower := strings.ToLower(message)
	mentionsDocs := strings.Contains(lower, "document") ||
		strings.Contains(lower, "file") ||
		strings.Contains(lower, "uploaded")

	if kind == api.QueryKindResearch {
		if mentionsDocs && hasDocument {
			return api.QueryKindDocument
		}
		if hasTabular && !mentionsDocs && mentionsData(lower) {
			return api.QueryKindTabular
		}
	}

	if kind == api.QueryKindTabular && !hasTabular {
		if hasDocument {
			return api.QueryKindDocument
		}
		return api.QueryKindResearch
	}

	return kind
}

func mentionsData(lower string) bool {
	for _, cue := range []string{"data", "column", "row", "average", "sum", "count", "plot", "chart"} {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// buildUserPrompt combines the message with the manifest so the model sees
// what the session actually has.
func buildUserPrompt(message string, manifest []api.FileDescriptor) string {
	var b strings.Builder
	if len(manifest) == 0 {
		b.WriteString("No files have been uploaded.\n")
	} else {
		b.WriteString("Uploaded files:\n")
		for _, fd := range manifest {
			fmt.Fprintf(&b, "- %s (%s)\n", fd.Filename, fd.Kind)
		}
	}
	b.WriteString("\nMessage: ")
	b.WriteString(message)
	return b.String()
}
