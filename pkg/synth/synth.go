// Package synth turns verified raw material (execution output, document
// excerpts) into a readable answer with a single model call.
//
// Synthesis is strictly best-effort: it never retries and its callers are
// expected to degrade to the raw sections when it fails. The verified
// sections, not the synthesized prose, are the ground truth of an answer.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/provider"
)

const systemInstruction = `You are a data analyst explaining results to a non-technical user.
Answer the user's question using ONLY the material in the provided sections.
Cite the section a fact comes from when sections are labeled with sources.
If the sections do not contain the answer, say so plainly. Do not invent
numbers or facts that are not present in the sections.`

// Section is one labeled block of source material for the answer.
type Section struct {
	// Label names the origin, e.g. "Execution output" or "Document: report.pdf".
	Label string
	Text  string
}

// Synthesizer produces the final answer text.
type Synthesizer struct {
	provider    provider.Provider
	model       string
	temperature float64
	maxTokens   int
}

// New returns a Synthesizer using model at temperature. A non-positive
// temperature selects 0.3, which keeps explanations grounded without
// reading like a table dump.
func New(p provider.Provider, model string, temperature float64) *Synthesizer {
	if temperature <= 0 {
		temperature = 0.3
	}
	return &Synthesizer{
		provider:    p,
		model:       model,
		temperature: temperature,
		maxTokens:   1024,
	}
}

// Synthesize answers question from the given sections in one model call.
// Errors are returned as-is: the caller decides whether to degrade to raw
// sections or fail the request.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, sections []Section) (string, error) {
	if len(sections) == 0 {
		return "", fmt.Errorf("nothing to synthesize from")
	}

	resp, err := s.provider.Complete(ctx, &provider.Request{
		Model: s.model,
		Messages: []provider.Message{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: buildPrompt(question, sections)},
		},
		Temperature: provider.Float64(s.temperature),
		MaxTokens:   provider.Int(s.maxTokens),
	})
	if err != nil {
		return "", err
	}

	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		return "", fmt.Errorf("model returned an empty answer")
	}

	debug.Log("synth", "answer synthesized", "sections", len(sections), "chars", len(answer))
	return answer, nil
}

func buildPrompt(question string, sections []Section) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n")
	for _, sec := range sections {
		b.WriteString("\n--- ")
		b.WriteString(sec.Label)
		b.WriteString(" ---\n")
		b.WriteString(strings.TrimSpace(sec.Text))
		b.WriteString("\n")
	}
	return b.String()
}
