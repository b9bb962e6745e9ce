package docsearch

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/observability"
	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// cacheSuffix is appended to a document's name to form its extraction
// sibling, e.g. "report.pdf" caches as "report.pdf.md". Keeping the full
// original name in the sibling avoids collisions between "a.pdf" and
// "a.docx".
const cacheSuffix = ".md"

// plainTextExts are copied into the cache verbatim, no extractor needed.
var plainTextExts = map[string]bool{
	".txt": true,
	".md":  true,
	".csv": true,
}

// SandboxTool implements DocumentTool with shell commands run inside the
// session's sandbox. Documents live under docs/ in the sandbox workdir.
type SandboxTool struct {
	client     *sandbox.Client
	cmdTimeout time.Duration
}

// NewSandboxTool returns a tool issuing commands through client. timeout
// bounds each individual command.
func NewSandboxTool(client *sandbox.Client, timeout time.Duration) *SandboxTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SandboxTool{client: client, cmdTimeout: timeout}
}

// Search greps the cached extractions under docs/ for the query's terms and
// returns up to limit hits ranked by match count. Documents that have no
// cache yet are appended after ranked hits with Cached false, so callers
// can decide whether to extract them.
func (t *SandboxTool) Search(ctx context.Context, h *sandbox.Handle, query string, limit int) ([]Hit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, fmt.Errorf("no searchable terms in query")
	}

	names, err := t.listDocs(ctx, h)
	if err != nil {
		return nil, err
	}

	cached := map[string]bool{}
	var originals []string
	for _, n := range names {
		if strings.HasSuffix(n, cacheSuffix) {
			cached[strings.TrimSuffix(n, cacheSuffix)] = true
		} else {
			originals = append(originals, n)
		}
	}

	var hits []Hit
	scores, err := t.countMatches(ctx, h, terms, originals, cached)
	if err != nil {
		return nil, err
	}
	for name, score := range scores {
		hits = append(hits, Hit{Filename: name, Score: score, Cached: true})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Filename < hits[j].Filename
	})

	// Uncached documents rank below every scored hit. grep has not seen
	// their content, so their only signal is existing at all.
	for _, n := range originals {
		if !cached[n] {
			hits = append(hits, Hit{Filename: n})
		}
	}

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	debug.Log("docsearch", "search complete", "terms", strings.Join(terms, ","), "hits", len(hits))
	return hits, nil
}

// Parse returns the extracted text for filename, running an extractor and
// writing the cache sibling when none exists yet. Extractors are tried in
// order: plain-text copy for text formats, markitdown for everything else,
// pdftotext as a last resort for PDFs.
func (t *SandboxTool) Parse(ctx context.Context, h *sandbox.Handle, filename string) (string, error) {
	src, err := safeName(filename)
	if err != nil {
		return "", err
	}
	cache := src + cacheSuffix

	out, err := t.client.RunCommand(ctx, h,
		fmt.Sprintf("test -f docs/%s && cat docs/%s", shellQuote(cache), shellQuote(cache)),
		t.cmdTimeout)
	if err == nil {
		return out, nil
	}
	if sandbox.IsUnreachable(err) {
		return "", err
	}

	for _, ext := range extractorsFor(src) {
		cmd := ext.command(src, cache)
		out, err = t.client.RunCommand(ctx, h, cmd, t.cmdTimeout)
		if err == nil {
			observability.DocumentExtractionsTotal.WithLabelValues(ext.name, "ok").Inc()
			return out, nil
		}
		if sandbox.IsUnreachable(err) {
			return "", err
		}
		observability.DocumentExtractionsTotal.WithLabelValues(ext.name, "error").Inc()
		debug.Log("docsearch", "extractor failed", "extractor", ext.name, "file", src, "error", err)
	}
	return "", fmt.Errorf("%w for %s", ErrExtractionUnavailable, filename)
}

type extractor struct {
	name    string
	command func(src, cache string) string
}

func extractorsFor(name string) []extractor {
	ext := strings.ToLower(path.Ext(name))
	if plainTextExts[ext] {
		return []extractor{{
			name: "passthrough",
			command: func(src, cache string) string {
				return fmt.Sprintf("cd docs && cp %s %s && cat %s",
					shellQuote(src), shellQuote(cache), shellQuote(cache))
			},
		}}
	}
	exts := []extractor{{
		name: "markitdown",
		command: func(src, cache string) string {
			return fmt.Sprintf("cd docs && markitdown %s > %s && cat %s",
				shellQuote(src), shellQuote(cache), shellQuote(cache))
		},
	}}
	if ext == ".pdf" {
		exts = append(exts, extractor{
			name: "pdftotext",
			command: func(src, cache string) string {
				return fmt.Sprintf("cd docs && pdftotext %s %s && cat %s",
					shellQuote(src), shellQuote(cache), shellQuote(cache))
			},
		})
	}
	return exts
}

func (t *SandboxTool) listDocs(ctx context.Context, h *sandbox.Handle) ([]string, error) {
	out, err := t.client.RunCommand(ctx, h, "ls -1 docs 2>/dev/null; true", t.cmdTimeout)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// countMatches runs one grep over every cached sibling and returns match
// counts keyed by original filename.
func (t *SandboxTool) countMatches(ctx context.Context, h *sandbox.Handle, terms, originals []string, cached map[string]bool) (map[string]int, error) {
	var files []string
	for _, n := range originals {
		if cached[n] {
			files = append(files, shellQuote(n+cacheSuffix))
		}
	}
	if len(files) == 0 {
		return map[string]int{}, nil
	}

	cmd := fmt.Sprintf("cd docs && grep -H -i -c %s -- %s; true",
		grepPatterns(terms), strings.Join(files, " "))
	out, err := t.client.RunCommand(ctx, h, cmd, t.cmdTimeout)
	if err != nil {
		return nil, err
	}

	scores := map[string]int{}
	for _, line := range strings.Split(out, "\n") {
		// grep -H -c output is "<file>:<count>". Filenames may contain
		// colons, so split on the last one.
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(line[:idx], cacheSuffix)
		scores[name] = count
	}
	return scores, nil
}

// stopwords are dropped from queries before grepping. Short function words
// match everywhere and drown out real terms.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "at": true,
	"be": true, "by": true, "derived": true, "do": true, "does": true,
	"for": true, "from": true, "how": true, "in": true, "is": true,
	"it": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "say": true, "says": true, "show": true, "summarize": true,
	"tell": true, "that": true, "the": true, "this": true, "to": true,
	"uploaded": true, "what": true, "where": true, "which": true,
	"with": true, "you": true,
}

// queryTerms lowercases the question, strips punctuation and stopwords,
// and keeps terms of at least three characters.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := map[string]bool{}
	var terms []string
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func grepPatterns(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		parts = append(parts, "-e "+shellQuote(t))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s for safe interpolation into a bash command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// safeName rejects filenames that could escape docs/.
func safeName(name string) (string, error) {
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	return name, nil
}
