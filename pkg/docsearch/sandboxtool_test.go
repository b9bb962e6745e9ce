package docsearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// fakeDocsServer emulates the sandbox server's execute endpoint over a
// virtual docs/ directory. It interprets just the command shapes the tool
// issues: ls, grep counts, cache reads, and extractor runs.
type fakeDocsServer struct {
	// files maps names under docs/ to their content. Cache siblings are
	// regular entries ending in ".md".
	files map[string]string

	// extractable maps original names to the text markitdown would produce.
	// Names absent here make every extractor fail.
	extractable map[string]string

	srv *httptest.Server
}

type fakeExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type fakeExecResponse struct {
	Status   string `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func newFakeDocsServer(t *testing.T) *fakeDocsServer {
	t.Helper()
	f := &fakeDocsServer{
		files:       map[string]string{},
		extractable: map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		var req fakeExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := f.run(req.Command)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDocsServer) handle() *sandbox.Handle {
	return &sandbox.Handle{ID: "sbx_docs", BaseURL: f.srv.URL, Release: func() {}}
}

func (f *fakeDocsServer) run(cmd string) fakeExecResponse {
	switch {
	case strings.HasPrefix(cmd, "ls -1 docs"):
		var names []string
		for name := range f.files {
			names = append(names, name)
		}
		return fakeExecResponse{Status: "success", Stdout: strings.Join(names, "\n") + "\n"}

	case strings.Contains(cmd, "grep -H -i -c"):
		terms, targets := parseGrep(cmd)
		var out []string
		for _, name := range targets {
			count := 0
			for _, line := range strings.Split(f.files[name], "\n") {
				if matchesAny(line, terms) {
					count++
				}
			}
			out = append(out, name+":"+strconv.Itoa(count))
		}
		return fakeExecResponse{Status: "success", Stdout: strings.Join(out, "\n") + "\n"}

	case strings.HasPrefix(cmd, "test -f docs/"):
		name := unquote(strings.TrimPrefix(strings.SplitN(cmd, " && ", 2)[0], "test -f docs/"))
		content, ok := f.files[name]
		if !ok {
			return fakeExecResponse{Status: "error", ExitCode: 1}
		}
		return fakeExecResponse{Status: "success", Stdout: content}

	case strings.Contains(cmd, "markitdown ") || strings.Contains(cmd, "pdftotext "):
		src := extractorSource(cmd)
		text, ok := f.extractable[src]
		if !ok {
			return fakeExecResponse{Status: "error", Stderr: "command not found", ExitCode: 127}
		}
		f.files[src+cacheSuffix] = text
		return fakeExecResponse{Status: "success", Stdout: text}
	}
	return fakeExecResponse{Status: "error", Stderr: "unexpected command: " + cmd, ExitCode: 2}
}

func parseGrep(cmd string) (terms, targets []string) {
	head, tail, _ := strings.Cut(cmd, " -- ")
	for _, part := range strings.Split(head, "-e ")[1:] {
		terms = append(terms, unquote(strings.Fields(part)[0]))
	}
	tail = strings.TrimSuffix(strings.TrimSpace(tail), "; true")
	for _, q := range strings.Fields(strings.TrimSpace(tail)) {
		targets = append(targets, unquote(q))
	}
	return terms, targets
}

func extractorSource(cmd string) string {
	for _, tool := range []string{"markitdown ", "pdftotext "} {
		if _, rest, ok := strings.Cut(cmd, tool); ok {
			return unquote(strings.Fields(rest)[0])
		}
	}
	return ""
}

func matchesAny(line string, terms []string) bool {
	lower := strings.ToLower(line)
	for _, term := range terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func unquote(s string) string {
	return strings.Trim(s, "'")
}

func newTool(f *fakeDocsServer) *SandboxTool {
	return NewSandboxTool(sandbox.NewClient(5*time.Second), 5*time.Second)
}

func TestSearchRanksByMatchCount(t *testing.T) {
	f := newFakeDocsServer(t)
	f.files["finance.pdf"] = ""
	f.files["finance.pdf.md"] = "revenue grew\nrevenue fell\nrevenue flat"
	f.files["notes.txt"] = ""
	f.files["notes.txt.md"] = "one mention of revenue"

	tool := newTool(f)
	hits, err := tool.Search(context.Background(), f.handle(), "What happened to revenue?", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	if hits[0].Filename != "finance.pdf" || hits[0].Score != 3 {
		t.Errorf("expected finance.pdf with score 3 first, got %+v", hits[0])
	}
	if hits[1].Filename != "notes.txt" || hits[1].Score != 1 {
		t.Errorf("expected notes.txt with score 1 second, got %+v", hits[1])
	}
}

func TestSearchIncludesUncachedDocumentsLast(t *testing.T) {
	f := newFakeDocsServer(t)
	f.files["cached.pdf"] = ""
	f.files["cached.pdf.md"] = "quarterly budget summary"
	f.files["fresh.pdf"] = ""

	tool := newTool(f)
	hits, err := tool.Search(context.Background(), f.handle(), "budget", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if !hits[0].Cached || hits[0].Filename != "cached.pdf" {
		t.Errorf("expected cached.pdf ranked first, got %+v", hits[0])
	}
	if hits[1].Cached || hits[1].Filename != "fresh.pdf" {
		t.Errorf("expected uncached fresh.pdf last, got %+v", hits[1])
	}
}

func TestSearchRejectsStopwordOnlyQuery(t *testing.T) {
	f := newFakeDocsServer(t)
	tool := newTool(f)
	if _, err := tool.Search(context.Background(), f.handle(), "what is the", 5); err == nil {
		t.Fatal("expected error for query with no searchable terms")
	}
}

func TestParseReturnsCachedText(t *testing.T) {
	f := newFakeDocsServer(t)
	f.files["report.pdf"] = ""
	f.files["report.pdf.md"] = "cached extraction text"

	tool := newTool(f)
	text, err := tool.Parse(context.Background(), f.handle(), "report.pdf")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if text != "cached extraction text" {
		t.Errorf("expected cached text, got %q", text)
	}
}

func TestParseExtractsAndCaches(t *testing.T) {
	f := newFakeDocsServer(t)
	f.files["report.pdf"] = ""
	f.extractable["report.pdf"] = "extracted via markitdown"

	tool := newTool(f)
	text, err := tool.Parse(context.Background(), f.handle(), "report.pdf")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if text != "extracted via markitdown" {
		t.Errorf("unexpected extraction: %q", text)
	}
	if f.files["report.pdf.md"] != "extracted via markitdown" {
		t.Error("expected extraction to be cached as a sibling")
	}
}

func TestParseAllExtractorsFail(t *testing.T) {
	f := newFakeDocsServer(t)
	f.files["scan.pdf"] = ""

	tool := newTool(f)
	_, err := tool.Parse(context.Background(), f.handle(), "scan.pdf")
	if !errors.Is(err, ErrExtractionUnavailable) {
		t.Fatalf("expected ErrExtractionUnavailable, got %v", err)
	}
}

func TestParseRejectsTraversal(t *testing.T) {
	f := newFakeDocsServer(t)
	tool := newTool(f)
	for _, name := range []string{"../etc/passwd", "a/b.pdf", ".hidden", ""} {
		if _, err := tool.Parse(context.Background(), f.handle(), name); err == nil {
			t.Errorf("expected rejection for %q", name)
		}
	}
}

func TestParseUnreachableSandbox(t *testing.T) {
	f := newFakeDocsServer(t)
	h := f.handle()
	f.srv.Close()

	tool := newTool(f)
	_, err := tool.Parse(context.Background(), h, "report.pdf")
	if !sandbox.IsUnreachable(err) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}
