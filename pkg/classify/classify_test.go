package classify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/provider"
)

// fakeProvider returns a fixed reply or error.
type fakeProvider struct {
	reply string
	err   error

	lastRequest *provider.Request
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	f.lastRequest = req
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{Text: f.reply}, nil
}

func tabularManifest() []api.FileDescriptor {
	return []api.FileDescriptor{{Filename: "sales.csv", Kind: api.FileKindTabular}}
}

func documentManifest() []api.FileDescriptor {
	return []api.FileDescriptor{{Filename: "report.pdf", Kind: api.FileKindDocument}}
}

func TestClassifyLabels(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		message  string
		manifest []api.FileDescriptor
		want     api.QueryKind
	}{
		{
			name:     "clean tabular label",
			reply:    "tabular",
			message:  "what is the average amount per region?",
			manifest: tabularManifest(),
			want:     api.QueryKindTabular,
		},
		{
			name:     "label with trailing period",
			reply:    "document.",
			message:  "summarize the report",
			manifest: documentManifest(),
			want:     api.QueryKindDocument,
		},
		{
			name:     "label embedded in sentence",
			reply:    "Category: research",
			message:  "what happened in the news today?",
			manifest: nil,
			want:     api.QueryKindResearch,
		},
		{
			name:     "uppercase label",
			reply:    "TABULAR",
			message:  "sum the amount column",
			manifest: tabularManifest(),
			want:     api.QueryKindTabular,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeProvider{reply: tt.reply}, "test-model", 0.1, api.QueryKindResearch)
			got, err := c.Classify(context.Background(), tt.message, tt.manifest)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.want)
			}
			if got.RawLabel == "" {
				t.Error("RawLabel empty, want verbatim model reply")
			}
		})
	}
}

func TestClassifyMalformedOutputUsesFallback(t *testing.T) {
	c := New(&fakeProvider{reply: "I cannot classify that"}, "test-model", 0.1, api.QueryKindResearch)
	got, err := c.Classify(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != api.QueryKindResearch {
		t.Errorf("Kind = %q, want configured fallback research", got.Kind)
	}
}

func TestClassifyFallbackIsConfigurable(t *testing.T) {
	c := New(&fakeProvider{reply: "???"}, "test-model", 0.1, api.QueryKindTabular)
	got, err := c.Classify(context.Background(), "count the rows in my data", tabularManifest())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != api.QueryKindTabular {
		t.Errorf("Kind = %q, want configured fallback tabular", got.Kind)
	}
}

func TestClassifyDocumentWithoutDocumentsBecomesResearch(t *testing.T) {
	c := New(&fakeProvider{reply: "document"}, "test-model", 0.1, api.QueryKindResearch)
	got, err := c.Classify(context.Background(), "what does the contract say?", tabularManifest())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != api.QueryKindResearch {
		t.Errorf("Kind = %q, want research override when no documents exist", got.Kind)
	}
}

func TestClassifyLexicalTieBreaks(t *testing.T) {
	t.Run("document cue with documents present", func(t *testing.T) {
		c := New(&fakeProvider{reply: "research"}, "test-model", 0.1, api.QueryKindResearch)
		got, err := c.Classify(context.Background(), "what does the uploaded file say about pricing?", documentManifest())
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != api.QueryKindDocument {
			t.Errorf("Kind = %q, want document", got.Kind)
		}
	})

	t.Run("data cue with tabular present", func(t *testing.T) {
		c := New(&fakeProvider{reply: "research"}, "test-model", 0.1, api.QueryKindResearch)
		got, err := c.Classify(context.Background(), "plot the monthly totals", tabularManifest())
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != api.QueryKindTabular {
			t.Errorf("Kind = %q, want tabular", got.Kind)
		}
	})

	t.Run("tabular without tabular files degrades", func(t *testing.T) {
		c := New(&fakeProvider{reply: "tabular"}, "test-model", 0.1, api.QueryKindResearch)
		got, err := c.Classify(context.Background(), "compute the average", documentManifest())
		if err != nil {
			t.Fatal(err)
		}
		if got.Kind != api.QueryKindDocument {
			t.Errorf("Kind = %q, want document when only documents exist", got.Kind)
		}
	})
}

func TestClassifyCallFailurePropagates(t *testing.T) {
	callErr := errors.New("backend down")
	c := New(&fakeProvider{err: callErr}, "test-model", 0.1, api.QueryKindResearch)
	_, err := c.Classify(context.Background(), "hello", nil)
	if !errors.Is(err, callErr) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
}

func TestClassifyPromptIncludesManifest(t *testing.T) {
	f := &fakeProvider{reply: "tabular"}
	c := New(f, "test-model", 0.1, api.QueryKindResearch)
	if _, err := c.Classify(context.Background(), "analyze", tabularManifest()); err != nil {
		t.Fatal(err)
	}

	if f.lastRequest == nil || len(f.lastRequest.Messages) != 2 {
		t.Fatalf("request = %+v", f.lastRequest)
	}
	userMsg := f.lastRequest.Messages[1].Content
	if want := "sales.csv"; !strings.Contains(userMsg, want) {
		t.Errorf("user prompt missing %q: %q", want, userMsg)
	}
	if f.lastRequest.Temperature == nil || *f.lastRequest.Temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", f.lastRequest.Temperature)
	}
}
