package codegen

import (
	"strings"
	"testing"
)

func TestExtractCodeStrategyOrder(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantCode   string
		wantMethod string
	}{
		{
			name:       "tagged fence",
			text:       "Here is the analysis:\n```python\nimport pandas as pd\nprint(df.head())\n```\nHope that helps!",
			wantCode:   "import pandas as pd\nprint(df.head())",
			wantMethod: "tagged_fence",
		},
		{
			name:       "tagged fence wins over untagged",
			text:       "```\nprint('untagged')\n```\n```python\nprint('tagged')\n```",
			wantCode:   "print('tagged')",
			wantMethod: "tagged_fence",
		},
		{
			name:       "untagged fence",
			text:       "Some prose.\n```\nimport pandas as pd\ndf = pd.read_csv('x.csv')\n```",
			wantCode:   "import pandas as pd\ndf = pd.read_csv('x.csv')",
			wantMethod: "untagged_fence",
		},
		{
			name:       "fence without trailing newline",
			text:       "```python\nprint(df.shape)```",
			wantCode:   "print(df.shape)",
			wantMethod: "loose_fence",
		},
		{
			name:       "raw response with pandas imports",
			text:       "import pandas as pd\ndf = pd.read_csv('data.csv')\nprint(df.describe().to_string())",
			wantCode:   "import pandas as pd\ndf = pd.read_csv('data.csv')\nprint(df.describe().to_string())",
			wantMethod: "raw_response",
		},
		{
			name:       "dataframe substring buried in prose",
			text:       "You could do something like\ndf.groupby('region').sum()\nwhich aggregates the data.",
			wantCode:   "df.groupby('region').sum()",
			wantMethod: "dataframe_substring",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, method, ok := ExtractCode(tt.text)
			if !ok {
				t.Fatal("ExtractCode found nothing")
			}
			if method != tt.wantMethod {
				t.Errorf("method = %q, want %q", method, tt.wantMethod)
			}
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestExtractCodeNoCode(t *testing.T) {
	for _, text := range []string{
		"",
		"I'm sorry, I cannot answer that question.",
		"The answer is 42.",
	} {
		if code, method, ok := ExtractCode(text); ok {
			t.Errorf("ExtractCode(%q) = %q via %q, want miss", text, code, method)
		}
	}
}

func TestExtractExcludesProse(t *testing.T) {
	text := "Sure! Here's how to compute it:\n\n```python\ntotal = df['amount'].sum()\nprint(total)\n```\n\nThis sums the amount column."
	code, _, ok := ExtractCode(text)
	if !ok {
		t.Fatal("extraction failed")
	}
	if strings.Contains(code, "Sure!") || strings.Contains(code, "This sums") {
		t.Errorf("extracted code contains prose: %q", code)
	}
}

func TestStrategiesAreDeterministic(t *testing.T) {
	names := func() []string {
		var out []string
		for _, s := range Strategies() {
			out = append(out, s.Name)
		}
		return out
	}

	first := names()
	want := []string{"tagged_fence", "untagged_fence", "loose_fence", "raw_response", "dataframe_substring"}
	if len(first) != len(want) {
		t.Fatalf("strategies = %v", first)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("strategy[%d] = %q, want %q", i, first[i], want[i])
		}
	}
}
