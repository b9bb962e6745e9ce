package api

import "time"

// FileKind distinguishes tabular data files from documents.
type FileKind string

const (
	FileKindTabular  FileKind = "tabular"
	FileKindDocument FileKind = "document"
)

// QueryKind is the routing category assigned to an inbound message.
type QueryKind string

const (
	QueryKindTabular  QueryKind = "tabular"
	QueryKindDocument QueryKind = "document"
	QueryKindResearch QueryKind = "research"
)

// ExecStatus is the terminal status of one sandbox execution attempt.
type ExecStatus string

const (
	ExecStatusSuccess      ExecStatus = "success"
	ExecStatusRuntimeError ExecStatus = "runtime_error"
	ExecStatusTimeout      ExecStatus = "timeout"
)

// NoOutputStatusLine is the human-readable status line emitted when an
// execution succeeds but produces no output. The execution transcript
// must never contain a silently empty section.
const NoOutputStatusLine = "executed successfully, no output produced"

// ChatRequest is the inbound chat contract.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ChartRef points a client at a chart produced during execution.
type ChartRef struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// ChatResponse is the outbound chat contract.
//
// ExecutionOutput is always an array of strings, never omitted when HasCode
// is true, and always contains at least one element (a status line) even
// when no analytical output was produced.
type ChatResponse struct {
	Response        string     `json:"response"`
	HasCode         bool       `json:"has_code"`
	Code            string     `json:"code,omitempty"`
	ExecutionOutput []string   `json:"execution_output"`
	Charts          []ChartRef `json:"charts"`
	Error           string     `json:"error,omitempty"`
}

// ColumnsInfo describes the schema of a tabular file.
type ColumnsInfo struct {
	Columns []string          `json:"columns"`
	Shape   [2]int            `json:"shape"` // [rows, cols]
	Dtypes  map[string]string `json:"dtypes,omitempty"`
	Sample  []map[string]any  `json:"sample,omitempty"`
}

// UploadResult is returned from file registration. ColumnsInfo is populated
// for tabular files only.
type UploadResult struct {
	Filename    string       `json:"filename"`
	SessionID   string       `json:"session_id"`
	ColumnsInfo *ColumnsInfo `json:"columns_info,omitempty"`
}

// FileDescriptor describes one uploaded file registered with a session.
// ColumnSchema is nil for documents.
type FileDescriptor struct {
	Filename     string       `json:"filename"`
	Kind         FileKind     `json:"kind"`
	SandboxPath  string       `json:"sandbox_path"`
	ColumnSchema *ColumnsInfo `json:"column_schema,omitempty"`
	UploadedAt   time.Time    `json:"uploaded_at"`
}

// QueryClassification is the routing decision for a single message.
// It is computed per message and never cached: the same text may classify
// differently once the file manifest changes.
type QueryClassification struct {
	Kind     QueryKind `json:"kind"`
	RawLabel string    `json:"raw_label"` // the model's verbatim label, for diagnostics
}

// CodeArtifact is a validated, executable snippet produced by the generation
// loop. It is immutable once Validated is set; the loop never hands out
// unvalidated code.
type CodeArtifact struct {
	Source           string `json:"source"`
	ExtractionMethod string `json:"extraction_method"`
	Validated        bool   `json:"validated"`
}

// ExecutionResult is the terminal outcome of one sandbox execution attempt.
// A failed attempt produces a new ExecutionResult, never a patch to a
// prior one. StdoutSections and Stderr are always present (empty string,
// not absent, when there was no output).
type ExecutionResult struct {
	StdoutSections []string   `json:"stdout_sections"`
	Stderr         string     `json:"stderr"`
	ChartFiles     []string   `json:"chart_files"`
	Status         ExecStatus `json:"status"`
}
