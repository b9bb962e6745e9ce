// Package config provides unified configuration for the datachat gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (DATACHAT_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the datachat gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Model         ModelConfig         `yaml:"model"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Session       SessionConfig       `yaml:"session"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Codegen       CodegenConfig       `yaml:"codegen"`
	Docsearch     DocsearchConfig     `yaml:"docsearch"`
	Research      ResearchConfig      `yaml:"research"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Debug         DebugConfig         `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 180s
	MaxUploadMB  int           `yaml:"max_upload_mb"` // default: 50
}

// ModelConfig holds language-model backend settings. The backend speaks
// the OpenAI Chat Completions protocol (Groq, vLLM, OpenAI proper).
type ModelConfig struct {
	BackendURL string        `yaml:"backend_url"` // required
	APIKey     string        `yaml:"api_key"`
	APIKeyFile string        `yaml:"api_key_file"` // _file variant for api_key
	Model      string        `yaml:"model"`        // required
	Timeout    time.Duration `yaml:"timeout"`      // per-call timeout, default: 120s
	MaxTokens  int           `yaml:"max_tokens"`   // default: 2048
}

// SandboxConfig holds sandbox provisioning and execution settings.
type SandboxConfig struct {
	// Mode selects sandbox provisioning: "static" (fixed URL) or
	// "kubernetes" (SandboxClaim CRDs). Default: "static".
	Mode string `yaml:"mode"`

	// URL is the sandbox server base URL (static mode).
	URL string `yaml:"url"`

	// Template is the SandboxTemplate CRD name (kubernetes mode).
	Template string `yaml:"template"`

	// Namespace is the Kubernetes namespace for SandboxClaims.
	Namespace string `yaml:"namespace"`

	// CreateTimeout bounds sandbox creation, which is a blocking remote
	// call distinct from execution. Default: 60s.
	CreateTimeout time.Duration `yaml:"create_timeout"`

	// ExecTimeout bounds a single code execution. Default: 30s.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// ClaimTimeout bounds waiting for a SandboxClaim to bind. Default: 30s.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	Type     string         `yaml:"type"`     // "memory" or "postgres", default: "memory"
	IdleTTL  time.Duration  `yaml:"idle_ttl"` // idle sandbox eviction, default: 30m
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"` // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// ClassifierConfig holds query classification settings.
type ClassifierConfig struct {
	// Fallback is the query kind used when the model's label is ambiguous
	// or malformed: "tabular", "document", or "research". This is policy,
	// not a hard-coded rule. Default: "research".
	Fallback string `yaml:"fallback"`

	// Temperature for the classification call. Default: 0.1.
	Temperature float64 `yaml:"temperature"`
}

// CodegenConfig holds code generation loop settings.
type CodegenConfig struct {
	// Temperature for the first generation attempt. Default: 0.1.
	Temperature float64 `yaml:"temperature"`

	// RetryTemperature for the single stricter retry. Default: 0.0.
	RetryTemperature float64 `yaml:"retry_temperature"`

	// PreviewRows bounds the sample rows in the mandatory data preview.
	// Default: 5.
	PreviewRows int `yaml:"preview_rows"`
}

// DocsearchConfig holds document search and extraction settings.
type DocsearchConfig struct {
	// MaxCandidates is the size of the ranked candidate list. Default: 5.
	MaxCandidates int `yaml:"max_candidates"`

	// MaxExtractions caps PDF extractions per query. Default: 5.
	MaxExtractions int `yaml:"max_extractions"`

	// CharBudget truncates extracted text per document. Default: 8000.
	CharBudget int `yaml:"char_budget"`
}

// ResearchConfig holds web research settings. When no MCP servers are
// configured, the research path reports itself unavailable.
type ResearchConfig struct {
	Servers  []MCPServerConfig `yaml:"servers"`
	MaxTurns int               `yaml:"max_turns"` // agentic tool loop bound, default: 5
}

// MCPServerConfig describes a single MCP server connection.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "sse" or "streamable-http"
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Token     string            `yaml:"token"`
	TokenFile string            `yaml:"token_file"` // _file variant for token
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey", "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig enables the in-process per-subject rate limiter.
type RateLimitConfig struct {
	Enabled    bool           `yaml:"enabled"`
	DefaultRPM int            `yaml:"default_rpm"` // default: 60
	Tiers      map[string]int `yaml:"tiers"`       // service tier -> requests per minute
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key"`
	KeyFile     string `yaml:"key_file"` // _file variant for key
	Subject     string `yaml:"subject"`
	TenantID    string `yaml:"tenant_id"`
	ServiceTier string `yaml:"service_tier"`
}

// JWTConfig describes the JWT/OIDC authenticator settings.
type JWTConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwks_url"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// DebugConfig holds debug logging settings (overridable by env).
type DebugConfig struct {
	Categories string `yaml:"categories"`
	Level      string `yaml:"level"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 180 * time.Second,
			MaxUploadMB:  50,
		},
		Model: ModelConfig{
			Timeout:   120 * time.Second,
			MaxTokens: 2048,
		},
		Sandbox: SandboxConfig{
			Mode:          "static",
			CreateTimeout: 60 * time.Second,
			ExecTimeout:   30 * time.Second,
			ClaimTimeout:  30 * time.Second,
		},
		Session: SessionConfig{
			Type:    "memory",
			IdleTTL: 30 * time.Minute,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Classifier: ClassifierConfig{
			Fallback:    "research",
			Temperature: 0.1,
		},
		Codegen: CodegenConfig{
			Temperature:      0.1,
			RetryTemperature: 0.0,
			PreviewRows:      5,
		},
		Docsearch: DocsearchConfig{
			MaxCandidates:  5,
			MaxExtractions: 5,
			CharBudget:     8000,
		},
		Research: ResearchConfig{
			MaxTurns: 5,
		},
		Auth: AuthConfig{
			Type: "none",
			RateLimit: RateLimitConfig{
				DefaultRPM: 60,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
