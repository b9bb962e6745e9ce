package openaichat

import "time"

// Config holds configuration for the Chat Completions provider adapter.
type Config struct {
	// BaseURL is the backend URL (e.g., "https://api.groq.com/openai").
	BaseURL string

	// APIKey for backend authentication (optional for local backends).
	APIKey string

	// Timeout for individual HTTP requests. Defaults to 120s.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 120 * time.Second,
	}
}
