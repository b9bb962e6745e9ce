package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, DATACHAT_CONFIG env, ./config.yaml, /etc/datachat/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	// Apply environment variable overrides.
	applyEnvOverrides(&cfg)

	// Resolve _file references.
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	// Validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. DATACHAT_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/datachat/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	// Explicit path takes priority.
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("DATACHAT_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/datachat/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATACHAT_BACKEND_URL"); v != "" {
		cfg.Model.BackendURL = v
	}
	if v := os.Getenv("DATACHAT_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("DATACHAT_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("DATACHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATACHAT_SANDBOX_MODE"); v != "" {
		cfg.Sandbox.Mode = v
	}
	if v := os.Getenv("DATACHAT_SANDBOX_URL"); v != "" {
		cfg.Sandbox.URL = v
	}
	if v := os.Getenv("DATACHAT_SANDBOX_TEMPLATE"); v != "" {
		cfg.Sandbox.Template = v
	}
	if v := os.Getenv("DATACHAT_SANDBOX_NAMESPACE"); v != "" {
		cfg.Sandbox.Namespace = v
	}
	if v := os.Getenv("DATACHAT_SESSION_STORE"); v != "" {
		cfg.Session.Type = v
	}
	if v := os.Getenv("DATACHAT_CLASSIFIER_FALLBACK"); v != "" {
		cfg.Classifier.Fallback = v
	}
	if v := os.Getenv("DATACHAT_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}

	// DATACHAT_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("DATACHAT_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err == nil && len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	// DATACHAT_RESEARCH_SERVERS: JSON array of MCP server configs.
	if v := os.Getenv("DATACHAT_RESEARCH_SERVERS"); v != "" {
		servers, err := parseMCPServersJSON(v)
		if err == nil && len(servers) > 0 {
			cfg.Research.Servers = servers
		}
	}
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// parseMCPServersJSON parses a JSON array of MCP server configurations.
func parseMCPServersJSON(jsonStr string) ([]MCPServerConfig, error) {
	var servers []MCPServerConfig
	if err := json.Unmarshal([]byte(jsonStr), &servers); err != nil {
		return nil, fmt.Errorf("parsing research servers JSON: %w", err)
	}
	return servers, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// model.api_key_file -> model.api_key
	if cfg.Model.APIKeyFile != "" && cfg.Model.APIKey == "" {
		val, err := readSecretFile(cfg.Model.APIKeyFile)
		if err != nil {
			return fmt.Errorf("model.api_key_file: %w", err)
		}
		cfg.Model.APIKey = val
	}

	// session.postgres.dsn_file -> session.postgres.dsn
	if cfg.Session.Postgres.DSNFile != "" && cfg.Session.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Session.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("session.postgres.dsn_file: %w", err)
		}
		cfg.Session.Postgres.DSN = val
	}

	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	// research.servers[*].token_file -> research.servers[*].token
	for i := range cfg.Research.Servers {
		if cfg.Research.Servers[i].TokenFile != "" && cfg.Research.Servers[i].Token == "" {
			val, err := readSecretFile(cfg.Research.Servers[i].TokenFile)
			if err != nil {
				return fmt.Errorf("research.servers[%d].token_file: %w", i, err)
			}
			cfg.Research.Servers[i].Token = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
