// Package config loads and validates pagenerd configuration.
// Values come from an optional YAML file with environment overrides.
// The resulting Config is treated as immutable and passed explicitly
// into component constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pagenerd configuration.
type Config struct {
	// Confluence repository credentials and scoping
	Confluence ConfluenceConfig `yaml:"confluence"`

	// Gemini API settings (intent classification + summarization)
	Gemini GeminiConfig `yaml:"gemini"`

	// MCP subprocess settings
	MCP MCPConfig `yaml:"mcp"`

	// Operational limits
	Limits Limits `yaml:"limits"`

	// Debug enables verbose logging
	Debug bool `yaml:"debug"`

	// HistoryPath is the SQLite file for the request journal.
	// Empty disables history.
	HistoryPath string `yaml:"history_path"`
}

// ConfluenceConfig identifies the target repository.
type ConfluenceConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	APIToken     string `yaml:"api_token"`
	SpacesFilter string `yaml:"spaces_filter"` // default space scope, fallback only
}

// GeminiConfig configures the LLM backend.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// MCPConfig configures the tool-provider subprocess.
type MCPConfig struct {
	// Command is the full launch command, split on whitespace.
	Command string `yaml:"command"`

	// StartTimeout bounds the readiness handshake ("30s" default,
	// sized for a container cold start).
	StartTimeout string `yaml:"start_timeout"`

	// CallTimeout bounds a single tool call.
	CallTimeout string `yaml:"call_timeout"`
}

// Limits holds the orchestration bounds.
type Limits struct {
	// MaxContentLength caps content handed to summarization, in characters.
	MaxContentLength int `yaml:"max_content_length"`

	// MaxSearchResults caps any requested result limit.
	MaxSearchResults int `yaml:"max_search_results"`

	// FanoutPages caps how many search hits get fetched for
	// aggregate summarization.
	FanoutPages int `yaml:"fanout_pages"`

	// FanoutWorkers bounds concurrent page fetches.
	FanoutWorkers int `yaml:"fanout_workers"`

	// SpacePageCap caps the space listing used for an overview.
	SpacePageCap int `yaml:"space_page_cap"`

	// SpaceSummaryPages caps how many listed pages feed the
	// space executive summary.
	SpaceSummaryPages int `yaml:"space_summary_pages"`

	// OperationTimeout is the soft deadline for one whole request.
	OperationTimeout string `yaml:"operation_timeout"`
}

const defaultMCPImage = "ghcr.io/sooperset/mcp-atlassian:latest"

// Default returns a Config with all limits at their defaults and no
// credentials set.
func Default() *Config {
	return &Config{
		Gemini: GeminiConfig{Model: "gemini-2.5-flash"},
		MCP: MCPConfig{
			Command:      "docker run -i --rm -e CONFLUENCE_URL -e CONFLUENCE_USERNAME -e CONFLUENCE_API_TOKEN " + defaultMCPImage,
			StartTimeout: "30s",
			CallTimeout:  "60s",
		},
		Limits: Limits{
			MaxContentLength:  8000,
			MaxSearchResults:  50,
			FanoutPages:       5,
			FanoutWorkers:     4,
			SpacePageCap:      50,
			SpaceSummaryPages: 15,
			OperationTimeout:  "5m",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment overrides, in that precedence order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.Confluence.URL, "CONFLUENCE_URL")
	setString(&c.Confluence.Username, "CONFLUENCE_USERNAME")
	setString(&c.Confluence.APIToken, "CONFLUENCE_API_TOKEN")
	setString(&c.Confluence.SpacesFilter, "CONFLUENCE_SPACES_FILTER")
	setString(&c.Gemini.APIKey, "GOOGLE_API_KEY")
	setString(&c.Gemini.Model, "GEMINI_MODEL")
	setString(&c.MCP.Command, "PAGENERD_MCP_COMMAND")
	setString(&c.HistoryPath, "PAGENERD_HISTORY_PATH")

	if v := os.Getenv("MAX_CONTENT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.MaxContentLength = n
		}
	}
	if v := os.Getenv("MAX_SEARCH_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.MaxSearchResults = n
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Debug = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks required values once, before any operation runs.
// It reports every missing or placeholder value in one message.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"confluence URL (CONFLUENCE_URL)", c.Confluence.URL},
		{"confluence username (CONFLUENCE_USERNAME)", c.Confluence.Username},
		{"confluence API token (CONFLUENCE_API_TOKEN)", c.Confluence.APIToken},
		{"gemini API key (GOOGLE_API_KEY)", c.Gemini.APIKey},
	}

	var missing, placeholder []string
	for _, r := range required {
		switch {
		case r.value == "":
			missing = append(missing, r.name)
		case strings.HasPrefix(r.value, "your_"):
			placeholder = append(placeholder, r.name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(placeholder) > 0 {
		return fmt.Errorf("replace placeholder values for: %s", strings.Join(placeholder, ", "))
	}
	if strings.TrimSpace(c.MCP.Command) == "" {
		return fmt.Errorf("missing required configuration: MCP command")
	}
	return nil
}

// MCPEnv returns the credential entries handed to the tool subprocess.
func (c *Config) MCPEnv() []string {
	return []string{
		"CONFLUENCE_URL=" + c.Confluence.URL,
		"CONFLUENCE_USERNAME=" + c.Confluence.Username,
		"CONFLUENCE_API_TOKEN=" + c.Confluence.APIToken,
	}
}

// StartTimeout parses MCP.StartTimeout, falling back to 30s.
func (c *Config) StartTimeout() time.Duration {
	return parseDuration(c.MCP.StartTimeout, 30*time.Second)
}

// CallTimeout parses MCP.CallTimeout, falling back to 60s.
func (c *Config) CallTimeout() time.Duration {
	return parseDuration(c.MCP.CallTimeout, 60*time.Second)
}

// OperationTimeout parses Limits.OperationTimeout, falling back to 5m.
func (c *Config) OperationTimeout() time.Duration {
	return parseDuration(c.Limits.OperationTimeout, 5*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
