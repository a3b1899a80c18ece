// Package config loads the daemon's configuration file (YAML, or
// JSON/JSON5 by extension), applies environment-variable expansion and
// overrides, fills defaults, and validates the result.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/relaycore/relayd/internal/mcp"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	LLM     LLMConfig     `yaml:"llm" json:"llm"`
	MCP     MCPConfig     `yaml:"mcp" json:"mcp"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	Port int `yaml:"port" json:"port"`
	// BaseDir is the daemon's persisted-layout root; defaults to
	// ~/.relayd. Conversations, workflows, executions, and skills live
	// under it.
	BaseDir string `yaml:"base_dir" json:"base_dir"`
}

// LLMConfig configures the chat completion endpoint.
type LLMConfig struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	Model      string        `yaml:"model" json:"model"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	APIVersion string        `yaml:"api_version" json:"api_version"`
	MaxTokens  int           `yaml:"max_tokens" json:"max_tokens"`
	SSETimeout time.Duration `yaml:"sse_timeout" json:"sse_timeout"`
}

// MCPConfig mirrors the persisted `{mcpServers: {name -> {...}}}` shape.
type MCPConfig struct {
	Servers map[string]MCPServerEntry `yaml:"mcpServers" json:"mcpServers"`
}

// MCPServerEntry is one entry in the mcpServers map. Entries without a
// Command are skipped by the manager (non-stdio transport).
type MCPServerEntry struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
	URL     string            `yaml:"url" json:"url"`
}

// ServerConfigs converts the config-file representation into the ordered
// slice the mcp.Manager expects. Map iteration order is not stable, so
// the entries are sorted by server name, giving a deterministic startup
// order (and so a deterministic "earliest-registered" winner).
func (c MCPConfig) ServerConfigs() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(c.Servers))
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := c.Servers[name]
		out = append(out, mcp.ServerConfig{
			Name:    name,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			URL:     entry.URL,
		})
	}
	return out
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OpenTelemetry distributed tracing. An empty
// Endpoint disables export entirely; spans are still created but discarded
// by a no-op tracer, so instrumented code paths never need a nil check.
type TracingConfig struct {
	// Endpoint is the OTLP/gRPC collector address (e.g. "localhost:4317").
	// Empty disables tracing.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// ServiceName identifies this daemon instance in traces. Defaults to
	// "relayd".
	ServiceName string `yaml:"service_name" json:"service_name"`
	// Environment tags every span's resource (e.g. "production", "dev").
	Environment string `yaml:"environment" json:"environment"`
	// SamplingRate is the fraction of traces recorded, 0.0-1.0. Defaults
	// to 1.0.
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	// EnableInsecure disables TLS on the OTLP connection; local/dev only.
	EnableInsecure bool `yaml:"insecure" json:"insecure"`
}

// Load reads path, expands ${VAR} references against the process
// environment, decodes strict YAML (or JSON/JSON5, selected by the file
// extension), applies defaults, loads the base directory's .env file if
// present, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if isJSON5Path(path) {
		if err := json5.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	} else {
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
		if err := decoder.Decode(new(struct{})); err != io.EOF {
			return nil, fmt.Errorf("config: expected a single YAML document")
		}
	}

	applyDefaults(&cfg)

	if err := loadDotEnv(filepath.Join(cfg.Server.BaseDir, ".env"), &cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// isJSON5Path reports whether path's extension selects the JSON5 decoder
// over the default YAML one. JSON5 is a superset of JSON, so plain .json
// files take this path too.
func isJSON5Path(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return true
	default:
		return false
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9200
	}
	if cfg.Server.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Server.BaseDir = filepath.Join(home, ".relayd")
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.SSETimeout == 0 {
		cfg.LLM.SSETimeout = 300 * time.Second
	}
	if cfg.LLM.APIVersion == "" {
		cfg.LLM.APIVersion = "2023-06-01"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("RELAYD_LLM_API_KEY")
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "relayd"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = os.Getenv("RELAYD_OTEL_ENDPOINT")
	}
}

// loadDotEnv applies a base-directory .env file's KEY=VALUE lines as
// additional credential sources, without overriding values already set
// explicitly in the YAML config. Missing file is not an error.
func loadDotEnv(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read .env: %w", err)
	}
	defer f.Close()

	env := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: scan .env: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		if v, ok := env["RELAYD_LLM_API_KEY"]; ok {
			cfg.LLM.APIKey = v
		} else if v, ok := env["ANTHROPIC_API_KEY"]; ok {
			cfg.LLM.APIKey = v
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", cfg.Server.Port)
	}
	for name, entry := range cfg.MCP.Servers {
		if entry.Command == "" && entry.URL == "" {
			return fmt.Errorf("config: mcp server %q has neither command nor url", name)
		}
	}
	return nil
}

