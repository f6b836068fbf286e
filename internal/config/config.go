// Package config loads the gateway's runtime configuration from a JSON
// file plus environment-variable overrides, in the style the rest of this
// codebase uses: a DefaultConfig, an env-override pass, and an accumulating
// Validate.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/logus2k/agent-gateway/internal/domain"
)

// Config is the top-level shape of agent_config.json.
type Config struct {
	Runtime    RuntimeConfig `json:"runtime"`
	Models     []ModelConfig `json:"models"`
	Memory     MemoryConfig  `json:"memory"`
	STT        STTConfig     `json:"stt"`
	TTS        TTSConfig     `json:"tts"`
	Router     RouterConfig  `json:"router"`
	Server     ServerConfig  `json:"server"`
	PresetsDir string        `json:"presets_dir"`
}

type RuntimeConfig struct {
	PoolSize           int `json:"pool_size"`
	PerRequestTimeoutS int `json:"per_request_timeout_s"`
}

type ModelConfig struct {
	Name         string         `json:"name"`
	Active       bool           `json:"active"`
	URL          string         `json:"url"`
	APIKey       string         `json:"api_key"`
	SystemPrompt string         `json:"system_prompt"`
	Params       map[string]any `json:"params"`
}

type MemoryStrategyConfig struct {
	MaxContextTokens int `json:"max_context_tokens"`
}

type MemoryConfig struct {
	Strategies struct {
		ThreadWindow MemoryStrategyConfig `json:"thread_window"`
	} `json:"strategies"`
}

type STTConfig struct {
	SocketPath string `json:"socket_path"`
}

type TTSConfig struct {
	URL string `json:"url"`
}

type RouterConfig struct {
	Enabled bool `json:"enabled"`
}

type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
}

// PresetsDir is used as given: a relative path is resolved against the
// process's working directory, not the config file's directory. (A
// preset's own system_prompt path, by contrast, is resolved relative to
// the preset file.)

func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{PoolSize: 1, PerRequestTimeoutS: 0},
		Models:  nil,
		Memory: MemoryConfig{
			Strategies: struct {
				ThreadWindow MemoryStrategyConfig `json:"thread_window"`
			}{ThreadWindow: MemoryStrategyConfig{MaxContextTokens: 1024}},
		},
		STT:        STTConfig{SocketPath: "socket.io"},
		TTS:        TTSConfig{},
		Router:     RouterConfig{Enabled: true},
		Server:     ServerConfig{Host: "0.0.0.0", Port: 8080, CORSOrigins: []string{"*"}},
		PresetsDir: "./presets",
	}
}

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load reads the config file named by GATEWAY_CONFIG (or ./agent_config.json)
// into DefaultConfig's values, applies environment overrides, and validates.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := getConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing configuration file: %s", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	envInt("GATEWAY_POOL_SIZE", &cfg.Runtime.PoolSize)
	envInt("GATEWAY_REQUEST_TIMEOUT_S", &cfg.Runtime.PerRequestTimeoutS)
	envInt("GATEWAY_MAX_CONTEXT_TOKENS", &cfg.Memory.Strategies.ThreadWindow.MaxContextTokens)
	envString("GATEWAY_STT_SOCKET_PATH", &cfg.STT.SocketPath)
	envString("GATEWAY_TTS_URL", &cfg.TTS.URL)
	envString("GATEWAY_SERVER_HOST", &cfg.Server.Host)
	envInt("GATEWAY_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("GATEWAY_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	envString("GATEWAY_PRESETS_DIR", &cfg.PresetsDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// ActiveModel returns the single model flagged active:true, failing if
// there is not exactly one.
func (c *Config) ActiveModel() (*ModelConfig, error) {
	var active *ModelConfig
	count := 0
	for i := range c.Models {
		if c.Models[i].Active {
			active = &c.Models[i]
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("config must have exactly one model with active:true, found %d", count)
	}
	return active, nil
}

// SamplingBaseline decodes Params (the raw JSON object from
// agent_config.json) into a SamplingOverrides, re-using its field tags
// rather than hand-mapping each recognized key.
func (m *ModelConfig) SamplingBaseline() (domain.SamplingOverrides, error) {
	var s domain.SamplingOverrides
	if len(m.Params) == 0 {
		return s, nil
	}
	data, err := json.Marshal(m.Params)
	if err != nil {
		return s, fmt.Errorf("encoding model %q params: %w", m.Name, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decoding model %q params: %w", m.Name, err)
	}
	return s, nil
}

// Validate checks configuration invariants, accumulating every violation
// before returning so a misconfigured deployment fails with one readable
// message instead of one-at-a-time.
func (c *Config) Validate() error {
	var errs []string

	if c.Runtime.PoolSize < 1 {
		errs = append(errs, "runtime.pool_size must be at least 1")
	}
	if c.Runtime.PerRequestTimeoutS < 0 {
		errs = append(errs, "runtime.per_request_timeout_s must not be negative")
	}

	if _, err := c.ActiveModel(); err != nil {
		errs = append(errs, err.Error())
	}
	for _, m := range c.Models {
		if m.Active && m.URL != "" && !isValidURL(m.URL) {
			errs = append(errs, fmt.Sprintf("model %q: url must be a valid URL", m.Name))
		}
	}

	if c.Memory.Strategies.ThreadWindow.MaxContextTokens < 1 {
		errs = append(errs, "memory.strategies.thread_window.max_context_tokens must be positive")
	}

	if c.TTS.URL != "" && !isValidURL(c.TTS.URL) {
		errs = append(errs, "tts.url must be a valid URL")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getConfigPath() string {
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("agent_config.json"); err == nil {
		return "agent_config.json"
	}
	return filepath.Join(".", "agent_config.json")
}
