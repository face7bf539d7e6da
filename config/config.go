// Package config loads the fixflowd server configuration from TOML.
// Secret-bearing fields support ${VAR} environment expansion so API keys
// stay out of config files.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Model   ModelConfig   `toml:"model"`
	Store   StoreConfig   `toml:"store"`
	Tools   ToolsConfig   `toml:"tools"`
	Router  RouterConfig  `toml:"router"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr string `toml:"addr"`
	// OwnerHeader names the trusted header carrying the caller identity.
	// The server sits behind an authenticating proxy; it never performs
	// authentication itself.
	OwnerHeader string `toml:"owner_header"`
}

// ModelConfig selects and tunes the chat model provider.
type ModelConfig struct {
	Provider    string  `toml:"provider"` // "openai" or "anthropic"
	Name        string  `toml:"name"`
	APIKey      string  `toml:"api_key"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int64   `toml:"max_tokens"`
	Stream      bool    `toml:"stream"`
}

// StoreConfig selects conversation persistence.
type StoreConfig struct {
	Driver string `toml:"driver"` // "memory" or "sqlite"
	Path   string `toml:"path"`
}

// ToolsConfig tunes the lookup tool clients.
type ToolsConfig struct {
	IFixitBaseURL string `toml:"ifixit_base_url"`
	TavilyAPIKey  string `toml:"tavily_api_key"`
}

// RouterConfig bounds the orchestration loop.
type RouterConfig struct {
	MaxRounds          int `toml:"max_rounds"`
	ToolTimeoutSeconds int `toml:"tool_timeout_seconds"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", OwnerHeader: "X-Owner-ID"},
		Model: ModelConfig{
			Provider:    "openai",
			Temperature: 0.7,
			MaxTokens:   4096,
			Stream:      true,
		},
		Store:   StoreConfig{Driver: "memory", Path: "fixflow.db"},
		Router:  RouterConfig{MaxRounds: 6, ToolTimeoutSeconds: 15},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the TOML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		cfg.expand()
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.expand()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) expand() {
	c.Model.APIKey = os.ExpandEnv(c.Model.APIKey)
	c.Tools.TavilyAPIKey = os.ExpandEnv(c.Tools.TavilyAPIKey)
}

func (c *Config) validate() error {
	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store driver sqlite requires a path")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Router.MaxRounds < 1 {
		return fmt.Errorf("router max_rounds must be at least 1")
	}
	return nil
}
