// Package config loads officeagent settings from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// OFFICEAGENT_SERVER_ADDR or OFFICEAGENT_SANDBOX_IMAGE.
const EnvPrefix = "OFFICEAGENT"

const (
	StoreSQLite = "sqlite"
	StoreJSONL  = "jsonl"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	LauncherDocker  = "docker"
	LauncherGateway = "gateway"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DataDir    string           `mapstructure:"data_dir"`
	FilesDir   string           `mapstructure:"files_dir"`
	Store      StoreConfig      `mapstructure:"store"`
	Model      ModelConfig      `mapstructure:"model"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	// Driver is sqlite or jsonl.
	Driver string `mapstructure:"driver"`
}

type ModelConfig struct {
	Provider     string `mapstructure:"provider"`
	Name         string `mapstructure:"name"`
	BaseURL      string `mapstructure:"base_url"`
	OpenAIAPIKey string `mapstructure:"openai_api_key"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
}

// APIKey returns the key of the configured provider.
func (m ModelConfig) APIKey() string {
	if m.Provider == ProviderGemini {
		return m.GeminiAPIKey
	}
	return m.OpenAIAPIKey
}

type SandboxConfig struct {
	// Launcher is docker (one container per session) or gateway (kernels
	// on an already running kernel gateway at GatewayURL).
	Launcher       string        `mapstructure:"launcher"`
	Image          string        `mapstructure:"image"`
	GatewayURL     string        `mapstructure:"gateway_url"`
	GatewayToken   string        `mapstructure:"gateway_token"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

type AgentConfig struct {
	MaxSteps      int `mapstructure:"max_steps"`
	MaxToolOutput int `mapstructure:"max_tool_output"`
	MaxRows       int `mapstructure:"max_rows"`
}

type CompactionConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Threshold        float64 `mapstructure:"threshold"`
	MaxContextTokens int     `mapstructure:"max_context_tokens"`
	Model            string  `mapstructure:"model"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("files_dir", "")
	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("model.provider", ProviderOpenAI)
	v.SetDefault("model.name", "gpt-4o")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.openai_api_key", "")
	v.SetDefault("model.gemini_api_key", "")
	v.SetDefault("sandbox.launcher", LauncherDocker)
	v.SetDefault("sandbox.image", "officeagent-sandbox:latest")
	v.SetDefault("sandbox.gateway_url", "")
	v.SetDefault("sandbox.gateway_token", "")
	v.SetDefault("sandbox.read_timeout", "10s")
	v.SetDefault("sandbox.startup_timeout", "120s")
	v.SetDefault("agent.max_steps", 25)
	v.SetDefault("agent.max_tool_output", 20000)
	v.SetDefault("agent.max_rows", 100)
	v.SetDefault("compaction.enabled", true)
	v.SetDefault("compaction.threshold", 0.6)
	v.SetDefault("compaction.max_context_tokens", 0)
	v.SetDefault("compaction.model", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The conventional vendor variables work without the prefix.
	if err := v.BindEnv("model.openai_api_key", EnvPrefix+"_MODEL_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("model.gemini_api_key", EnvPrefix+"_MODEL_GEMINI_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.FilesDir == "" {
		cfg.FilesDir = filepath.Join(cfg.DataDir, "files")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreSQLite, StoreJSONL:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown model provider %q", c.Model.Provider))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model name is required"))
	}
	switch c.Sandbox.Launcher {
	case LauncherDocker:
	case LauncherGateway:
		if c.Sandbox.GatewayURL == "" {
			errs = append(errs, errors.New("sandbox gateway_url is required for the gateway launcher"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sandbox launcher %q", c.Sandbox.Launcher))
	}
	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, errors.New("agent max_steps must be positive"))
	}
	if c.Compaction.Threshold <= 0 || c.Compaction.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("compaction threshold %v must be between 0 and 1", c.Compaction.Threshold))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
