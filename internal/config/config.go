package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Streaming and REST endpoints exposed by the analysis backend
const (
	EndpointRun           = "/api/run"
	EndpointAnalyzeGemini = "/api/analyze/gemini"
	EndpointAnalyzeQVQ    = "/api/analyze/qvq"
	EndpointAnalyzeMerge  = "/api/analyze/merge"
	EndpointUploadVideo   = "/api/upload-video"
	EndpointConversations = "/api/conversations"
	EndpointSettings      = "/api/settings"
	EndpointAuth          = "/api/auth"
)

// Model identifiers understood by the backend
const (
	ModelGemini    = "gemini"
	ModelQVQ       = "qvq"
	ModelQwen      = "qwen"
	ModelDashscope = "dashscope"
)

// LoginPath is where the client navigates when the backend session expires
const LoginPath = "/login"

// Config holds application configuration
type Config struct {
	BaseURL   string `yaml:"base_url"`
	ChatModel string `yaml:"chat_model"`
	Debug     bool   `yaml:"debug"`

	LogDir     string `yaml:"log_dir"`
	DBPath     string `yaml:"db_path"`
	Telemetry  bool   `yaml:"telemetry"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	RememberMe bool   `yaml:"remember_me"`
}

// Defaults returns the configuration used when no file or flags are given
func Defaults() Config {
	return Config{
		BaseURL:   "http://localhost:5001",
		ChatModel: ModelDashscope,
		LogDir:    "logs",
		DBPath:    "trafficeye.db",
		Telemetry: true,
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is not
// an error; environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// ApplyEnvOverrides lets TRAFFICEYE_* variables replace file values
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRAFFICEYE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("TRAFFICEYE_CHAT_MODEL"); v != "" {
		cfg.ChatModel = v
	}
	if v := os.Getenv("TRAFFICEYE_DEBUG"); v == "true" {
		cfg.Debug = true
	}
	if v := os.Getenv("TRAFFICEYE_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("TRAFFICEYE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRAFFICEYE_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("TRAFFICEYE_PASSWORD"); v != "" {
		cfg.Password = v
	}
}

// Validate checks the fields every component depends on
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://, got %q", c.BaseURL)
	}
	if c.ChatModel == "" {
		return fmt.Errorf("chat_model must not be empty")
	}
	return nil
}

// URL joins the backend base URL with an endpoint path
func (c Config) URL(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + endpoint
}
