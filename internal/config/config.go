package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Melodia server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	SongGen  SongGenConfig
	Lyrics   LyricsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// SongGenConfig configures the external song generation provider and the
// polling budgets applied to every task.
type SongGenConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollMaxRetries int
	TaskTimeout    time.Duration
}

type LyricsConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	CacheTTL         time.Duration
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MELODIA_PORT", 8080),
			Env:  envString("MELODIA_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		SongGen: SongGenConfig{
			BaseURL:        os.Getenv("SONGGEN_BASE_URL"),
			APIKey:         os.Getenv("SONGGEN_API_KEY"),
			RequestTimeout: envDuration("SONGGEN_REQUEST_TIMEOUT", 30*time.Second),
			PollInterval:   envDuration("SONGGEN_POLL_INTERVAL", 3*time.Second),
			PollMaxRetries: envInt("SONGGEN_POLL_MAX_RETRIES", 5),
			TaskTimeout:    envDuration("SONGGEN_TASK_TIMEOUT", 10*time.Minute),
		},
		Lyrics: LyricsConfig{
			Provider:         os.Getenv("LYRICS_PROVIDER"),
			InferenceTimeout: envDurationSecs("LYRICS_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			CacheTTL:         envDuration("LYRICS_CACHE_TTL", 24*time.Hour),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.SongGen.BaseURL == "" {
		return fmt.Errorf("SONGGEN_BASE_URL is required")
	}
	if !strings.HasPrefix(c.SongGen.BaseURL, "http://") && !strings.HasPrefix(c.SongGen.BaseURL, "https://") {
		return fmt.Errorf("SONGGEN_BASE_URL must start with http:// or https://, got %q", c.SongGen.BaseURL)
	}
	if c.SongGen.APIKey == "" {
		return fmt.Errorf("SONGGEN_API_KEY is required")
	}
	if c.SongGen.PollInterval <= 0 {
		return fmt.Errorf("SONGGEN_POLL_INTERVAL must be positive, got %s", c.SongGen.PollInterval)
	}
	if c.SongGen.TaskTimeout <= c.SongGen.PollInterval {
		return fmt.Errorf("SONGGEN_TASK_TIMEOUT must be longer than SONGGEN_POLL_INTERVAL")
	}

	if c.Lyrics.Provider == "" {
		return fmt.Errorf("LYRICS_PROVIDER is required")
	}
	if !validProviders[c.Lyrics.Provider] {
		return fmt.Errorf("LYRICS_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.Lyrics.Provider)
	}

	if c.Lyrics.Provider == "openai" && c.Lyrics.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when LYRICS_PROVIDER is openai")
	}
	if c.Lyrics.Provider == "anthropic" && c.Lyrics.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when LYRICS_PROVIDER is anthropic")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
