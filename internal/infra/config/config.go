package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Telegram TelegramConfig `yaml:"telegram"`
	Models   ModelsConfig   `yaml:"models"`
	Stream   StreamConfig   `yaml:"stream"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token       string  `yaml:"token"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	PollTimeout int     `yaml:"poll_timeout"` // long-poll timeout, seconds
	RequestsPer float64 `yaml:"requests_per_second"`
	Burst       int     `yaml:"burst"`
}

// ModelsConfig holds the candidate model list and backend connection
// settings. Candidates are tried in listed order; the list is static at
// run time.
type ModelsConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Candidates  []string      `yaml:"candidates"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-candidate circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// StreamConfig holds the flush policy and segmentation settings for
// streamed response delivery.
type StreamConfig struct {
	// EditInterval is the time budget between visible edits.
	EditInterval time.Duration `yaml:"edit_interval"`
	// BufferWords is the buffered word count that forces an edit.
	BufferWords int `yaml:"buffer_words"`
	// SegmentCapacity is the channel's maximum message length.
	SegmentCapacity int `yaml:"segment_capacity"`
	// CancelTimeout bounds how long a cancel request waits for the
	// streaming task to confirm teardown before force-releasing it.
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	// StopPhrase cancels an in-flight stream when received as a message,
	// in addition to the /stop command.
	StopPhrase string `yaml:"stop_phrase,omitempty"`
}

// SessionsConfig holds history compaction and reaping settings.
type SessionsConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	// MaxTurns caps the history passed to the model: the system turn plus
	// the most recent MaxTurns turns.
	MaxTurns int `yaml:"max_turns"`
	// TokenBudget additionally caps the history by encoded token count.
	// 0 disables token-aware compaction.
	TokenBudget int `yaml:"token_budget"`
	// Encoding is the tiktoken encoding used for the token budget.
	Encoding string `yaml:"encoding"`
	// ReapSchedule is a cron expression for the stale-session sweep.
	ReapSchedule string `yaml:"reap_schedule"`
	// MaxAge is the idle age after which a session is reaped.
	MaxAge time.Duration `yaml:"max_age"`
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Telegram: TelegramConfig{
			BaseURL:     "https://api.telegram.org",
			PollTimeout: 30,
			RequestsPer: 25,
			Burst:       5,
		},
		Models: ModelsConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 3,
				Timeout:     5 * time.Minute,
				Interval:    time.Minute,
			},
		},
		Stream: StreamConfig{
			EditInterval:    2 * time.Second,
			BufferWords:     12,
			SegmentCapacity: 4096,
			CancelTimeout:   10 * time.Second,
		},
		Sessions: SessionsConfig{
			SystemPrompt: defaultSystemPrompt,
			MaxTurns:     10,
			Encoding:     "cl100k_base",
			ReapSchedule: "@every 15m",
			MaxAge:       2 * time.Hour,
		},
	}
}

const defaultSystemPrompt = "You are a general-purpose assistant. " +
	"Be helpful, accurate and concise. Decline harmful requests."

// Load reads a YAML config file over Defaults and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATRELAY_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CHATRELAY_MODELS_API_KEY"); v != "" {
		cfg.Models.APIKey = v
	}
	if v := os.Getenv("CHATRELAY_MODELS_BASE_URL"); v != "" {
		cfg.Models.BaseURL = v
	}
	if v := os.Getenv("CHATRELAY_MODEL_CANDIDATES"); v != "" {
		var models []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
		if len(models) > 0 {
			cfg.Models.Candidates = models
		}
	}
	if v := os.Getenv("CHATRELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATRELAY_STREAM_EDIT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.EditInterval = d
		}
	}
	if v := os.Getenv("CHATRELAY_STREAM_BUFFER_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.BufferWords = n
		}
	}
	if v := os.Getenv("CHATRELAY_STREAM_SEGMENT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.SegmentCapacity = n
		}
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(c.Models.Candidates) == 0 {
		return fmt.Errorf("models.candidates must list at least one model")
	}
	if c.Stream.SegmentCapacity <= 0 {
		return fmt.Errorf("stream.segment_capacity must be positive")
	}
	if c.Stream.EditInterval <= 0 {
		return fmt.Errorf("stream.edit_interval must be positive")
	}
	if c.Stream.BufferWords <= 0 {
		return fmt.Errorf("stream.buffer_words must be positive")
	}
	return nil
}
