package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full deployment configuration schema. Every recognized
// option is a field here; operators set them via YAML file, environment
// variables (MOTOPLAN_*), or accept the defaults. Precedence is
// defaults < file < environment.
type Config struct {
	// HTTP configures the API listener.
	HTTP HTTPConfig `yaml:"http"`

	// Redis configures the connection backing the generation store,
	// the job queue, and the cost ledger.
	Redis RedisConfig `yaml:"redis"`

	// AI configures the model endpoint used by the invoker.
	AI AIConfig `yaml:"ai"`

	// Generation configures the coordinator and its worker pool.
	Generation GenerationConfig `yaml:"generation"`

	// Export configures the exporter surface.
	Export ExportConfig `yaml:"export"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR. Default: INFO.
	LogLevel string `yaml:"log_level"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`

	// ReadTimeout bounds request reading. Default: 15s.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response writing. Downloads and long polls
	// must fit inside it. Default: 60s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Default: "localhost:6379".
	Addr string `yaml:"addr"`

	// Password is optional.
	Password string `yaml:"password"`

	// DB selects the logical database. Default: 0.
	DB int `yaml:"db"`
}

// AIConfig configures the model invoker.
type AIConfig struct {
	// BaseURL of the OpenAI-compatible chat completions endpoint.
	// Default: "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider. Usually set via
	// MOTOPLAN_AI_API_KEY rather than the file.
	APIKey string `yaml:"api_key"`

	// Model names the model to invoke. Default: "gpt-4o".
	Model string `yaml:"model"`

	// Temperature for generation. Default: 0.7.
	Temperature float32 `yaml:"temperature"`

	// MaxTokens bounds the model response. Default: 8000.
	MaxTokens int `yaml:"max_tokens"`

	// RequestTimeout bounds a single model call, independently of the
	// per-job deadline. Default: 5m.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// GenerationConfig configures the coordinator and worker pool.
type GenerationConfig struct {
	// WorkerCount is the bounded worker concurrency. When all workers
	// are busy new jobs stay pending and are picked up in FIFO order.
	// Default: 4.
	WorkerCount int `yaml:"worker_count"`

	// JobDeadline is the wall-clock deadline measured from job
	// creation; elapsing it fails the job with kind=timeout.
	// Default: 5m.
	JobDeadline time.Duration `yaml:"job_deadline"`

	// RetryDelay is the fixed backoff before the single retry of a
	// transient invoker failure. Default: 2s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// DequeueTimeout is how long a worker blocks waiting for a job.
	// Default: 5s.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`

	// ShutdownTimeout is how long Stop waits for in-flight jobs.
	// Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CancelPollInterval is how often a worker re-reads the record to
	// observe a cancellation request. Default: 500ms.
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`

	// SpendWindow is the rolling window the spend cap is computed
	// over. Default: 720h (30 days).
	SpendWindow time.Duration `yaml:"spend_window"`

	// SpendCap is the per-owner ceiling on summed cost ledger entries
	// within the window. Zero disables the cap. Default: 50.
	SpendCap float64 `yaml:"spend_cap"`

	// CostPerCall is the conservative per-call estimate used both for
	// the preflight cap check and as the recorded cost of a completed
	// call. Default: 0.25.
	CostPerCall float64 `yaml:"cost_per_call"`
}

// ExportConfig configures the exporter surface.
type ExportConfig struct {
	// MapyPointLimit is the maximum number of coordinates a Mapy.com
	// route URL may carry. Default: 15.
	MapyPointLimit int `yaml:"mapy_point_limit"`

	// GooglePointLimit is the maximum for Google Maps directions URLs.
	// Default: 25.
	GooglePointLimit int `yaml:"google_point_limit"`

	// CoordinatePrecision is the number of decimal places emitted for
	// coordinates in GPX and URLs. Default: 6 (~0.1 m).
	CoordinatePrecision int `yaml:"coordinate_precision"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns tracing/metrics export on. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC endpoint. Default: "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// ServiceName reported on every span. Default: "motoplan".
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the configuration defaults suitable for local
// development.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		AI: AIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o",
			Temperature:    0.7,
			MaxTokens:      8000,
			RequestTimeout: 5 * time.Minute,
		},
		Generation: GenerationConfig{
			WorkerCount:        4,
			JobDeadline:        5 * time.Minute,
			RetryDelay:         2 * time.Second,
			DequeueTimeout:     5 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			CancelPollInterval: 500 * time.Millisecond,
			SpendWindow:        720 * time.Hour,
			SpendCap:           50,
			CostPerCall:        0.25,
		},
		Export: ExportConfig{
			MapyPointLimit:      15,
			GooglePointLimit:    25,
			CoordinatePrecision: 6,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "motoplan",
		},
		LogLevel: "INFO",
	}
}

// LoadConfig builds the effective configuration: defaults, then the
// YAML file at path (skipped when path is empty), then environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays MOTOPLAN_* environment variables.
func (c *Config) applyEnvironment() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString(&c.HTTP.Addr, "MOTOPLAN_HTTP_ADDR")
	setString(&c.Redis.Addr, "MOTOPLAN_REDIS_ADDR")
	setString(&c.Redis.Password, "MOTOPLAN_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "MOTOPLAN_REDIS_DB")
	setString(&c.AI.BaseURL, "MOTOPLAN_AI_BASE_URL")
	setString(&c.AI.APIKey, "MOTOPLAN_AI_API_KEY")
	setString(&c.AI.Model, "MOTOPLAN_AI_MODEL")
	setInt(&c.AI.MaxTokens, "MOTOPLAN_AI_MAX_TOKENS")
	setDuration(&c.AI.RequestTimeout, "MOTOPLAN_AI_REQUEST_TIMEOUT")
	setInt(&c.Generation.WorkerCount, "MOTOPLAN_WORKER_COUNT")
	setDuration(&c.Generation.JobDeadline, "MOTOPLAN_JOB_DEADLINE")
	setDuration(&c.Generation.SpendWindow, "MOTOPLAN_SPEND_WINDOW")
	setFloat(&c.Generation.SpendCap, "MOTOPLAN_SPEND_CAP")
	setFloat(&c.Generation.CostPerCall, "MOTOPLAN_COST_PER_CALL")
	setInt(&c.Export.MapyPointLimit, "MOTOPLAN_MAPY_POINT_LIMIT")
	setInt(&c.Export.GooglePointLimit, "MOTOPLAN_GOOGLE_POINT_LIMIT")
	setInt(&c.Export.CoordinatePrecision, "MOTOPLAN_COORDINATE_PRECISION")
	setString(&c.Telemetry.Endpoint, "MOTOPLAN_OTEL_ENDPOINT")
	setString(&c.LogLevel, "MOTOPLAN_LOG_LEVEL")
	if v := os.Getenv("MOTOPLAN_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Validate checks option ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Generation.WorkerCount < 1 {
		return fmt.Errorf("%w: generation.worker_count must be >= 1", ErrInvalidConfiguration)
	}
	if c.Generation.JobDeadline <= 0 {
		return fmt.Errorf("%w: generation.job_deadline must be positive", ErrInvalidConfiguration)
	}
	if c.Generation.SpendCap < 0 || c.Generation.CostPerCall < 0 {
		return fmt.Errorf("%w: spend settings must be non-negative", ErrInvalidConfiguration)
	}
	if c.Export.MapyPointLimit < 2 || c.Export.GooglePointLimit < 2 {
		return fmt.Errorf("%w: export point limits must be >= 2", ErrInvalidConfiguration)
	}
	if c.Export.CoordinatePrecision < 0 || c.Export.CoordinatePrecision > 12 {
		return fmt.Errorf("%w: export.coordinate_precision out of range", ErrInvalidConfiguration)
	}
	return nil
}
