// ============================================================================
// Assistant configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration for every tunable of the orchestrator,
//          resilience layer and scheduler.
//
// Layout:
//   orchestrator  - max steps, plan budget, templates file
//   router        - confidence threshold, LLM refinement
//   resilience    - default dependency policy + per-dependency overrides
//   scheduler     - pollers, workers, retry/backoff/jitter
//   storage       - memory (WAL + snapshot) | sqlite | postgres
//   providers     - third-party API endpoints; secrets come from env
//   server/metrics/tracing/logging
//
// Only the defaults listed in Default() exist. Anything else must be
// supplied by the file or the environment.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete assistant configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Router       RouterConfig       `yaml:"router"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Storage      StorageConfig      `yaml:"storage"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Server       ServerConfig       `yaml:"server"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OrchestratorConfig bounds every plan.
type OrchestratorConfig struct {
	MaxSteps      int           `yaml:"max_steps"`
	Budget        time.Duration `yaml:"budget"`
	ResultTTL     time.Duration `yaml:"result_ttl"`
	TemplatesFile string        `yaml:"templates_file"`
}

// RouterConfig controls classification.
type RouterConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	LLMRefine           bool    `yaml:"llm_refine"`
}

// DependencyPolicy is the full resilience policy for one dependency.
type DependencyPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	RatePerMinute    float64       `yaml:"rate_per_minute"`
	Burst            int           `yaml:"burst"`
	MaxRetries       int           `yaml:"max_retries"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	Jitter           time.Duration `yaml:"jitter"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DependencyOverride replaces individual fields of the default policy.
type DependencyOverride struct {
	FailureThreshold *int           `yaml:"failure_threshold"`
	Cooldown         *time.Duration `yaml:"cooldown"`
	RatePerMinute    *float64       `yaml:"rate_per_minute"`
	Burst            *int           `yaml:"burst"`
	MaxRetries       *int           `yaml:"max_retries"`
	BackoffFactor    *float64       `yaml:"backoff_factor"`
	BaseDelay        *time.Duration `yaml:"base_delay"`
	Jitter           *time.Duration `yaml:"jitter"`
	Timeout          *time.Duration `yaml:"timeout"`
}

// ResilienceConfig holds the default policy and per-dependency overrides.
type ResilienceConfig struct {
	Default      DependencyPolicy              `yaml:"default"`
	Dependencies map[string]DependencyOverride `yaml:"dependencies"`
}

// PolicyFor resolves the effective policy for a dependency.
func (r ResilienceConfig) PolicyFor(dependency string) DependencyPolicy {
	p := r.Default
	o, ok := r.Dependencies[dependency]
	if !ok {
		return p
	}
	if o.FailureThreshold != nil {
		p.FailureThreshold = *o.FailureThreshold
	}
	if o.Cooldown != nil {
		p.Cooldown = *o.Cooldown
	}
	if o.RatePerMinute != nil {
		p.RatePerMinute = *o.RatePerMinute
	}
	if o.Burst != nil {
		p.Burst = *o.Burst
	}
	if o.MaxRetries != nil {
		p.MaxRetries = *o.MaxRetries
	}
	if o.BackoffFactor != nil {
		p.BackoffFactor = *o.BackoffFactor
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.Jitter != nil {
		p.Jitter = *o.Jitter
	}
	if o.Timeout != nil {
		p.Timeout = *o.Timeout
	}
	return p
}

// SchedulerConfig controls the deferred-task loop.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	NodeID        string        `yaml:"node_id"`
	Pollers       int           `yaml:"pollers"`
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        time.Duration `yaml:"jitter"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	// ClaimLease bounds how long a claim is honoured; 0 derives it from
	// TaskTimeout.
	ClaimLease    time.Duration `yaml:"claim_lease"`
}

// StorageConfig selects the task store.
type StorageConfig struct {
	Driver           string        `yaml:"driver"` // memory | sqlite | postgres
	DSN              string        `yaml:"dsn"`
	WALPath          string        `yaml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// LLMConfig selects the language-generation provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // openai | gemini
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	APIKey    string `yaml:"-"`
}

// YandexConfig configures SpeechKit, Vision OCR and Translate.
type YandexConfig struct {
	APIKey       string `yaml:"-"`
	FolderID     string `yaml:"folder_id"`
	STTURL       string `yaml:"stt_url"`
	TTSURL       string `yaml:"tts_url"`
	OCRURL       string `yaml:"ocr_url"`
	TranslateURL string `yaml:"translate_url"`
	Voice        string `yaml:"voice"`
	VoiceEN      string `yaml:"voice_en"`
	DefaultLang  string `yaml:"default_lang"`
}

// HHConfig configures the HH.ru job search API.
type HHConfig struct {
	BaseURL     string `yaml:"base_url"`
	DefaultArea int    `yaml:"default_area"`
	PerPage     int    `yaml:"per_page"`
	UserAgent   string `yaml:"user_agent"`
	Token       string `yaml:"-"`
}

// NotifyConfig configures reminder delivery.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ObjectStoreConfig points at the bucket screenshots are read from.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// Validate checks the object store settings when an endpoint is configured.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return nil
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("object store bucket is required")
	}
	return nil
}

// ProvidersConfig groups the third-party integrations.
type ProvidersConfig struct {
	LLM         LLMConfig         `yaml:"llm"`
	Yandex      YandexConfig      `yaml:"yandex"`
	HH          HHConfig          `yaml:"hh"`
	Notify      NotifyConfig      `yaml:"notify"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
}

// ServerConfig configures the gRPC boundary.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the stated defaults.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MaxSteps:  6,
			Budget:    800 * time.Millisecond,
			ResultTTL: time.Hour,
		},
		Router: RouterConfig{
			ConfidenceThreshold: 0.5,
		},
		Resilience: ResilienceConfig{
			Default: DependencyPolicy{
				FailureThreshold: 5,
				Cooldown:         60 * time.Second,
				RatePerMinute:    60,
				Burst:            10,
				MaxRetries:       3,
				BackoffFactor:    2.0,
				BaseDelay:        100 * time.Millisecond,
				Jitter:           100 * time.Millisecond,
				Timeout:          30 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Pollers:       1,
			Workers:       4,
			PollInterval:  time.Second,
			BatchSize:     16,
			MaxRetries:    5,
			BaseDelay:     time.Second,
			BackoffFactor: 2.0,
			Jitter:        250 * time.Millisecond,
			TaskTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:           "memory",
			WALPath:          "data/tasks.wal",
			SnapshotPath:     "data/tasks.snapshot.json",
			SnapshotInterval: 30 * time.Second,
		},
		Providers: ProvidersConfig{
			LLM: LLMConfig{Provider: "openai", MaxTokens: 4096},
			Yandex: YandexConfig{
				STTURL:       "https://stt.api.cloud.yandex.net/speech/v1/stt:recognize",
				TTSURL:       "https://tts.api.cloud.yandex.net/speech/v1/tts:synthesize",
				OCRURL:       "https://ocr.api.cloud.yandex.net/ocr/v1/recognizeText",
				TranslateURL: "https://translate.api.cloud.yandex.net/translate/v2/translate",
				Voice:        "ermil",
				VoiceEN:      "john",
				DefaultLang:  "en",
			},
			HH: HHConfig{
				BaseURL:     "https://api.hh.ru",
				DefaultArea: 1,
				PerPage:     10,
				UserAgent:   "maga-orchestrator/1.0",
			},
		},
		Server:  ServerConfig{GRPCAddr: ":50051"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Tracing: TracingConfig{ServiceName: "maga-orchestrator"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file on top of Default(), applies secrets from the
// environment and validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv pulls secrets and DSNs from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Providers.LLM.APIKey == "" {
		switch c.Providers.LLM.Provider {
		case "gemini":
			c.Providers.LLM.APIKey = getenv("GOOGLE_API_KEY")
		default:
			c.Providers.LLM.APIKey = getenv("OPENAI_API_KEY")
		}
	}
	if v := getenv("YANDEX_API_KEY"); v != "" {
		c.Providers.Yandex.APIKey = v
	}
	if v := getenv("YC_FOLDER_ID"); v != "" {
		c.Providers.Yandex.FolderID = v
	}
	if v := getenv("HH_API_TOKEN"); v != "" {
		c.Providers.HH.Token = v
	}
	if v := getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Providers.ObjectStore.AccessKey = v
	}
	if v := getenv("MINIO_SECRET_KEY"); v != "" {
		c.Providers.ObjectStore.SecretKey = v
	}
	if v := getenv("DATABASE_URL"); v != "" && c.Storage.DSN == "" {
		c.Storage.DSN = v
	}
}

// Validate checks ranges and required combinations.
func (c Config) Validate() error {
	if c.Orchestrator.MaxSteps <= 0 {
		return errors.New("orchestrator.max_steps must be positive")
	}
	if c.Orchestrator.Budget <= 0 {
		return errors.New("orchestrator.budget must be positive")
	}
	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router.confidence_threshold must be within [0,1], got %v", c.Router.ConfidenceThreshold)
	}
	if err := validatePolicy("resilience.default", c.Resilience.Default); err != nil {
		return err
	}
	for name := range c.Resilience.Dependencies {
		if err := validatePolicy("resilience.dependencies."+name, c.Resilience.PolicyFor(name)); err != nil {
			return err
		}
	}
	s := c.Scheduler
	if s.MaxRetries <= 0 {
		return errors.New("scheduler.max_retries must be positive")
	}
	if s.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}
	if s.Workers <= 0 || s.Pollers <= 0 || s.BatchSize <= 0 {
		return errors.New("scheduler.workers, pollers and batch_size must be positive")
	}
	if s.BackoffFactor < 1 {
		return errors.New("scheduler.backoff_factor must be >= 1")
	}
	if s.Jitter < 0 || s.BaseDelay < 0 {
		return errors.New("scheduler.jitter and base_delay must not be negative")
	}
	if s.ClaimLease < 0 || (s.ClaimLease > 0 && s.TaskTimeout > 0 && s.ClaimLease <= s.TaskTimeout) {
		return errors.New("scheduler.claim_lease must exceed scheduler.task_timeout")
	}
	switch c.Storage.Driver {
	case "memory":
		if c.Storage.WALPath == "" || c.Storage.SnapshotPath == "" {
			return errors.New("storage.wal_path and storage.snapshot_path are required for the memory driver")
		}
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Providers.LLM.Provider {
	case "openai", "gemini", "":
	default:
		return fmt.Errorf("unknown providers.llm.provider %q", c.Providers.LLM.Provider)
	}
	return c.Providers.ObjectStore.Validate()
}

func validatePolicy(name string, p DependencyPolicy) error {
	switch {
	case p.FailureThreshold <= 0:
		return fmt.Errorf("%s.failure_threshold must be positive", name)
	case p.Cooldown <= 0:
		return fmt.Errorf("%s.cooldown must be positive", name)
	case p.RatePerMinute <= 0:
		return fmt.Errorf("%s.rate_per_minute must be positive", name)
	case p.Burst <= 0:
		return fmt.Errorf("%s.burst must be positive", name)
	case p.MaxRetries <= 0:
		return fmt.Errorf("%s.max_retries must be positive", name)
	case p.BackoffFactor < 1:
		return fmt.Errorf("%s.backoff_factor must be >= 1", name)
	case p.BaseDelay < 0 || p.Jitter < 0:
		return fmt.Errorf("%s.base_delay and jitter must not be negative", name)
	case p.Timeout <= 0:
		return fmt.Errorf("%s.timeout must be positive", name)
	}
	return nil
}
