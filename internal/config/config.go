package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"proposal-pipeline/internal/domain"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	JWTSecret      string        `yaml:"jwt_secret"`       // empty disables bearer auth
	SubmitPerMin   int           `yaml:"submit_per_min"`   // per-client submissions per minute, 0 disables
	RequestTimeout time.Duration `yaml:"request_timeout"`  // per request budget
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // template upload cap
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres|memory
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type QueueConfig struct {
	Driver     string `yaml:"driver"` // redis|memory
	Key        string `yaml:"key"`
	Workers    int    `yaml:"workers"`     // concurrent runs per process
	BufferSize int    `yaml:"buffer_size"` // in-memory queue capacity
}

// AIConfig holds the identifiers of the external reasoning service.
// Missing or placeholder identifiers are not a startup error: runs fail
// with CONFIGURATION_ERROR instead.
type AIConfig struct {
	Provider          string `yaml:"provider"` // bedrock|gemini|openai|noop
	Region            string `yaml:"region"`
	ModelID           string `yaml:"model_id"`
	GeminiKey         string `yaml:"gemini_key"`
	GeminiURL         string `yaml:"gemini_url"`
	OpenAIKey         string `yaml:"openai_key"`
	OpenAIBaseURL     string `yaml:"openai_base_url"`
	MaxTokens         int    `yaml:"max_tokens"`
	ConcurrentLimit   int    `yaml:"concurrent_limit"`    // max concurrent AI calls per process
	RequestsPerMinute int    `yaml:"requests_per_minute"` // process-wide call rate, 0 disables
}

type PipelineConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
	EventWriteInterval time.Duration `yaml:"event_write_interval"`
}

type BlobConfig struct {
	Driver          string        `yaml:"driver"` // s3|memory
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"` // optional S3-compatible endpoint
	TemplatesBucket string        `yaml:"templates_bucket"`
	ArtifactsBucket string        `yaml:"artifacts_bucket"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

type SweeperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	AI        AIConfig        `yaml:"ai"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Blob      BlobConfig      `yaml:"blob"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, loads an optional .env next to the
// process and applies PIPELINE_* environment overrides before defaults.
func LoadConfig(path string, dev bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && dev:
		// dev mode runs on defaults + env
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg, dev)
	cfg.Runtime.Dev = dev

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("PIPELINE_DATABASE_URL", &cfg.Database.URL)
	str("PIPELINE_REDIS_URL", &cfg.Redis.URL)
	str("PIPELINE_REDIS_PASSWORD", &cfg.Redis.Password)
	str("PIPELINE_AI_PROVIDER", &cfg.AI.Provider)
	str("PIPELINE_AI_REGION", &cfg.AI.Region)
	str("PIPELINE_AI_MODEL_ID", &cfg.AI.ModelID)
	str("PIPELINE_GEMINI_KEY", &cfg.AI.GeminiKey)
	str("PIPELINE_OPENAI_KEY", &cfg.AI.OpenAIKey)
	str("PIPELINE_JWT_SECRET", &cfg.HTTP.JWTSecret)
	str("PIPELINE_TEMPLATES_BUCKET", &cfg.Blob.TemplatesBucket)
	str("PIPELINE_ARTIFACTS_BUCKET", &cfg.Blob.ArtifactsBucket)
	str("PIPELINE_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	if v, ok := os.LookupEnv("PIPELINE_HTTP_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
}

func applyDefaults(cfg *Config, dev bool) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		cfg.HTTP.MaxUploadBytes = 20 << 20
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
		if dev && cfg.Database.URL == "" {
			cfg.Database.Driver = "memory"
		}
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "redis"
		if dev && cfg.Redis.URL == "" {
			cfg.Queue.Driver = "memory"
		}
	}
	if cfg.Queue.Key == "" {
		cfg.Queue.Key = "pipeline:runs"
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 8
	}
	if cfg.Queue.BufferSize <= 0 {
		cfg.Queue.BufferSize = 256
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "bedrock"
	}
	if cfg.AI.MaxTokens <= 0 {
		cfg.AI.MaxTokens = 2000
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.BaseDelay <= 0 {
		cfg.Pipeline.BaseDelay = 2 * time.Second
	}
	if cfg.Pipeline.MaxDelay <= 0 {
		cfg.Pipeline.MaxDelay = time.Minute
	}
	if cfg.Pipeline.RunTimeout <= 0 {
		cfg.Pipeline.RunTimeout = 15 * time.Minute
	}
	if cfg.Pipeline.EventWriteInterval <= 0 {
		cfg.Pipeline.EventWriteInterval = time.Second
	}
	if cfg.Blob.Driver == "" {
		cfg.Blob.Driver = "s3"
		if dev && cfg.Blob.TemplatesBucket == "" {
			cfg.Blob.Driver = "memory"
		}
	}
	if cfg.Blob.PresignTTL <= 0 {
		cfg.Blob.PresignTTL = time.Hour
	}
	if cfg.Sweeper.Interval <= 0 {
		cfg.Sweeper.Interval = time.Minute
	}
	if cfg.Sweeper.StaleAfter <= 0 {
		cfg.Sweeper.StaleAfter = 2 * time.Minute
	}
	if cfg.Sweeper.BatchSize <= 0 {
		cfg.Sweeper.BatchSize = 50
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "proposal-pipeline"
	}
}

// Minimal validation. AI identifiers are deliberately not checked here.
func (c *Config) validate() error {
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Queue.Driver == "redis" && c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Blob.Driver == "s3" && (c.Blob.TemplatesBucket == "" || c.Blob.ArtifactsBucket == "") {
		return errors.New("blob.templates_bucket and blob.artifacts_bucket are required")
	}
	if c.Pipeline.MaxDelay >= c.Pipeline.RunTimeout {
		return errors.New("pipeline.max_delay must be below pipeline.run_timeout")
	}
	return nil
}

// Validate reports which reasoning service identifiers are missing or still
// hold placeholder values. The error wraps domain.ErrConfiguration.
func (a AIConfig) Validate() error {
	var missing []string
	check := func(name, v string) {
		if IsPlaceholder(v) {
			missing = append(missing, name)
		}
	}
	switch strings.ToLower(a.Provider) {
	case "bedrock":
		check("ai.region", a.Region)
		check("ai.model_id", a.ModelID)
	case "gemini":
		check("ai.gemini_key", a.GeminiKey)
		check("ai.model_id", a.ModelID)
	case "openai":
		check("ai.openai_key", a.OpenAIKey)
		check("ai.model_id", a.ModelID)
	case "noop":
	default:
		return fmt.Errorf("%w: unknown ai.provider %q", domain.ErrConfiguration, a.Provider)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or placeholder %s", domain.ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// IsPlaceholder reports whether v is empty or a deploy-time placeholder such
// as "PLACEHOLDER_AGENT_ID", "<model-id>" or "changeme".
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	u := strings.ToUpper(v)
	switch {
	case strings.HasPrefix(u, "PLACEHOLDER"),
		strings.HasPrefix(u, "CHANGEME"),
		strings.HasPrefix(u, "TODO"),
		strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"),
		strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}"):
		return true
	}
	return false
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
