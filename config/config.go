package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the router's complete configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	OpenAI    OpenAIConfig    `yaml:"openai" env:"OPENAI"`
	Vertex    VertexConfig    `yaml:"vertex" env:"VERTEX"`
	Gemini    GeminiConfig    `yaml:"gemini" env:"GEMINI"`
	ALS       ALSConfig       `yaml:"als" env:"ALS"`
	Breaker   BreakerConfig   `yaml:"breaker" env:"CB"`
	Timeouts  TimeoutConfig   `yaml:"timeouts" env:"LLM_TIMEOUT"`
	Grounding GroundingConfig `yaml:"grounding" env:"GROUNDING"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig controls the demo HTTP surface (/healthz, /metrics).
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// OpenAIConfig configures the Responses API adapter.
type OpenAIConfig struct {
	APIKey        string   `yaml:"api_key" env:"API_KEY"`
	Organization  string   `yaml:"organization" env:"ORGANIZATION"`
	BaseURL       string   `yaml:"base_url" env:"BASE_URL"`
	AllowedModels []string `yaml:"allowed_models" env:"ALLOWED_MODELS"`
}

// VertexConfig configures the Vertex AI adapter.
type VertexConfig struct {
	ProjectID         string   `yaml:"project_id" env:"PROJECT_ID"`
	Location          string   `yaml:"location" env:"LOCATION"`
	EnforceWIF        bool     `yaml:"enforce_wif" env:"ENFORCE_WIF"`
	WIFCredentialsJSON string  `yaml:"wif_credentials_json" env:"WIF_CREDENTIALS_JSON"`
	AllowedModels     []string `yaml:"allowed_models" env:"ALLOWED_MODELS"`
}

// GeminiConfig configures the Gemini direct-API adapter.
type GeminiConfig struct {
	APIKey        string   `yaml:"api_key" env:"API_KEY"`
	BaseURL       string   `yaml:"base_url" env:"BASE_URL"`
	AllowedModels []string `yaml:"allowed_models" env:"ALLOWED_MODELS"`
}

// ALSConfig configures Ambient Location Signal rendering. SeedKey is read
// from an environment variable directly, never logged or checked into YAML.
type ALSConfig struct {
	SeedKeyID string `yaml:"seed_key_id" env:"SEED_KEY_ID"`
	SeedKey   string `yaml:"-" env:"SEED_KEY"`
	MaxChars  int    `yaml:"max_chars" env:"MAX_CHARS"`
}

// BreakerConfig configures the per-(vendor,model) circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	CooldownSeconds   int `yaml:"cooldown_seconds" env:"COOLDOWN_SECONDS"`
	CooldownJitterMax int `yaml:"cooldown_jitter_max_seconds" env:"COOLDOWN_JITTER_MAX_SECONDS"`
}

// TimeoutConfig bounds how long the router waits on a single adapter call.
type TimeoutConfig struct {
	Ungrounded time.Duration `yaml:"ungrounded" env:"UNGROUNDED"`
	Grounded   time.Duration `yaml:"grounded" env:"GROUNDED"`
}

// GroundingConfig tunes REQUIRED enforcement.
type GroundingConfig struct {
	RequiredRelaxForGoogle bool `yaml:"required_relax_for_google" env:"REQUIRED_RELAX_FOR_GOOGLE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the router's built-in defaults, before any YAML
// file or environment override is applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9091,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		OpenAI: OpenAIConfig{
			BaseURL:       "https://api.openai.com",
			AllowedModels: []string{"gpt-5", "gpt-5-mini", "o3", "o4-mini"},
		},
		Vertex: VertexConfig{
			Location:      "us-central1",
			EnforceWIF:    false,
			AllowedModels: []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		},
		Gemini: GeminiConfig{
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
			AllowedModels: []string{"gemini-2.5-pro"},
		},
		ALS: ALSConfig{
			MaxChars: 350,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			CooldownSeconds:   60,
			CooldownJitterMax: 120,
		},
		Timeouts: TimeoutConfig{
			Ungrounded: 60 * time.Second,
			Grounded:   120 * time.Second,
		},
		Grounding: GroundingConfig{
			RequiredRelaxForGoogle: false,
		},
		Log: LogConfig{
			Level:            "info",
			Format:           "json",
			OutputPaths:      []string{"stdout"},
			EnableCaller:     true,
			EnableStacktrace: false,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "llmrouter",
			SampleRate:   0.1,
		},
	}
}

// Loader loads configuration with a builder-style API: default values,
// then an optional YAML file, then environment variable overrides.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader constructs a Loader using the AGENTFLOW_ environment prefix,
// kept from the original deployment's naming so existing operator tooling
// and secrets management continue to work unchanged.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds a Config: defaults, then YAML file (if configured), then
// environment variables, then the registered validators in order.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct recursively, setting any field whose
// `env` tag resolves to a set environment variable.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path, panicking on failure. Intended
// for main()'s boot sequence, where a bad config should abort the process
// before anything is wired up.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration using only defaults and environment
// variables, skipping the YAML file step entirely.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate runs basic structural checks. Per-vendor credential presence is
// intentionally not enforced here — a deployment may legitimately serve
// only a subset of vendors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.ALS.MaxChars <= 0 {
		errs = append(errs, "als.max_chars must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.CooldownJitterMax < c.Breaker.CooldownSeconds {
		errs = append(errs, "breaker.cooldown_jitter_max_seconds must be >= cooldown_seconds")
	}
	if c.Timeouts.Grounded < c.Timeouts.Ungrounded {
		errs = append(errs, "timeouts.grounded should not be shorter than timeouts.ungrounded")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
