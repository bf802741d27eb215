package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	CompilerModeSync    = "sync"
	CompilerModeWebhook = "webhook"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Execution ExecutionConfig `yaml:"execution"`
	Compiler  CompilerConfig  `yaml:"compiler"`
	Auth      AuthConfig      `yaml:"auth"`
	Live      LiveConfig      `yaml:"live"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type ExecutionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	QueueName    string        `yaml:"queue_name"`
	Workers      int           `yaml:"workers"`
	QueueTimeout time.Duration `yaml:"queue_timeout"` // BRPOP block time
}

type CompilerConfig struct {
	URL             string            `yaml:"url"`
	APIKey          string            `yaml:"api_key"`
	Mode            string            `yaml:"mode"` // "sync" or "webhook"
	Timeout         time.Duration     `yaml:"timeout"`
	CallbackBaseURL string            `yaml:"callback_base_url"`
	CallbackSecret  string            `yaml:"callback_secret"`
	DefaultCompiler string            `yaml:"default_compiler"`
	Languages       map[string]string `yaml:"languages"`  // language -> compiler, merged over the built-in table
	StatusMap       map[string]string `yaml:"status_map"` // provider status -> completed|error
	OAuth2          OAuth2Config      `yaml:"oauth2"`
}

// OAuth2Config enables the client-credentials flow against the compiler API
// instead of the static API key.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExp    time.Duration `yaml:"jwt_expiration"`
}

type LiveConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

type ArchiveConfig struct {
	DSN        string `yaml:"dsn"`
	BufferSize int    `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load builds the configuration from defaults, an optional YAML file, the
// .env file and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			log.Info().Str("path", path).Msg("no config file found, using defaults")
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on environment variables")
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8001,
			ReadTimeout:     10 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        1,
			KeyPrefix: "codeexec:",
		},
		Execution: ExecutionConfig{
			TTL:          time.Hour,
			QueueName:    "execution_delegation_queue",
			Workers:      4,
			QueueTimeout: 2 * time.Second,
		},
		Compiler: CompilerConfig{
			URL:             "https://onlinecompiler.io/api/v2/run-code/",
			Mode:            CompilerModeSync,
			Timeout:         30 * time.Second,
			CallbackBaseURL: "http://localhost:8001",
			DefaultCompiler: "python3",
		},
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
			JWTExp:    72 * time.Hour,
		},
		Live: LiveConfig{
			PollInterval: time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   4,
		},
		Archive: ArchiveConfig{
			BufferSize: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("API_PORT", c.Server.Port)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Execution.TTL = time.Duration(getEnvAsInt("EXECUTION_TTL_SECONDS", int(c.Execution.TTL/time.Second))) * time.Second
	c.Execution.QueueName = getEnv("EXECUTION_QUEUE_NAME", c.Execution.QueueName)
	c.Execution.Workers = getEnvAsInt("EXECUTION_WORKERS", c.Execution.Workers)
	c.Compiler.URL = getEnv("CODE_EXECUTION_API_URL", c.Compiler.URL)
	c.Compiler.APIKey = getEnv("CODE_EXECUTION_API_KEY", c.Compiler.APIKey)
	c.Compiler.Mode = getEnv("COMPILER_MODE", c.Compiler.Mode)
	c.Compiler.Timeout = getEnvAsDuration("COMPILER_TIMEOUT", c.Compiler.Timeout)
	c.Compiler.CallbackBaseURL = getEnv("CALLBACK_BASE_URL", c.Compiler.CallbackBaseURL)
	c.Compiler.CallbackSecret = getEnv("CALLBACK_SECRET", c.Compiler.CallbackSecret)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTExp = time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", int(c.Auth.JWTExp/time.Hour))) * time.Hour
	c.Archive.DSN = getEnv("ARCHIVE_DSN", c.Archive.DSN)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Execution.TTL <= 0 {
		return fmt.Errorf("execution.ttl must be positive")
	}
	if c.Execution.Workers < 1 {
		return fmt.Errorf("execution.workers must be >= 1")
	}
	if c.Execution.QueueName == "" {
		return fmt.Errorf("execution.queue_name is required")
	}
	if c.Compiler.URL == "" {
		return fmt.Errorf("compiler.url is required")
	}
	switch c.Compiler.Mode {
	case CompilerModeSync:
	case CompilerModeWebhook:
		if c.Compiler.CallbackBaseURL == "" {
			return fmt.Errorf("compiler.callback_base_url is required in webhook mode")
		}
		if c.Compiler.CallbackSecret == "" {
			return fmt.Errorf("compiler.callback_secret is required in webhook mode")
		}
	default:
		return fmt.Errorf("compiler.mode must be %q or %q, got %q", CompilerModeSync, CompilerModeWebhook, c.Compiler.Mode)
	}
	for provider, status := range c.Compiler.StatusMap {
		if status != "completed" && status != "error" {
			return fmt.Errorf("compiler.status_map[%q] must be completed or error, got %q", provider, status)
		}
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret == "defaultsecret" {
		log.Warn().Msg("auth.jwt_secret is the built-in default; set JWT_SECRET outside development")
	}
	if c.Live.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("live.poll_interval must be >= 100ms")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return fallback
}
