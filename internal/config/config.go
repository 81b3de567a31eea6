// Package config loads runtime configuration from the environment, an
// optional .env file, and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Port       int    `env:"PORT,default=8080" yaml:"port"`
	Env        string `env:"APP_ENV,default=development" yaml:"env"`
	ConfigFile string `env:"CONFIG_FILE" yaml:"-"`

	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Supabase SupabaseConfig `yaml:"supabase"`
	GitHub   GitHubConfig   `yaml:"github"`
	Auth     AuthConfig     `yaml:"auth"`
	Manifest ManifestConfig `yaml:"manifest"`
	Expo     ExpoConfig     `yaml:"expo"`
	Redis    RedisConfig    `yaml:"redis"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Format string `env:"LOG_FORMAT,default=json" yaml:"format"`
}

type HTTPConfig struct {
	// CORSAllowedOrigins is a comma separated list; empty or "*" allows any origin.
	CORSAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS,default=*" yaml:"cors_allowed_origins"`
	RateLimitRPS       int           `env:"RATE_LIMIT_RPS,default=20" yaml:"rate_limit_rps"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST,default=40" yaml:"rate_limit_burst"`
	ClientTimeout      time.Duration `env:"HTTP_CLIENT_TIMEOUT,default=30s" yaml:"client_timeout"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s" yaml:"shutdown_timeout"`
}

type SupabaseConfig struct {
	URL         string `env:"SUPABASE_URL" yaml:"url"`
	AnonKey     string `env:"SUPABASE_ANON_KEY" yaml:"anon_key"`
	ServiceKey  string `env:"SUPABASE_SERVICE_KEY" yaml:"service_key"`
	ImageBucket string `env:"SUPABASE_IMAGE_BUCKET,default=images" yaml:"image_bucket"`
}

type GitHubConfig struct {
	Owner         string `env:"GITHUB_OWNER" yaml:"owner"`
	Repo          string `env:"GITHUB_REPO" yaml:"repo"`
	Branch        string `env:"GITHUB_BRANCH,default=main" yaml:"branch"`
	Token         string `env:"GITHUB_TOKEN" yaml:"token"`
	APIURL        string `env:"GITHUB_API_URL,default=https://api.github.com" yaml:"api_url"`
	ClientID      string `env:"GITHUB_CLIENT_ID" yaml:"client_id"`
	ClientSecret  string `env:"GITHUB_CLIENT_SECRET" yaml:"client_secret"`
	WebhookSecret string `env:"GITHUB_WEBHOOK_SECRET" yaml:"webhook_secret"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET" yaml:"jwt_secret"`
	TokenTTL  time.Duration `env:"JWT_TTL,default=24h" yaml:"token_ttl"`
}

type ManifestConfig struct {
	Path             string `env:"GITHUB_MANIFEST_PATH,default=manifest.json" yaml:"path"`
	BatchConcurrency int    `env:"MANIFEST_BATCH_CONCURRENCY,default=10" yaml:"batch_concurrency"`
	RefreshCron      string `env:"MANIFEST_REFRESH_CRON" yaml:"refresh_cron"`
}

type ExpoConfig struct {
	AccessToken string `env:"EXPO_ACCESS_TOKEN" yaml:"access_token"`
	APIURL      string `env:"EXPO_API_URL,default=https://exp.host" yaml:"api_url"`
}

type RedisConfig struct {
	URL string        `env:"REDIS_URL" yaml:"url"`
	TTL time.Duration `env:"IDEMPOTENCY_TTL,default=24h" yaml:"idempotency_ttl"`
}

// Load reads .env (if present), decodes the environment, then applies the
// YAML file named by CONFIG_FILE on top.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	cfg.normalize()
	return cfg, nil
}

// ApplyFile overlays the YAML file at path. Keys present in the file win.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.GitHub.APIURL = strings.TrimSuffix(c.GitHub.APIURL, "/")
	c.Expo.APIURL = strings.TrimSuffix(c.Expo.APIURL, "/")
	c.Supabase.URL = strings.TrimSuffix(c.Supabase.URL, "/")
	if c.Manifest.BatchConcurrency <= 0 {
		c.Manifest.BatchConcurrency = 10
	}
	// tree paths never carry a leading slash
	c.Manifest.Path = strings.Trim(strings.TrimSpace(c.Manifest.Path), "/")
	if c.Manifest.Path == "" {
		c.Manifest.Path = "manifest.json"
	}
}

// CORSOrigins splits the configured origin list.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.HTTP.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// GitHubEnabled reports whether the content store is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHub.Owner != "" && c.GitHub.Repo != "" && c.GitHub.Token != ""
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Supabase.URL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.Supabase.AnonKey == "" && c.Supabase.ServiceKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY or SUPABASE_SERVICE_KEY")
	}
	if c.GitHub.Owner != "" || c.GitHub.Repo != "" {
		if c.GitHub.Owner == "" {
			missing = append(missing, "GITHUB_OWNER")
		}
		if c.GitHub.Repo == "" {
			missing = append(missing, "GITHUB_REPO")
		}
		if c.GitHub.Token == "" {
			missing = append(missing, "GITHUB_TOKEN")
		}
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	return nil
}
