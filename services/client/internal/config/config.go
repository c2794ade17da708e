package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage backends for chats and the session.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendS3    = "s3"
)

// ConfigPath is the config file main loads. PINGAI_CONFIG overrides it.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("PINGAI_CONFIG")); v != "" {
		return v
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pingai", "config.yaml")
	}
	return "config.yaml"
}

// StorageConfig selects where chats and the session are kept.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisPrefix   string `yaml:"redisPrefix"`
	S3Endpoint    string `yaml:"s3Endpoint"`
	S3AccessKey   string `yaml:"s3AccessKey"`
	S3SecretKey   string `yaml:"s3SecretKey"`
	S3Bucket      string `yaml:"s3Bucket"`
	S3Prefix      string `yaml:"s3Prefix"`
	S3UseSSL      bool   `yaml:"s3UseSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel       string        `yaml:"logLevel"`
	AuthServiceURL string        `yaml:"authServiceURL"`
	FunctionsURL   string        `yaml:"functionsURL"`
	WebhookBaseURL string        `yaml:"webhookBaseURL"`
	WebsiteURL     string        `yaml:"websiteURL"`
	Storage        StorageConfig `yaml:"storage"`
}

// Load reads config from path (defaults to ConfigPath). A missing file is not
// an error; everything can come from the environment.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PINGAI_AUTH_URL"); v != "" {
		cfg.AuthServiceURL = v
	}
	if v := os.Getenv("PINGAI_FUNCTIONS_URL"); v != "" {
		cfg.FunctionsURL = v
	}
	if v := os.Getenv("PINGAI_WEBHOOK_URL"); v != "" {
		cfg.WebhookBaseURL = v
	}
	if v := os.Getenv("PINGAI_WEBSITE_URL"); v != "" {
		cfg.WebsiteURL = v
	}
	if v := os.Getenv("PINGAI_STORAGE"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PINGAI_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Storage.S3Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.Storage.S3SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.S3UseSSL = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "warn"
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.Backend == BackendFile && strings.TrimSpace(cfg.Storage.Path) == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.Storage.Path = filepath.Join(dir, "pingai", "data")
		} else {
			cfg.Storage.Path = ".pingai"
		}
	}
}

func validateConfig(cfg FileConfig) error {
	for _, u := range []struct{ name, value string }{
		{"authServiceURL", cfg.AuthServiceURL},
		{"functionsURL", cfg.FunctionsURL},
		{"webhookBaseURL", cfg.WebhookBaseURL},
		{"websiteURL", cfg.WebsiteURL},
	} {
		if err := requireURL(u.name, u.value); err != nil {
			return err
		}
	}
	switch cfg.Storage.Backend {
	case BackendFile:
	case BackendRedis:
		if strings.TrimSpace(cfg.Storage.RedisAddr) == "" {
			return errors.New("config: storage.redisAddr is required for the redis backend")
		}
	case BackendS3:
		if strings.TrimSpace(cfg.Storage.S3Endpoint) == "" || strings.TrimSpace(cfg.Storage.S3Bucket) == "" {
			return errors.New("config: storage.s3Endpoint and storage.s3Bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q (file, redis or s3)", cfg.Storage.Backend)
	}
	return nil
}

func requireURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("config: %s is required (set in config.yaml)", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: %s must be an absolute http(s) url", name)
	}
	return nil
}
