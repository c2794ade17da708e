package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"pingai/internal/mailer"
)

// ConfigPath is the config file main loads. FUNCTIONS_CONFIG overrides it.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("FUNCTIONS_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                          string            `yaml:"port"`
	LogLevel                      string            `yaml:"logLevel"`
	DatabaseURL                   string            `yaml:"databaseURL"`
	RedisAddr                     string            `yaml:"redisAddr"`
	RedisPassword                 string            `yaml:"redisPassword"`
	AuthServiceURL                string            `yaml:"authServiceURL"`
	AuthJWKSURL                   string            `yaml:"authJwksURL"`
	JWTIssuer                     string            `yaml:"jwtIssuer"`
	JWTAudience                   string            `yaml:"jwtAudience"`
	ServiceKey                    string            `yaml:"serviceKey"`
	WebsiteURL                    string            `yaml:"websiteURL"`
	WebhookBaseURL                string            `yaml:"webhookBaseURL"`
	SelfServiceDelivery           string            `yaml:"selfServiceDelivery"`
	SelfServiceRateLimitPerMinute int               `yaml:"selfServiceRateLimitPerMinute"`
	TrustedProxies                []string          `yaml:"trustedProxies"`
	SMTP                          mailer.SMTPConfig `yaml:"smtp"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AUTH_SERVICE_URL"); v != "" {
		cfg.AuthServiceURL = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("SERVICE_KEY"); v != "" {
		cfg.ServiceKey = v
	}
	if v := os.Getenv("WEBSITE_URL"); v != "" {
		cfg.WebsiteURL = v
	}
	if v := os.Getenv("WEBHOOK_BASE_URL"); v != "" {
		cfg.WebhookBaseURL = v
	}
	if v := os.Getenv("SELF_SERVICE_DELIVERY"); v != "" {
		cfg.SelfServiceDelivery = v
	}
	if v := os.Getenv("SELF_SERVICE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SelfServiceRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = n
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.SMTP.From = v
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if err := requireURL("authServiceURL", cfg.AuthServiceURL); err != nil {
		return err
	}
	if err := requireURL("webhookBaseURL", cfg.WebhookBaseURL); err != nil {
		return err
	}
	if err := requireURL("websiteURL", cfg.WebsiteURL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ServiceKey) == "" {
		return errors.New("config: serviceKey is required (set SERVICE_KEY)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.SelfServiceDelivery)) {
	case "", "direct", "provider":
	default:
		return fmt.Errorf("config: selfServiceDelivery must be direct or provider, got %q", cfg.SelfServiceDelivery)
	}
	if cfg.SelfServiceRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.SelfServiceRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when selfServiceRateLimitPerMinute is set")
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
