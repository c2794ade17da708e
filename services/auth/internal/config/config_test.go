package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `port: "8081"
databaseURL: postgres://localhost/pingai
redisAddr: localhost:6379
jwtPrivateKeyPath: /keys/private.pem
serviceKey: svc
websiteURL: https://app.example.com
linkTTL: 30m
smtp:
  host: smtp.example.com
  port: 587
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("AUTH_OTP_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("SMTP_FROM", "Ops <ops@example.com>")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" || cfg.OTPRateLimitPerMinute != 7 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.SMTP.Host != "smtp.example.com" || cfg.SMTP.Port != 587 || cfg.SMTP.From != "Ops <ops@example.com>" {
		t.Fatalf("unexpected smtp config %+v", cfg.SMTP)
	}
	ttl, err := ParseDuration("linkTTL", cfg.LinkTTL)
	if err != nil || ttl != 30*time.Minute {
		t.Fatalf("link ttl = %v err=%v", ttl, err)
	}
}

func TestLoadValidates(t *testing.T) {
	cases := []struct {
		name   string
		drop   string
		errSub string
	}{
		{name: "service key", drop: "serviceKey: svc\n", errSub: "serviceKey"},
		{name: "website", drop: "websiteURL: https://app.example.com\n", errSub: "websiteURL"},
		{name: "jwt key", drop: "jwtPrivateKeyPath: /keys/private.pem\n", errSub: "jwtPrivateKeyPath"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, strings.Replace(validYAML, tc.drop, "", 1)))
			if err == nil || !strings.Contains(err.Error(), tc.errSub) {
				t.Fatalf("expected error mentioning %s, got %v", tc.errSub, err)
			}
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, strings.Replace(validYAML, "linkTTL: 30m", "linkTTL: soon", 1)))
	if err == nil || !strings.Contains(err.Error(), "linkTTL") {
		t.Fatalf("expected linkTTL error, got %v", err)
	}
}
