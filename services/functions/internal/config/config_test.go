package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseYAML = `port: "8082"
authServiceURL: http://auth:8081
webhookBaseURL: https://n8n.example.com
websiteURL: https://app.example.com
serviceKey: svc
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("SELF_SERVICE_DELIVERY", "provider")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,127.0.0.1")
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SelfServiceDelivery != "provider" {
		t.Fatalf("delivery = %q", cfg.SelfServiceDelivery)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("trusted proxies = %v", cfg.TrustedProxies)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name   string
		yaml   string
		errSub string
	}{
		{name: "relative webhook", yaml: strings.Replace(baseYAML, "https://n8n.example.com", "/webhook", 1), errSub: "webhookBaseURL"},
		{name: "missing auth url", yaml: strings.Replace(baseYAML, "authServiceURL: http://auth:8081\n", "", 1), errSub: "authServiceURL"},
		{name: "bad delivery", yaml: baseYAML + "selfServiceDelivery: fax\n", errSub: "selfServiceDelivery"},
		{name: "limit without redis", yaml: baseYAML + "selfServiceRateLimitPerMinute: 5\n", errSub: "redisAddr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.errSub) {
				t.Fatalf("expected error mentioning %s, got %v", tc.errSub, err)
			}
		})
	}
}
