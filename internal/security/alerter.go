// Package security records authorization outcomes and raises alerts when
// failures from one source pile up.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcomes recorded with every security event.
const (
	OutcomeSuccess     = "success"
	OutcomeFail        = "fail"
	OutcomeRateLimited = "rate_limited"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult is what Observe saw for one event.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

type rule struct {
	threshold int64
	window    time.Duration
}

// Failure thresholds per event. Rate-limited outcomes share one rule.
var failureRules = map[string]rule{
	"auth.otp":                {10, 5 * time.Minute},
	"auth.verify":             {10, 5 * time.Minute},
	"auth.authorize":          {25, 5 * time.Minute},
	"auth.admin.authorize":    {25, 5 * time.Minute},
	"magic_link.self_service": {10, 5 * time.Minute},
	"magic_link.admin":        {15, 5 * time.Minute},
	"document.upload":         {15, 5 * time.Minute},
}

var rateLimitedRule = rule{20, time.Minute}

// AuditAlerter counts events per (event, outcome, ip) in Redis windows.
type AuditAlerter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewAuditAlerter returns nil when no client is given; a nil alerter is a
// valid no-op.
func NewAuditAlerter(client redis.UniversalClient, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pingai:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix, now: time.Now}
}

// Observe counts the event and reports whether its threshold was reached.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	r, ok := ruleFor(event, outcome)
	if !ok {
		return AlertResult{}, nil
	}
	windowMs := r.window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, segment(event), segment(outcome), segment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return AlertResult{}, err
	}
	return AlertResult{
		Triggered: count >= r.threshold,
		Count:     count,
		Threshold: r.threshold,
		Window:    r.window,
	}, nil
}

// Auditor writes security_event lines and feeds the alerter.
type Auditor struct {
	Service string
	Alerter *AuditAlerter
}

// Record logs one outcome. attrs are appended as slog key/value pairs.
func (a Auditor) Record(ctx context.Context, logger *slog.Logger, event, outcome, ip string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	fields := append([]any{
		"service", a.Service,
		"event", event,
		"outcome", outcome,
		"client_ip", ip,
	}, attrs...)
	level := slog.LevelInfo
	if outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "security_event", fields...)

	res, err := a.Alerter.Observe(ctx, event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		logger.Error("security_alert",
			"service", a.Service,
			"event", event,
			"outcome", outcome,
			"client_ip", ip,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

func ruleFor(event, outcome string) (rule, bool) {
	switch strings.TrimSpace(outcome) {
	case OutcomeRateLimited:
		return rateLimitedRule, true
	case OutcomeFail:
		r, ok := failureRules[strings.TrimSpace(event)]
		return r, ok
	default:
		return rule{}, false
	}
}

func segment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
