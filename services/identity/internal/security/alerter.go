// Package security raises alerts when one client address keeps failing or
// getting throttled on identity endpoints.
package security

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "quickfix:identity:alerts"

// incrWindow bumps a window counter and arms its expiry on first use.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Rule is an alert threshold over a fixed window.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// throttled applies to every rate_limited outcome regardless of event.
var throttled = Rule{Threshold: 20, Window: time.Minute}

// failureRules maps identity audit events to their failure thresholds.
// Credential guessing is tighter than token churn.
var failureRules = map[string]Rule{
	"identity.login":                  {Threshold: 10, Window: 5 * time.Minute},
	"identity.signup":                 {Threshold: 10, Window: 5 * time.Minute},
	"identity.password.reset.confirm": {Threshold: 5, Window: 15 * time.Minute},
	"identity.password.change":        {Threshold: 15, Window: 5 * time.Minute},
	"identity.refresh":                {Threshold: 15, Window: 5 * time.Minute},
	"identity.logout":                 {Threshold: 15, Window: 5 * time.Minute},
	"identity.authorize":              {Threshold: 25, Window: 5 * time.Minute},
	"identity.admin.authorize":        {Threshold: 25, Window: 5 * time.Minute},
}

// AlertResult is the counter state after one observation. Triggered is set
// only by the observation that reaches the threshold, so a sustained attack
// raises one alert per window.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter keeps per-address failure counters in Redis so every identity
// replica contributes to the same window.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewAuditAlerter returns nil when addr is empty. A nil alerter observes
// nothing.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = defaultPrefix
	}
	return &AuditAlerter{
		client: redis.NewClient(&redis.Options{Addr: strings.TrimSpace(addr), Password: password}),
		prefix: prefix,
		now:    time.Now,
	}
}

// Observe counts one audit outcome for ip.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	rule, ok := ruleFor(strings.TrimSpace(event), strings.TrimSpace(outcome))
	if !ok {
		return AlertResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := a.windowKey(event, outcome, ip, rule.Window)
	n, err := incrWindow.Run(ctx, a.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		return AlertResult{}, err
	}
	return AlertResult{
		Triggered: n == rule.Threshold,
		Count:     n,
		Threshold: rule.Threshold,
		Window:    rule.Window,
	}, nil
}

// Close releases the Redis client.
func (a *AuditAlerter) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}

func ruleFor(event, outcome string) (Rule, bool) {
	switch outcome {
	case "rate_limited":
		return throttled, true
	case "fail":
		rule, ok := failureRules[event]
		return rule, ok
	default:
		return Rule{}, false
	}
}

// windowKey is prefix:event:outcome:ip:slot, where slot numbers the fixed
// window containing now.
func (a *AuditAlerter) windowKey(event, outcome, ip string, window time.Duration) string {
	slot := a.now().UTC().UnixMilli() / window.Milliseconds()
	parts := []string{a.prefix, keySegment(event), keySegment(outcome), keySegment(ip), strconv.FormatInt(slot, 10)}
	return strings.Join(parts, ":")
}

var segmentReplacer = strings.NewReplacer(":", "_", "|", "_", " ", "_")

func keySegment(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(s)
}
