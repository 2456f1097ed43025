package webauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Outcomes fed to the Alerter.
const (
	OutcomeRejected    = "rejected"
	OutcomeRateLimited = "rate_limited"
)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Alerter counts failed sign-ins per client IP in fixed windows and reports
// when a window reaches its threshold.
type Alerter struct {
	client *redis.Client
	prefix string
}

// NewAlerter creates an alerter backed by Redis counters. It returns nil when
// addr is empty.
func NewAlerter(addr, password, prefix string) *Alerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "quizadmin:alerts"
	}
	return &Alerter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// Observe records one outcome for ip. Triggered is set only by the event that
// reaches the threshold, so each window alerts once.
func (a *Alerter) Observe(ctx context.Context, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.client == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(outcome)
	if !ok {
		return result, nil
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	windowMs := window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:login:%s:%s:%d", a.prefix, outcome, sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count == threshold
	return result, nil
}

// Close releases the Redis client.
func (a *Alerter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func alertRule(outcome string) (threshold int64, window time.Duration, ok bool) {
	switch outcome {
	case OutcomeRejected:
		return 10, 5 * time.Minute, true
	case OutcomeRateLimited:
		return 20, time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
