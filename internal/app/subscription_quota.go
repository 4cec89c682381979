package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQuotaPrefix = "transfa:billing_rate_limit"
	quotaWindow        = time.Minute
	quotaScope         = "create_subscription"
)

// quotaScript admits a request only while the window's count is below ARGV[1].
// Rejected requests leave the count untouched, and a counter that has lost its
// expiry is given one so it cannot block a user forever.
var quotaScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local allowed = 0
if used < limit then
  used = redis.call("INCR", KEYS[1])
  allowed = 1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {allowed, used, ttl}
`)

// QuotaDecision is the outcome of one create-subscription quota check.
type QuotaDecision struct {
	Allowed    bool
	Limit      int
	Used       int
	RetryAfter time.Duration
}

// Remaining is the number of attempts left in the current window.
func (d QuotaDecision) Remaining() int {
	if d.Used >= d.Limit {
		return 0
	}
	return d.Limit - d.Used
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the Retry-After header.
func (d QuotaDecision) RetryAfterSeconds() int {
	seconds := int((d.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func unlimited() QuotaDecision {
	return QuotaDecision{Allowed: true}
}

// SubscriptionQuota caps create-subscription attempts per user per minute.
// Counters live in Redis so every replica shares the same budget.
type SubscriptionQuota struct {
	client redis.UniversalClient
	prefix string
	limit  int
}

// NewSubscriptionQuota returns a quota allowing limitPerMinute attempts per user.
// A non-positive limit admits everything.
func NewSubscriptionQuota(client redis.UniversalClient, prefix string, limitPerMinute int) *SubscriptionQuota {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultQuotaPrefix
	}
	return &SubscriptionQuota{
		client: client,
		prefix: prefix,
		limit:  limitPerMinute,
	}
}

func (q *SubscriptionQuota) key(userID string) string {
	return q.prefix + ":" + quotaScope + ":" + userID
}

// Allow records an attempt by userID and reports whether it fits the budget.
// A nil quota, a disabled limit or an empty user id always allows.
func (q *SubscriptionQuota) Allow(ctx context.Context, userID string) (QuotaDecision, error) {
	userID = strings.TrimSpace(userID)
	if q == nil || q.client == nil || q.limit <= 0 || userID == "" {
		return unlimited(), nil
	}

	raw, err := quotaScript.Run(ctx, q.client, []string{q.key(userID)}, q.limit, quotaWindow.Milliseconds()).Int64Slice()
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("create_subscription quota check for %s: %w", userID, err)
	}
	if len(raw) != 3 {
		return QuotaDecision{}, fmt.Errorf("create_subscription quota check for %s: unexpected reply length %d", userID, len(raw))
	}

	return QuotaDecision{
		Allowed:    raw[0] == 1,
		Limit:      q.limit,
		Used:       int(raw[1]),
		RetryAfter: time.Duration(raw[2]) * time.Millisecond,
	}, nil
}
