package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// purchaseWindow is the span one attempt counter covers. Buckets are aligned to the
// wall-clock minute so every instance agrees on where a window ends.
const purchaseWindow = time.Minute

// Keys expire one window after their bucket ends.
var purchaseAttemptScript = redis.NewScript(`
local attempts = redis.call("INCR", KEYS[1])
if attempts == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return attempts
`)

// PurchaseAttempt is the outcome of counting one purchase confirmation.
type PurchaseAttempt struct {
	// Count is the number of attempts the owner made in the current minute, this one included.
	Count int
	// RetryAfter is the time left until the minute bucket rolls over.
	RetryAfter time.Duration
}

// RedisPurchaseRateLimiter counts purchase confirmations per owner in minute buckets shared
// across instances. Only confirmations that reach a provider are counted; webhooks and
// grants bypass it.
type RedisPurchaseRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisPurchaseRateLimiter(client redis.UniversalClient, prefix string) *RedisPurchaseRateLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "istekhara:rate_limit"
	}
	return &RedisPurchaseRateLimiter{client: client, prefix: trimmed, now: time.Now}
}

func (r *RedisPurchaseRateLimiter) key(ownerID string, bucket time.Time) string {
	return fmt.Sprintf("%s:purchase:%s:%d", r.prefix, ownerID, bucket.Unix())
}

// CountPurchaseAttempt records one purchase attempt by the owner. A limiter without a
// client counts nothing.
func (r *RedisPurchaseRateLimiter) CountPurchaseAttempt(ctx context.Context, ownerID string) (PurchaseAttempt, error) {
	ownerID = strings.TrimSpace(ownerID)
	if r == nil || r.client == nil || ownerID == "" {
		return PurchaseAttempt{}, nil
	}

	now := r.now()
	bucket := now.Truncate(purchaseWindow)
	ttl := 2 * purchaseWindow
	raw, err := purchaseAttemptScript.Run(ctx, r.client, []string{r.key(ownerID, bucket)}, ttl.Milliseconds()).Result()
	if err != nil {
		return PurchaseAttempt{}, err
	}
	count, err := parseAttemptCount(raw)
	if err != nil {
		return PurchaseAttempt{}, err
	}
	return PurchaseAttempt{Count: count, RetryAfter: retryAfter(now, bucket)}, nil
}

func parseAttemptCount(raw interface{}) (int, error) {
	n, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected purchase limiter reply: %T", raw)
	}
	return int(n), nil
}

// retryAfter rounds the time left in the bucket up to whole seconds, never below one.
func retryAfter(now, bucket time.Time) time.Duration {
	left := bucket.Add(purchaseWindow).Sub(now)
	secs := (left + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
