// Package ratelimit throttles chat and typing events per user with fixed
// windows kept in Redis, so every process shares the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/substrate"
)

// Kind selects which limit applies.
type Kind string

const (
	KindMessage Kind = "chat"
	KindTyping  Kind = "typing"
)

// Rule allows Max events per Window.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultRules are four messages per second and two typing events per three
// seconds.
func DefaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindMessage: {Window: time.Second, Max: 4},
		KindTyping:  {Window: 3 * time.Second, Max: 2},
	}
}

// The expiry is only set when the increment opened a new window. A counter
// found without a TTL is repaired so it cannot throttle a user forever.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Limiter checks events against per-kind rules.
type Limiter struct {
	client  redis.Scripter
	rules   map[Kind]Rule
	timeout time.Duration
}

// New creates a limiter. Kinds missing from rules fall back to DefaultRules.
func New(client redis.Scripter, rules map[Kind]Rule, timeout time.Duration) *Limiter {
	merged := DefaultRules()
	for kind, rule := range rules {
		merged[kind] = rule
	}
	return &Limiter{
		client:  client,
		rules:   merged,
		timeout: timeout,
	}
}

// Key returns the counter key for a user and kind.
func Key(userID string, kind Kind) string {
	return "rate:" + string(kind) + ":" + userID
}

// Check counts one event for the user and reports whether it exceeds the
// limit for its window. Being limited is not an error.
func (l *Limiter) Check(ctx context.Context, userID string, kind Kind) (bool, error) {
	rule, ok := l.rules[kind]
	if !ok {
		return false, fmt.Errorf("unknown rate limit kind %q", kind)
	}

	ctx, cancel := substrate.WithTimeout(ctx, l.timeout)
	defer cancel()

	windowMs := rule.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	count, err := incrScript.Run(ctx, l.client, []string{Key(userID, kind)}, windowMs).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s for %s: %w", kind, userID, err)
	}

	return count > int64(rule.Max), nil
}

// Rule returns the rule in force for kind.
func (l *Limiter) Rule(kind Kind) (Rule, bool) {
	r, ok := l.rules[kind]
	return r, ok
}
