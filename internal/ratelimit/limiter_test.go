package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLimiter_MessageWindow(t *testing.T) {
	mr, client := setup(t)
	limiter := New(client, nil, time.Second)
	ctx := context.Background()

	for i := range 4 {
		limited, err := limiter.Check(ctx, "alice", KindMessage)
		require.NoError(t, err)
		assert.False(t, limited, "message %d should pass", i+1)
	}

	limited, err := limiter.Check(ctx, "alice", KindMessage)
	require.NoError(t, err)
	assert.True(t, limited, "fifth message in the window should be limited")

	mr.FastForward(time.Second)

	limited, err = limiter.Check(ctx, "alice", KindMessage)
	require.NoError(t, err)
	assert.False(t, limited, "a new window should start after expiry")
	assert.Equal(t, "1", mustGet(t, mr, Key("alice", KindMessage)))
}

func TestLimiter_TypingWindow(t *testing.T) {
	mr, client := setup(t)
	limiter := New(client, nil, time.Second)
	ctx := context.Background()

	for range 2 {
		limited, err := limiter.Check(ctx, "alice", KindTyping)
		require.NoError(t, err)
		assert.False(t, limited)
	}

	limited, err := limiter.Check(ctx, "alice", KindTyping)
	require.NoError(t, err)
	assert.True(t, limited)

	// still inside the three second window
	mr.FastForward(2 * time.Second)
	limited, err = limiter.Check(ctx, "alice", KindTyping)
	require.NoError(t, err)
	assert.True(t, limited)

	mr.FastForward(time.Second)
	limited, err = limiter.Check(ctx, "alice", KindTyping)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestLimiter_IndependentCounters(t *testing.T) {
	_, client := setup(t)
	limiter := New(client, map[Kind]Rule{KindMessage: {Window: time.Second, Max: 1}}, time.Second)
	ctx := context.Background()

	limited, err := limiter.Check(ctx, "alice", KindMessage)
	require.NoError(t, err)
	assert.False(t, limited)

	// other user, other kind: unaffected
	limited, err = limiter.Check(ctx, "bob", KindMessage)
	require.NoError(t, err)
	assert.False(t, limited)

	limited, err = limiter.Check(ctx, "alice", KindTyping)
	require.NoError(t, err)
	assert.False(t, limited)

	limited, err = limiter.Check(ctx, "alice", KindMessage)
	require.NoError(t, err)
	assert.True(t, limited)
}

func TestLimiter_SetsExpiryOnFirstIncrement(t *testing.T) {
	mr, client := setup(t)
	limiter := New(client, nil, time.Second)

	_, err := limiter.Check(context.Background(), "alice", KindTyping)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, mr.TTL(Key("alice", KindTyping)))
}

func TestLimiter_RepairsCounterWithoutExpiry(t *testing.T) {
	mr, client := setup(t)
	limiter := New(client, nil, time.Second)

	require.NoError(t, mr.Set(Key("alice", KindMessage), "10"))

	limited, err := limiter.Check(context.Background(), "alice", KindMessage)
	require.NoError(t, err)
	assert.True(t, limited)
	assert.Equal(t, time.Second, mr.TTL(Key("alice", KindMessage)))
}

func TestLimiter_UnknownKind(t *testing.T) {
	_, client := setup(t)
	limiter := New(client, nil, time.Second)

	_, err := limiter.Check(context.Background(), "alice", Kind("bogus"))
	require.Error(t, err)
}

func TestLimiter_SubstrateDown(t *testing.T) {
	mr, client := setup(t)
	limiter := New(client, nil, 200*time.Millisecond)
	mr.Close()

	limited, err := limiter.Check(context.Background(), "alice", KindMessage)
	require.Error(t, err)
	assert.False(t, limited)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestLimiter_RuleMergesDefaults(t *testing.T) {
	limiter := New(nil, map[Kind]Rule{KindMessage: {Window: 2 * time.Second, Max: 10}}, time.Second)

	rule, ok := limiter.Rule(KindMessage)
	require.True(t, ok)
	assert.Equal(t, Rule{Window: 2 * time.Second, Max: 10}, rule)

	rule, ok = limiter.Rule(KindTyping)
	require.True(t, ok)
	assert.Equal(t, DefaultRules()[KindTyping], rule)

	_, ok = limiter.Rule("shout")
	assert.False(t, ok)
}
