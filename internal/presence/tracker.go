// Package presence keeps the shared record of which users are online. Each
// user has a set of live connection IDs; the user is in the global online set
// iff that set is non-empty.
package presence

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
	"chatrelay/internal/substrate"
)

// OnlineUsersKey is the global set of online user IDs.
const OnlineUsersKey = "online_users"

// SocketsKey is the set of live connection IDs for a user.
func SocketsKey(userID string) string {
	return "user:" + userID + ":sockets"
}

// Publisher fans presence transitions out to every process.
type Publisher interface {
	PublishPresence(ctx context.Context, env protocol.Envelope) error
}

// Both scripts mutate the socket set and reconcile the online set in one
// atomic step, so concurrent connects and disconnects for the same user from
// different processes always leave the two sets in agreement.
var (
	registerScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
local count = redis.call('SCARD', KEYS[1])
redis.call('SADD', KEYS[2], ARGV[2])
return {added, count}
`)

	deregisterScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
local count = redis.call('SCARD', KEYS[1])
if count == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
end
return {removed, count}
`)
)

// TypingKey marks a user as typing in a room until it expires.
func TypingKey(roomID, userID string) string {
	return "typing_marker:" + roomID + ":" + userID
}

// Options tunes substrate timeouts, retries and the typing marker lifetime.
type Options struct {
	Timeout   time.Duration
	MaxTries  uint
	TypingTTL time.Duration
}

// Tracker registers and deregisters connections in the shared presence record.
type Tracker struct {
	client    redis.Cmdable
	publisher Publisher
	log       zerolog.Logger
	timeout   time.Duration
	maxTries  uint
	typingTTL time.Duration
}

func New(client redis.Cmdable, publisher Publisher, log zerolog.Logger, opts Options) *Tracker {
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 3 * time.Second
	}
	return &Tracker{
		client:    client,
		publisher: publisher,
		log:       log,
		timeout:   opts.Timeout,
		maxTries:  opts.MaxTries,
		typingTTL: opts.TypingTTL,
	}
}

// Register records a new connection for the user. When it is the user's first
// connection, USER_ONLINE is published and first is true.
func (t *Tracker) Register(ctx context.Context, userID, connID string) (bool, error) {
	changed, count, err := t.mutate(ctx, registerScript, userID, connID)
	if err != nil {
		return false, fmt.Errorf("register connection %s for %s: %w", connID, userID, err)
	}

	first := changed && count == 1
	if first {
		t.log.Info().Str("user_id", userID).Msg("user online")
		t.announce(ctx, protocol.TypeUserOnline, userID)
	}
	return first, nil
}

// Deregister removes a connection. When it was the user's last connection,
// USER_OFFLINE is published and last is true.
func (t *Tracker) Deregister(ctx context.Context, userID, connID string) (bool, error) {
	changed, count, err := t.mutate(ctx, deregisterScript, userID, connID)
	if err != nil {
		return false, fmt.Errorf("deregister connection %s for %s: %w", connID, userID, err)
	}

	last := changed && count == 0
	if last {
		t.log.Info().Str("user_id", userID).Msg("user offline")
		t.announce(ctx, protocol.TypeUserOffline, userID)
	}
	return last, nil
}

// mutate runs a presence script, retrying transient failures. Both scripts are
// idempotent so a retry after an unacknowledged success is harmless. A retry
// cannot tell whether an earlier attempt already applied the change, so after
// a failed attempt the resulting count alone decides the transition.
func (t *Tracker) mutate(ctx context.Context, script *redis.Script, userID, connID string) (bool, int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	keys := []string{SocketsKey(userID), OnlineUsersKey}
	attempts := 0

	result, err := backoff.Retry(ctx, func() ([]int64, error) {
		attempts++
		callCtx, cancel := substrate.WithTimeout(ctx, t.timeout)
		defer cancel()

		res, err := script.Run(callCtx, t.client, keys, connID, userID).Int64Slice()
		if err != nil {
			t.log.Warn().Err(err).Str("user_id", userID).Msg("presence update failed, retrying")
			return nil, err
		}
		if len(res) != 2 {
			return nil, backoff.Permanent(fmt.Errorf("unexpected presence script reply length: %d", len(res)))
		}
		return res, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(t.maxTries))
	if err != nil {
		return false, 0, err
	}

	return result[0] == 1 || attempts > 1, result[1], nil
}

func (t *Tracker) announce(ctx context.Context, eventType, userID string) {
	env, err := protocol.New(eventType, protocol.UserPayload{UserID: userID})
	if err != nil {
		t.log.Error().Err(err).Msg("encode presence event")
		return
	}
	if err := t.publisher.PublishPresence(ctx, env); err != nil {
		t.log.Error().Err(err).Str("user_id", userID).Str("type", eventType).Msg("publish presence event")
	}
}

// MarkTyping records that the user is typing in the room. The marker expires
// on its own.
func (t *Tracker) MarkTyping(ctx context.Context, roomID, userID string) error {
	ctx, cancel := substrate.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.client.Set(ctx, TypingKey(roomID, userID), "1", t.typingTTL).Err(); err != nil {
		return fmt.Errorf("mark %s typing in %s: %w", userID, roomID, err)
	}
	return nil
}

// OnlineUsers returns the global online set, sorted.
func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := substrate.WithTimeout(ctx, t.timeout)
	defer cancel()

	users, err := t.client.SMembers(ctx, OnlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	slices.Sort(users)
	return users, nil
}

// ConnectionCount returns how many live connections the user has across all
// processes.
func (t *Tracker) ConnectionCount(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := substrate.WithTimeout(ctx, t.timeout)
	defer cancel()

	n, err := t.client.SCard(ctx, SocketsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count connections for %s: %w", userID, err)
	}
	return n, nil
}

// IsOnline reports whether the user is in the global online set.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := substrate.WithTimeout(ctx, t.timeout)
	defer cancel()

	ok, err := t.client.SIsMember(ctx, OnlineUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("check online %s: %w", userID, err)
	}
	return ok, nil
}
