package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.Envelope
	err    error
}

func (p *recordingPublisher) PublishPresence(_ context.Context, env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, env)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		var payload protocol.UserPayload
		_ = json.Unmarshal(e.Payload, &payload)
		out = append(out, e.Type+":"+payload.UserID)
	}
	return out
}

func newTracker(t *testing.T, addr string, pub Publisher) *Tracker {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, pub, zerolog.Nop(), Options{Timeout: time.Second, MaxTries: 2})
}

func TestTracker_SingleConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &recordingPublisher{}
	tracker := newTracker(t, mr.Addr(), pub)
	ctx := context.Background()

	first, err := tracker.Register(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, first)

	online, err := tracker.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	last, err := tracker.Deregister(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, last)

	online, err = tracker.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)

	assert.Equal(t, []string{"USER_ONLINE:alice", "USER_OFFLINE:alice"}, pub.types())
}

func TestTracker_MultipleConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &recordingPublisher{}
	tracker := newTracker(t, mr.Addr(), pub)
	ctx := context.Background()

	first, err := tracker.Register(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = tracker.Register(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.False(t, first)

	n, err := tracker.ConnectionCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	last, err := tracker.Deregister(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, last)

	ok, err := tracker.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	last, err = tracker.Deregister(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.True(t, last)

	ok, err = tracker.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"USER_ONLINE:alice", "USER_OFFLINE:alice"}, pub.types())
}

func TestTracker_RepeatedCallsAreIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &recordingPublisher{}
	tracker := newTracker(t, mr.Addr(), pub)
	ctx := context.Background()

	_, err := tracker.Register(ctx, "alice", "c1")
	require.NoError(t, err)
	first, err := tracker.Register(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, first)

	_, err = tracker.Deregister(ctx, "alice", "c1")
	require.NoError(t, err)
	last, err := tracker.Deregister(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, last)

	assert.Equal(t, []string{"USER_ONLINE:alice", "USER_OFFLINE:alice"}, pub.types())
}

func TestTracker_PublishFailureKeepsState(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &recordingPublisher{err: errors.New("boom")}
	tracker := newTracker(t, mr.Addr(), pub)
	ctx := context.Background()

	first, err := tracker.Register(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, first)

	ok, err := tracker.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTracker_SubstrateDown(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &recordingPublisher{}
	tracker := newTracker(t, mr.Addr(), pub)
	mr.Close()

	_, err := tracker.Register(context.Background(), "alice", "c1")
	require.Error(t, err)
	assert.Empty(t, pub.types())
}

// Two trackers on separate clients stand in for two server processes racing
// connects and disconnects for the same users.
func TestTracker_ConcurrentProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &recordingPublisher{}
	processes := []*Tracker{
		newTracker(t, mr.Addr(), pub),
		newTracker(t, mr.Addr(), pub),
	}
	ctx := context.Background()
	users := []string{"alice", "bob", "carol"}

	var g errgroup.Group
	for p, tracker := range processes {
		for _, user := range users {
			for c := range 10 {
				connID := fmt.Sprintf("p%d-%s-%d", p, user, c)
				g.Go(func() error {
					if _, err := tracker.Register(ctx, user, connID); err != nil {
						return err
					}
					// leave every third connection open
					if c%3 == 0 {
						return nil
					}
					_, err := tracker.Deregister(ctx, user, connID)
					return err
				})
			}
		}
	}
	require.NoError(t, g.Wait())

	for _, user := range users {
		n, err := processes[0].ConnectionCount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(8), n, "user %s", user)

		ok, err := processes[1].IsOnline(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, n > 0, ok, "user %s online flag disagrees with connection count", user)
	}

	// now drain everything and check nobody is left online
	var drain errgroup.Group
	for p, tracker := range processes {
		for _, user := range users {
			for c := 0; c < 10; c += 3 {
				connID := fmt.Sprintf("p%d-%s-%d", p, user, c)
				drain.Go(func() error {
					_, err := tracker.Deregister(ctx, user, connID)
					return err
				})
			}
		}
	}
	require.NoError(t, drain.Wait())

	online, err := processes[0].OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
	for _, user := range users {
		n, err := processes[1].ConnectionCount(ctx, user)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestTracker_MarkTyping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tracker := New(client, &recordingPublisher{}, zerolog.Nop(), Options{Timeout: time.Second, TypingTTL: 2 * time.Second})

	require.NoError(t, tracker.MarkTyping(context.Background(), "lobby", "alice"))
	assert.True(t, mr.Exists(TypingKey("lobby", "alice")))
	assert.Equal(t, 2*time.Second, mr.TTL(TypingKey("lobby", "alice")))

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists(TypingKey("lobby", "alice")))
}

// lossyClient applies script calls but reports the first drops successful
// ones as failed, as if the reply was lost on the way back.
type lossyClient struct {
	*redis.Client

	mu    sync.Mutex
	drops int
}

func (c *lossyClient) lose(cmd *redis.Cmd) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cmd.Err() == nil && c.drops > 0 {
		c.drops--
		return redis.NewCmdResult(nil, errors.New("read: connection reset by peer"))
	}
	return cmd
}

func (c *lossyClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return c.lose(c.Client.Eval(ctx, script, keys, args...))
}

func (c *lossyClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return c.lose(c.Client.EvalSha(ctx, sha1, keys, args...))
}

func TestTracker_RetryAfterLostReplyStillAnnounces(t *testing.T) {
	mr := miniredis.RunT(t)
	client := &lossyClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { _ = client.Close() })

	pub := &recordingPublisher{}
	tracker := New(client, pub, zerolog.Nop(), Options{Timeout: time.Second, MaxTries: 3})
	ctx := context.Background()

	client.drops = 1
	first, err := tracker.Register(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, first)

	client.drops = 1
	last, err := tracker.Deregister(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, last)

	assert.Equal(t, []string{"USER_ONLINE:alice", "USER_OFFLINE:alice"}, pub.types())
	online, err := mr.SIsMember(OnlineUsersKey, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}
