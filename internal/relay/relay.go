// Package relay fans events out across processes through Redis pub/sub.
//
// Producers only publish. Every process, including the publisher, delivers to
// its local connections from its own subscription, so local and remote
// observers see a channel's events in the same order through the same path.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
	"chatrelay/internal/registry"
	"chatrelay/internal/substrate"
)

const (
	RoomPrefix      = "room:"
	TypingPrefix    = "typing:"
	PresenceChannel = "presence"
)

// RoomChannel carries NEW_MESSAGE events for a room.
func RoomChannel(roomID string) string { return RoomPrefix + roomID }

// TypingChannel carries USER_TYPING events for a room.
func TypingChannel(roomID string) string { return TypingPrefix + roomID }

// Relay publishes envelopes to the substrate and delivers received envelopes
// to local connections.
type Relay struct {
	client   redis.UniversalClient
	registry *registry.Registry
	log      zerolog.Logger
	timeout  time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
}

func New(client redis.UniversalClient, reg *registry.Registry, log zerolog.Logger, timeout time.Duration) *Relay {
	return &Relay{
		client:   client,
		registry: reg,
		log:      log,
		timeout:  timeout,
	}
}

// Start subscribes to every room and typing channel plus the presence channel
// and returns once all subscriptions are confirmed.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return nil
	}

	ctx, cancel := substrate.WithTimeout(ctx, r.timeout)
	defer cancel()

	ps := r.client.Subscribe(ctx, PresenceChannel)
	if err := ps.PSubscribe(ctx, RoomPrefix+"*", TypingPrefix+"*"); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe relay patterns: %w", err)
	}

	for confirmed := 0; confirmed < 3; {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return fmt.Errorf("confirm relay subscriptions: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			confirmed++
		case *redis.Message:
			r.dispatch(m.Channel, []byte(m.Payload))
		}
	}

	r.pubsub = ps
	r.done = make(chan struct{})
	go r.receive(ps.Channel(), r.done)

	r.log.Info().Msg("relay subscribed")
	return nil
}

// Stop closes the subscription and waits for the receive loop to finish.
func (r *Relay) Stop() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()

	if ps == nil {
		return nil
	}

	err := ps.Close()
	<-done
	r.log.Info().
		Int64("delivered", r.delivered.Load()).
		Int64("dropped", r.dropped.Load()).
		Msg("relay stopped")
	return err
}

func (r *Relay) receive(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for msg := range ch {
		r.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch delivers one received payload to the local connections in scope.
func (r *Relay) dispatch(channel string, payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
		r.log.Warn().Str("channel", channel).Msg("dropping malformed envelope")
		return
	}

	var targets []*registry.Connection
	switch {
	case channel == PresenceChannel:
		targets = r.registry.Connections()
	case strings.HasPrefix(channel, RoomPrefix):
		targets = r.registry.Members(strings.TrimPrefix(channel, RoomPrefix))
	case strings.HasPrefix(channel, TypingPrefix):
		targets = r.registry.Members(strings.TrimPrefix(channel, TypingPrefix))
	default:
		r.log.Debug().Str("channel", channel).Msg("ignoring unmatched channel")
		return
	}

	for _, c := range targets {
		if c.Send(payload) {
			r.delivered.Add(1)
			continue
		}
		r.dropped.Add(1)
		r.log.Warn().Str("conn_id", c.ID).Str("channel", channel).Msg("dropped event for closed or slow connection")
	}
}

// Publish sends an envelope on a channel.
func (r *Relay) Publish(ctx context.Context, channel string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	ctx, cancel := substrate.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Relay) PublishRoom(ctx context.Context, roomID string, env protocol.Envelope) error {
	return r.Publish(ctx, RoomChannel(roomID), env)
}

func (r *Relay) PublishTyping(ctx context.Context, roomID string, env protocol.Envelope) error {
	return r.Publish(ctx, TypingChannel(roomID), env)
}

func (r *Relay) PublishPresence(ctx context.Context, env protocol.Envelope) error {
	return r.Publish(ctx, PresenceChannel, env)
}

// Running reports whether the subscription is active.
func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub != nil
}

// Stats returns how many deliveries succeeded and how many were dropped.
func (r *Relay) Stats() (delivered, dropped int64) {
	return r.delivered.Load(), r.dropped.Load()
}
