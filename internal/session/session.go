// Package session drives one client connection: registration, frame dispatch
// and teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/registry"
	"chatrelay/internal/store"
)

// Messages returned to the client in ERROR envelopes.
const (
	MsgInvalidJSON     = "Invalid JSON"
	MsgMissingType     = "Missing event type"
	MsgUnknownType     = "Unknown event type"
	MsgInvalidPayload  = "Invalid payload"
	MsgRoomIDRequired  = "roomId required"
	MsgAlreadyInRoom   = "Already in room"
	MsgNotInRoom       = "Not in room"
	MsgContentRequired = "roomId and content required"
	MsgNotMember       = "You are not in this room"
	MsgRateLimited     = "Too many messages. Slow down."
	MsgSaveFailed      = "Failed to save message"
)

// ErrClosed is returned by Open when the session was closed while opening.
var ErrClosed = errors.New("session closed")

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateOnline
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Broadcaster publishes room-scoped events to every process.
type Broadcaster interface {
	PublishRoom(ctx context.Context, roomID string, env protocol.Envelope) error
	PublishTyping(ctx context.Context, roomID string, env protocol.Envelope) error
}

// Presence records connections in the shared presence record.
type Presence interface {
	Register(ctx context.Context, userID, connID string) (bool, error)
	Deregister(ctx context.Context, userID, connID string) (bool, error)
	MarkTyping(ctx context.Context, roomID, userID string) error
}

// Limiter reports whether a user has exceeded a rate limit.
type Limiter interface {
	Check(ctx context.Context, userID string, kind ratelimit.Kind) (bool, error)
}

// Deps are the process-wide collaborators shared by all sessions.
type Deps struct {
	Registry *registry.Registry
	Relay    Broadcaster
	Presence Presence
	Limiter  Limiter
	Store    store.Store
	Log      zerolog.Logger
}

// Session owns one connection. Frames are handled one at a time in arrival
// order; different sessions run independently.
type Session struct {
	conn  *registry.Connection
	deps  Deps
	log   zerolog.Logger
	state atomic.Int32
	mu    sync.Mutex
}

func New(conn *registry.Connection, deps Deps) *Session {
	return &Session{
		conn: conn,
		deps: deps,
		log: deps.Log.With().
			Str("conn_id", conn.ID).
			Str("user_id", conn.UserID).
			Logger(),
	}
}

func (s *Session) Conn() *registry.Connection { return s.conn }

func (s *Session) State() State { return State(s.state.Load()) }

// Open registers the connection locally and in the presence record. The
// session goes online only when both succeed. If Close is called while Open
// is registering, Open undoes the registration and returns ErrClosed.
func (s *Session) Open(ctx context.Context) error {
	switch s.State() {
	case StateConnecting:
	case StateOnline:
		return errors.New("session already opened")
	default:
		return ErrClosed
	}

	s.deps.Registry.Attach(s.conn)

	if _, err := s.deps.Presence.Register(ctx, s.conn.UserID, s.conn.ID); err != nil {
		s.deps.Registry.Detach(s.conn)
		s.conn.Close()
		s.state.Store(int32(StateClosed))
		return err
	}

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOnline)) {
		s.teardown(ctx)
		return ErrClosed
	}

	s.log.Debug().Msg("session online")
	return nil
}

// Handle processes one inbound frame. Frames arriving outside the online state
// are ignored.
func (s *Session) Handle(ctx context.Context, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateOnline {
		return
	}

	cmd, err := protocol.Decode(frame)
	if err != nil {
		s.log.Debug().Err(err).Msg("rejected frame")
		s.replyError(decodeErrorMessage(err))
		return
	}

	switch c := cmd.(type) {
	case protocol.JoinRoom:
		s.joinRoom(c)
	case protocol.LeaveRoom:
		s.leaveRoom(c)
	case protocol.SendMessage:
		s.sendMessage(ctx, c)
	case protocol.TypingStart:
		s.typingStart(ctx, c)
	}
}

func decodeErrorMessage(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMissingType):
		return MsgMissingType
	case errors.Is(err, protocol.ErrUnknownType):
		return MsgUnknownType
	case errors.Is(err, protocol.ErrInvalidPayload):
		return MsgInvalidPayload
	default:
		return MsgInvalidJSON
	}
}

// Close tears the session down: it leaves every joined room, deregisters from
// presence and marks the connection closed. It is safe to call more than once
// and waits for an in-flight frame to finish. Closing a session that is still
// opening leaves the teardown to Open.
func (s *Session) Close(ctx context.Context) {
	if s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) {
		return
	}
	if !s.state.CompareAndSwap(int32(StateOnline), int32(StateClosing)) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown(ctx)
}

// teardown runs with the session in StateClosing.
func (s *Session) teardown(ctx context.Context) {
	left := s.deps.Registry.Detach(s.conn)
	s.conn.Close()

	if _, err := s.deps.Presence.Deregister(ctx, s.conn.UserID, s.conn.ID); err != nil {
		s.log.Error().Err(err).Msg("deregister presence")
	}

	s.state.Store(int32(StateClosed))
	s.log.Debug().Strs("rooms", left).Msg("session closed")
}

func (s *Session) joinRoom(c protocol.JoinRoom) {
	if c.RoomID == "" {
		s.replyError(MsgRoomIDRequired)
		return
	}

	if err := s.deps.Registry.Join(s.conn, c.RoomID); err != nil {
		if errors.Is(err, registry.ErrAlreadyInRoom) {
			s.replyError(MsgAlreadyInRoom)
			return
		}
		s.log.Error().Err(err).Str("room_id", c.RoomID).Msg("join room")
		return
	}

	s.log.Debug().Str("room_id", c.RoomID).Msg("joined room")
	s.reply(protocol.TypeRoomJoined, protocol.RoomPayload{RoomID: c.RoomID})
}

func (s *Session) leaveRoom(c protocol.LeaveRoom) {
	if c.RoomID == "" {
		s.replyError(MsgNotInRoom)
		return
	}

	if err := s.deps.Registry.Leave(s.conn, c.RoomID); err != nil {
		s.replyError(MsgNotInRoom)
		return
	}

	s.log.Debug().Str("room_id", c.RoomID).Msg("left room")
	s.reply(protocol.TypeRoomLeft, protocol.RoomPayload{RoomID: c.RoomID})
}

// sendMessage checks membership and the rate limit before saving. A failed
// save still counts against the limit.
func (s *Session) sendMessage(ctx context.Context, c protocol.SendMessage) {
	if c.RoomID == "" || c.Content == "" {
		s.replyError(MsgContentRequired)
		return
	}

	if !s.deps.Registry.InRoom(s.conn, c.RoomID) {
		s.replyError(MsgNotMember)
		return
	}

	limited, err := s.deps.Limiter.Check(ctx, s.conn.UserID, ratelimit.KindMessage)
	if err != nil {
		s.log.Error().Err(err).Msg("message rate limit check failed, allowing")
	}
	if limited {
		s.replyError(MsgRateLimited)
		return
	}

	msg, err := s.deps.Store.Create(ctx, c.RoomID, s.conn.UserID, c.Content)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", c.RoomID).Msg("save message")
		s.replyError(MsgSaveFailed)
		return
	}

	env, err := protocol.New(protocol.TypeNewMessage, msg)
	if err != nil {
		s.log.Error().Err(err).Msg("encode message")
		return
	}
	if err := s.deps.Relay.PublishRoom(ctx, c.RoomID, env); err != nil {
		s.log.Error().Err(err).Str("room_id", c.RoomID).Str("message_id", msg.ID).Msg("publish message")
	}
}

// typingStart drops rate limited events without telling the client.
func (s *Session) typingStart(ctx context.Context, c protocol.TypingStart) {
	if c.RoomID == "" {
		s.replyError(MsgRoomIDRequired)
		return
	}

	if !s.deps.Registry.InRoom(s.conn, c.RoomID) {
		s.replyError(MsgNotInRoom)
		return
	}

	limited, err := s.deps.Limiter.Check(ctx, s.conn.UserID, ratelimit.KindTyping)
	if err != nil {
		s.log.Warn().Err(err).Msg("typing rate limit check failed, dropping")
		return
	}
	if limited {
		return
	}

	if err := s.deps.Presence.MarkTyping(ctx, c.RoomID, s.conn.UserID); err != nil {
		s.log.Warn().Err(err).Str("room_id", c.RoomID).Msg("set typing marker")
	}

	env, err := protocol.New(protocol.TypeUserTyping, protocol.TypingPayload{UserID: s.conn.UserID, RoomID: c.RoomID})
	if err != nil {
		s.log.Error().Err(err).Msg("encode typing")
		return
	}
	if err := s.deps.Relay.PublishTyping(ctx, c.RoomID, env); err != nil {
		s.log.Error().Err(err).Str("room_id", c.RoomID).Msg("publish typing")
	}
}

func (s *Session) reply(eventType string, payload any) {
	data, err := protocol.Encode(eventType, payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", eventType).Msg("encode reply")
		return
	}
	if !s.conn.Send(data) {
		s.log.Debug().Str("type", eventType).Msg("reply dropped")
	}
}

func (s *Session) replyError(message string) {
	s.reply(protocol.TypeError, protocol.ErrorPayload{Message: message})
}
