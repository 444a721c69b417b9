// Package protocol defines the envelope exchanged on every websocket frame and
// every relay channel, and decodes inbound frames into typed commands.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client-to-server event types.
const (
	TypeJoinRoom    = "JOIN_ROOM"
	TypeLeaveRoom   = "LEAVE_ROOM"
	TypeSendMessage = "SEND_MESSAGE"
	TypeTypingStart = "TYPING_START"
)

// Server-to-client event types.
const (
	TypeRoomJoined  = "ROOM_JOINED"
	TypeRoomLeft    = "ROOM_LEFT"
	TypeNewMessage  = "NEW_MESSAGE"
	TypeUserTyping  = "USER_TYPING"
	TypeUserOnline  = "USER_ONLINE"
	TypeUserOffline = "USER_OFFLINE"
	TypeError       = "ERROR"
)

var (
	ErrMalformed      = errors.New("malformed envelope")
	ErrMissingType    = errors.New("missing event type")
	ErrUnknownType    = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the uniform wrapper for all traffic.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// New builds an envelope, marshalling payload into its raw form.
func New(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

// Encode builds an envelope and returns its wire form.
func Encode(eventType string, payload any) ([]byte, error) {
	env, err := New(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Command is an inbound client event with its validated payload.
type Command interface {
	EventType() string
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type TypingStart struct {
	RoomID string `json:"roomId"`
}

func (JoinRoom) EventType() string    { return TypeJoinRoom }
func (LeaveRoom) EventType() string   { return TypeLeaveRoom }
func (SendMessage) EventType() string { return TypeSendMessage }
func (TypingStart) EventType() string { return TypeTypingStart }

// Decode parses a raw frame into a Command. The returned error wraps one of
// ErrMalformed, ErrMissingType, ErrUnknownType or ErrInvalidPayload. Valid JSON
// that is not an object has no type and reports ErrMissingType.
func Decode(frame []byte) (Command, error) {
	if !json.Valid(frame) {
		return nil, ErrMalformed
	}

	var env struct {
		Type    any             `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrMissingType
	}

	name, err := typeName(env.Type)
	if err != nil {
		return nil, err
	}

	var cmd Command
	switch name {
	case TypeJoinRoom:
		var p JoinRoom
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		cmd = p
	case TypeLeaveRoom:
		var p LeaveRoom
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		cmd = p
	case TypeSendMessage:
		var p SendMessage
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		cmd = p
	case TypeTypingStart:
		var p TypingStart
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		cmd = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}

	return cmd, nil
}

// decodePayload treats an absent or null payload as empty. Anything other than
// a JSON object is rejected.
// typeName reads the type field loosely: absent, null, false, 0 and "" all
// count as missing, and any other non-string is an unknown type.
func typeName(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", ErrMissingType
	case string:
		if t == "" {
			return "", ErrMissingType
		}
		return t, nil
	case bool:
		if !t {
			return "", ErrMissingType
		}
	case float64:
		if t == 0 {
			return "", ErrMissingType
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnknownType, v)
}

func decodePayload(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '{' {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Outbound payloads.

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type UserPayload struct {
	UserID string `json:"userId"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
