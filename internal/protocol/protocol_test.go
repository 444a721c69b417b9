package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Command
		wantErr error
	}{
		{
			name:  "join room",
			frame: `{"type":"JOIN_ROOM","payload":{"roomId":"lobby"}}`,
			want:  JoinRoom{RoomID: "lobby"},
		},
		{
			name:  "leave room",
			frame: `{"type":"LEAVE_ROOM","payload":{"roomId":"lobby"}}`,
			want:  LeaveRoom{RoomID: "lobby"},
		},
		{
			name:  "send message",
			frame: `{"type":"SEND_MESSAGE","payload":{"roomId":"lobby","content":"hi"}}`,
			want:  SendMessage{RoomID: "lobby", Content: "hi"},
		},
		{
			name:  "typing start",
			frame: `{"type":"TYPING_START","payload":{"roomId":"lobby"}}`,
			want:  TypingStart{RoomID: "lobby"},
		},
		{
			name:  "missing payload decodes empty",
			frame: `{"type":"JOIN_ROOM"}`,
			want:  JoinRoom{},
		},
		{
			name:  "null payload decodes empty",
			frame: `{"type":"SEND_MESSAGE","payload":null}`,
			want:  SendMessage{},
		},
		{
			name:    "not json",
			frame:   `{"type":`,
			wantErr: ErrMalformed,
		},
		{
			name:    "json array",
			frame:   `[1,2]`,
			wantErr: ErrMissingType,
		},
		{
			name:    "json null",
			frame:   `null`,
			wantErr: ErrMissingType,
		},
		{
			name:    "type is null",
			frame:   `{"type":null,"payload":{}}`,
			wantErr: ErrMissingType,
		},
		{
			name:    "type is zero",
			frame:   `{"type":0}`,
			wantErr: ErrMissingType,
		},
		{
			name:    "type is a number",
			frame:   `{"type":5,"payload":{}}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "type is an object",
			frame:   `{"type":{"name":"JOIN_ROOM"}}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "missing type",
			frame:   `{"payload":{"roomId":"lobby"}}`,
			wantErr: ErrMissingType,
		},
		{
			name:    "empty type",
			frame:   `{"type":"","payload":{}}`,
			wantErr: ErrMissingType,
		},
		{
			name:    "unknown type",
			frame:   `{"type":"DANCE","payload":{}}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "payload is a string",
			frame:   `{"type":"JOIN_ROOM","payload":"lobby"}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "payload field has wrong type",
			frame:   `{"type":"JOIN_ROOM","payload":{"roomId":42}}`,
			wantErr: ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.EventType(), got.EventType())
		})
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(TypeRoomJoined, RoomPayload{RoomID: "lobby"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ROOM_JOINED","payload":{"roomId":"lobby"}}`, string(data))

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeRoomJoined, env.Type)
}

func TestEncode_UnmarshalablePayload(t *testing.T) {
	_, err := Encode(TypeError, map[string]any{"bad": make(chan int)})
	require.Error(t, err)
}
