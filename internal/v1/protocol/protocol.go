// Package protocol defines the byte-level contract between clients and rooms.
//
// Every frame starts with a single code byte; the remainder is a msgpack
// document whose shape depends on the code. Numeric values are contracted
// with the client SDKs and must not change.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame codes (byte 0 of a client<->room frame).
const (
	JoinRoom       byte = 10 // S->C: reconnectionToken, serializerId, handshake?
	ErrorCode      byte = 11 // S->C: code, message
	LeaveRoom      byte = 12 // S->C
	RoomData       byte = 13 // both: type + packed payload
	RoomState      byte = 14 // S->C: full state bytes
	RoomStatePatch byte = 15 // S->C: delta bytes
	RoomDataBytes  byte = 17 // both: type + raw bytes
	Reconnect      byte = 18 // C->S: reconnectionToken
)

// WebSocket close codes.
const (
	CloseConsented      = 4000
	CloseWithError      = 4002
	CloseDevModeRestart = 4010
)

// Error codes carried by ERROR frames and matchmaking refusals.
const (
	ErrMatchmakeNoHandler       = 4210
	ErrMatchmakeInvalidCriteria = 4211
	ErrMatchmakeInvalidRoomID   = 4212
	ErrMatchmakeUnhandled       = 4213
	ErrMatchmakeExpired         = 4214
	ErrAuthFailed               = 4215
	ErrApplicationError         = 4216
	ErrInvalidPayload           = 4217
)

// Message is a decoded client->server frame.
type Message struct {
	Code byte

	// Type is set for RoomData / RoomDataBytes frames. It is either a
	// string or an int64 depending on what the client sent.
	Type any

	// Payload is the decoded msgpack payload for RoomData frames.
	Payload any

	// Bytes is the raw payload for RoomDataBytes frames.
	Bytes []byte

	// ReconnectionToken is set for Reconnect frames.
	ReconnectionToken string
}

var ErrEmptyFrame = errors.New("protocol: empty frame")

// Decode parses a client->server frame.
func Decode(buf []byte) (Message, error) {
	if len(buf) == 0 {
		return Message{}, ErrEmptyFrame
	}

	msg := Message{Code: buf[0]}
	body := buf[1:]

	switch msg.Code {
	case RoomData:
		var frame []any
		if err := msgpack.Unmarshal(body, &frame); err != nil {
			return msg, fmt.Errorf("protocol: malformed ROOM_DATA frame: %w", err)
		}
		if len(frame) == 0 {
			return msg, errors.New("protocol: ROOM_DATA frame missing message type")
		}
		typ, err := normalizeType(frame[0])
		if err != nil {
			return msg, err
		}
		msg.Type = typ
		if len(frame) > 1 {
			msg.Payload = frame[1]
		}
		return msg, nil

	case RoomDataBytes:
		var frame []any
		if err := msgpack.Unmarshal(body, &frame); err != nil {
			return msg, fmt.Errorf("protocol: malformed ROOM_DATA_BYTES frame: %w", err)
		}
		if len(frame) < 2 {
			return msg, errors.New("protocol: ROOM_DATA_BYTES frame missing payload")
		}
		typ, err := normalizeType(frame[0])
		if err != nil {
			return msg, err
		}
		raw, ok := frame[1].([]byte)
		if !ok {
			return msg, errors.New("protocol: ROOM_DATA_BYTES payload is not binary")
		}
		msg.Type = typ
		msg.Bytes = raw
		return msg, nil

	case Reconnect:
		var token string
		if err := msgpack.Unmarshal(body, &token); err != nil {
			return msg, fmt.Errorf("protocol: malformed RECONNECT frame: %w", err)
		}
		msg.ReconnectionToken = token
		return msg, nil

	default:
		return msg, fmt.Errorf("protocol: unknown frame code %d", msg.Code)
	}
}

// normalizeType coerces the wire representation of a message type to a
// string or int64. msgpack decodes small integers into narrower types.
func normalizeType(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return t, nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case int:
		return int64(t), nil
	default:
		return nil, fmt.Errorf("protocol: message type must be string or number, got %T", v)
	}
}

// EncodeJoinRoom builds the JOIN_ROOM frame sent on a successful join.
func EncodeJoinRoom(reconnectionToken, serializerID string, handshake []byte) ([]byte, error) {
	body, err := msgpack.Marshal([]any{reconnectionToken, serializerID, handshake})
	if err != nil {
		return nil, err
	}
	return append([]byte{JoinRoom}, body...), nil
}

// EncodeError builds an ERROR frame.
func EncodeError(code int, message string) ([]byte, error) {
	body, err := msgpack.Marshal([]any{code, message})
	if err != nil {
		return nil, err
	}
	return append([]byte{ErrorCode}, body...), nil
}

// EncodeLeaveRoom builds the LEAVE_ROOM frame.
func EncodeLeaveRoom() []byte {
	return []byte{LeaveRoom}
}

// EncodeRoomData builds a ROOM_DATA frame carrying a typed, packed payload.
func EncodeRoomData(messageType any, payload any) ([]byte, error) {
	frame := []any{messageType}
	if payload != nil {
		frame = append(frame, payload)
	}
	body, err := msgpack.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return append([]byte{RoomData}, body...), nil
}

// EncodeRoomDataBytes builds a ROOM_DATA_BYTES frame carrying raw bytes.
func EncodeRoomDataBytes(messageType any, raw []byte) ([]byte, error) {
	body, err := msgpack.Marshal([]any{messageType, raw})
	if err != nil {
		return nil, err
	}
	return append([]byte{RoomDataBytes}, body...), nil
}

// EncodeRoomState builds a ROOM_STATE frame carrying full state bytes.
func EncodeRoomState(state []byte) []byte {
	return append([]byte{RoomState}, state...)
}

// EncodeRoomStatePatch builds a ROOM_STATE_PATCH frame carrying delta bytes.
func EncodeRoomStatePatch(patch []byte) []byte {
	return append([]byte{RoomStatePatch}, patch...)
}

// EncodeReconnect builds the client RECONNECT frame. Servers only decode
// this; it is exported for tests and client tooling.
func EncodeReconnect(token string) ([]byte, error) {
	body, err := msgpack.Marshal(token)
	if err != nil {
		return nil, err
	}
	return append([]byte{Reconnect}, body...), nil
}
