package matchmaker

import (
	"errors"
	"fmt"

	"github.com/arenalab/arena/internal/v1/protocol"
)

// Error is a matchmaking refusal carrying the protocol error code shown
// to the client. The HTTP surface maps these to 4xx responses.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matchmaker: %s (code %d)", e.Message, e.Code)
}

// Is lets errors.Is match any two refusals with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func errNoHandler(roomName string) *Error {
	return &Error{Code: protocol.ErrMatchmakeNoHandler, Message: fmt.Sprintf("no room handler registered for %q", roomName)}
}

func errRoomNotFound(roomName string) *Error {
	return &Error{Code: protocol.ErrMatchmakeInvalidCriteria, Message: fmt.Sprintf("no rooms available for %q", roomName)}
}

func errInvalidRoomID(roomID string) *Error {
	return &Error{Code: protocol.ErrMatchmakeInvalidRoomID, Message: fmt.Sprintf("room %q not found", roomID)}
}

func errSeatReservation(cause error) *Error {
	return &Error{Code: protocol.ErrMatchmakeExpired, Message: "seat reservation failed: " + cause.Error()}
}

// AuthError wraps a token validation failure for the HTTP surface.
func AuthError(cause error) *Error {
	return &Error{Code: protocol.ErrAuthFailed, Message: cause.Error()}
}

func errMatchmaking(cause error) *Error {
	return &Error{Code: protocol.ErrMatchmakeUnhandled, Message: cause.Error()}
}

// ErrIpcTimeout marks a remote call that never got a reply. Internal;
// the HTTP surface maps it to a 5xx.
var ErrIpcTimeout = errors.New("matchmaker: remote process did not reply")

// ErrShuttingDown rejects new work during graceful shutdown.
var ErrShuttingDown = errors.New("matchmaker: shutting down")
