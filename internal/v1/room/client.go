package room

// Transport is the connection handle a client session writes to. The
// concrete adapter (WebSocket in production, mocks in tests) lives
// outside this package.
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// ClientState tracks a session through its lifetime inside a room.
type ClientState int

const (
	ClientJoining ClientState = iota
	ClientJoined
	ClientReconnected
	ClientLeaving
)

func (s ClientState) String() string {
	switch s {
	case ClientJoining:
		return "joining"
	case ClientJoined:
		return "joined"
	case ClientReconnected:
		return "reconnected"
	case ClientLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Client is one connected session. It is owned by its room; all field
// access happens under the room's lock.
type Client struct {
	SessionID         string
	ReconnectionToken string
	Auth              any

	// UserData is free space for delegate code (player handle, team, ...).
	UserData any

	state     ClientState
	transport Transport

	// reconnHeld is set when AllowReconnection has taken over the seat
	// bookkeeping for this client's departure.
	reconnHeld bool
}

// State returns the client's lifecycle state.
func (c *Client) State() ClientState { return c.state }

// Send writes a raw frame to this client's transport.
func (c *Client) Send(data []byte) error { return c.transport.Send(data) }

// receiving reports whether broadcasts should include this client.
func (c *Client) receiving() bool {
	return c.state == ClientJoined || c.state == ClientReconnected
}
