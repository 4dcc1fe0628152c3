// Package serializer turns room state into the byte frames clients
// receive: one full snapshot on join, deltas on each patch interval.
package serializer

// Serializer encodes a room's state for transmission. Implementations
// are owned by a single room and called only from its executor.
type Serializer interface {
	// ID is sent in the join handshake so the client picks a matching
	// decoder.
	ID() string

	// Reset replaces the tracked state reference.
	Reset(state any)

	// FullState encodes the complete current state, sent to newly joined
	// clients.
	FullState() ([]byte, error)

	// Patch encodes changes since the previous Patch call. A nil slice
	// means nothing changed and no frame should be sent.
	Patch() ([]byte, error)

	// Handshake returns optional schema bytes for the join frame.
	Handshake() []byte
}

// None is used by rooms that keep no replicated state. Every method is a
// no-op; no state or patch frames are ever sent.
type None struct{}

func NewNone() *None { return &None{} }

func (*None) ID() string                 { return "none" }
func (*None) Reset(any)                  {}
func (*None) FullState() ([]byte, error) { return nil, nil }
func (*None) Patch() ([]byte, error)     { return nil, nil }
func (*None) Handshake() []byte          { return nil }
