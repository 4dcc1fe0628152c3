package serializer

import (
	"bytes"
	"encoding/json"
)

// JSON replicates state as JSON snapshots. FullState marshals the tracked
// value; Patch re-marshals and sends the whole document only when it
// differs from the last one sent. Clients replace their copy wholesale.
//
// This trades bandwidth for simplicity. Rooms with large states should
// provide their own delta-encoding Serializer.
type JSON struct {
	state any
	last  []byte
}

func NewJSON(state any) *JSON {
	return &JSON{state: state}
}

func (s *JSON) ID() string { return "json" }

func (s *JSON) Reset(state any) {
	s.state = state
	s.last = nil
}

func (s *JSON) FullState() ([]byte, error) {
	if s.state == nil {
		return nil, nil
	}
	b, err := json.Marshal(s.state)
	if err != nil {
		return nil, err
	}
	s.last = b
	return b, nil
}

func (s *JSON) Patch() ([]byte, error) {
	if s.state == nil {
		return nil, nil
	}
	b, err := json.Marshal(s.state)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(b, s.last) {
		return nil, nil
	}
	s.last = b
	return b, nil
}

func (s *JSON) Handshake() []byte { return nil }
