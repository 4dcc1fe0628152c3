package room

import (
	"fmt"
	"time"

	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/arenalab/arena/internal/v1/protocol"
	"k8s.io/utils/set"
)

// WildcardMessage matches any type without a dedicated handler.
const WildcardMessage = "*"

// MessageHandler processes one typed client message. messageType is a
// string or an int64 as decoded from the wire.
type MessageHandler func(c *Client, messageType any, payload any) error

// Validator may normalize or reject a payload before the handler runs.
type Validator func(payload any) (any, error)

type messageHandler struct {
	fn       MessageHandler
	validate Validator
}

// OnMessage registers a handler for messageType. Registering the same
// type twice replaces the handler.
func (r *Room) OnMessage(messageType any, fn MessageHandler) {
	r.OnMessageValidated(messageType, nil, fn)
}

// OnMessageValidated registers a handler with a payload validator.
func (r *Room) OnMessageValidated(messageType any, validate Validator, fn MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = &messageHandler{fn: fn, validate: validate}
}

// HandleFrame dispatches one raw client frame. Called by the transport's
// read pump, one frame at a time per client.
func (r *Room) HandleFrame(c *Client, buf []byte) {
	msg, err := protocol.Decode(buf)
	if err != nil {
		r.rejectMessage(c, protocol.ErrInvalidPayload, err.Error())
		return
	}

	switch msg.Code {
	case protocol.RoomData:
		r.dispatch(c, msg.Type, msg.Payload)
	case protocol.RoomDataBytes:
		r.dispatch(c, msg.Type, msg.Bytes)
	case protocol.Reconnect:
		// The identifying frame was already consumed when this client
		// attached. A retrying client gets an answer, not a hard close.
		if frame, err := protocol.EncodeError(protocol.ErrInvalidPayload, "session already established"); err == nil {
			_ = c.Send(frame)
		}
	default:
		r.rejectMessage(c, protocol.ErrInvalidPayload, fmt.Sprintf("unexpected frame code %d", msg.Code))
	}
}

// dispatch resolves the handler chain: exact type, then wildcard. Missing
// handler rejects the message. Handler or validator failures route to the
// exception delegate and close the offending client; the room continues.
func (r *Room) dispatch(c *Client, messageType any, payload any) {
	r.mu.Lock()
	if c.state == ClientLeaving {
		r.mu.Unlock()
		return
	}
	h, ok := r.handlers[messageType]
	if !ok {
		h, ok = r.handlers[WildcardMessage]
	}
	r.mu.Unlock()

	if !ok {
		metrics.MessagesDispatched.WithLabelValues("unhandled").Inc()
		r.rejectMessage(c, protocol.ErrInvalidPayload, fmt.Sprintf("no handler for message type %v", messageType))
		return
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		if h.validate != nil {
			payload, err = h.validate(payload)
			if err != nil {
				return err
			}
		}
		return h.fn(c, messageType, payload)
	}()
	metrics.MessageDispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MessagesDispatched.WithLabelValues("error").Inc()
		r.routeException(fmt.Errorf("message %v: %w", messageType, err), "onMessage")
		if frame, encErr := protocol.EncodeError(protocol.ErrApplicationError, err.Error()); encErr == nil {
			_ = c.Send(frame)
		}
		_ = c.transport.Close(protocol.CloseWithError, "message handler failed")
		r.Leave(c, protocol.CloseWithError)
		return
	}
	metrics.MessagesDispatched.WithLabelValues("ok").Inc()
}

// rejectMessage surfaces a malformed or unhandled message. Dev mode keeps
// the connection and replies with an error frame; production closes it.
func (r *Room) rejectMessage(c *Client, code int, reason string) {
	if frame, err := protocol.EncodeError(code, reason); err == nil {
		_ = c.Send(frame)
	}
	if r.devMode {
		return
	}
	_ = c.transport.Close(protocol.CloseWithError, reason)
	r.Leave(c, protocol.CloseWithError)
}

// BroadcastOption tunes delivery of one broadcast.
type BroadcastOption func(*broadcastOptions)

type broadcastOptions struct {
	except         set.Set[string]
	afterNextPatch bool
}

// Except excludes clients from a broadcast.
func Except(clients ...*Client) BroadcastOption {
	return func(o *broadcastOptions) {
		if o.except == nil {
			o.except = set.New[string]()
		}
		for _, c := range clients {
			o.except.Insert(c.SessionID)
		}
	}
}

// AfterNextPatch delays delivery until the next patch has been sent, so
// clients apply the state change before the message referring to it.
func AfterNextPatch() BroadcastOption {
	return func(o *broadcastOptions) { o.afterNextPatch = true }
}

type queuedBroadcast struct {
	frame  []byte
	except set.Set[string]
}

// Broadcast encodes a typed message once and fans it out to every
// receiving client.
func (r *Room) Broadcast(messageType any, payload any, opts ...BroadcastOption) error {
	frame, err := protocol.EncodeRoomData(messageType, payload)
	if err != nil {
		return err
	}
	r.broadcastFrame(frame, opts...)
	return nil
}

// BroadcastBytes fans out a raw binary payload without packing.
func (r *Room) BroadcastBytes(messageType any, data []byte, opts ...BroadcastOption) error {
	frame, err := protocol.EncodeRoomDataBytes(messageType, data)
	if err != nil {
		return err
	}
	r.broadcastFrame(frame, opts...)
	return nil
}

func (r *Room) broadcastFrame(frame []byte, opts ...BroadcastOption) {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if o.afterNextPatch {
		r.afterNextPatch = append(r.afterNextPatch, queuedBroadcast{frame: frame, except: o.except})
		return
	}
	r.deliverLocked(queuedBroadcast{frame: frame, except: o.except})
}

func (r *Room) deliverLocked(b queuedBroadcast) {
	for _, c := range r.clients {
		if !c.receiving() {
			continue
		}
		if b.except != nil && b.except.Has(c.SessionID) {
			continue
		}
		_ = c.Send(b.frame)
	}
}

// Send delivers a typed message to one client.
func (r *Room) Send(c *Client, messageType any, payload any) error {
	frame, err := protocol.EncodeRoomData(messageType, payload)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// SendBytes delivers a raw binary payload to one client.
func (r *Room) SendBytes(c *Client, messageType any, data []byte) error {
	frame, err := protocol.EncodeRoomDataBytes(messageType, data)
	if err != nil {
		return err
	}
	return c.Send(frame)
}
