// Package ipc implements request/reply messaging between processes on top
// of presence pub/sub. A request is published to the callee's channel with
// a unique reply channel; the callee publishes exactly one reply there.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/arenalab/arena/internal/v1/presence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reply status codes.
const (
	codeOK    = 0
	codeError = 1
)

// Default deadlines. Short covers cheap lookups (room listings, pings);
// Long covers calls that run user code (room creation, seat reservation).
const (
	ShortTimeout = 1 * time.Second
	LongTimeout  = 5 * time.Second
)

// ErrTimeout is returned when the callee did not reply within the deadline.
// The callee may be dead or merely slow; callers decide how to react.
var ErrTimeout = errors.New("ipc: request timed out")

// RemoteError is a failure raised by the callee's handler, carried back
// verbatim over the reply channel.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// request is the wire form of a call: [method, requestId, args].
type request struct {
	Method    string
	RequestID string
	Args      []json.RawMessage
}

func (r *request) MarshalJSON() ([]byte, error) {
	args := r.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	return json.Marshal([]any{r.Method, r.RequestID, args})
}

func (r *request) UnmarshalJSON(data []byte) error {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	if len(frame) != 3 {
		return fmt.Errorf("ipc: malformed request frame, want 3 elements, got %d", len(frame))
	}
	if err := json.Unmarshal(frame[0], &r.Method); err != nil {
		return fmt.Errorf("ipc: bad method: %w", err)
	}
	if err := json.Unmarshal(frame[1], &r.RequestID); err != nil {
		return fmt.Errorf("ipc: bad request id: %w", err)
	}
	if err := json.Unmarshal(frame[2], &r.Args); err != nil {
		return fmt.Errorf("ipc: bad args: %w", err)
	}
	return nil
}

// reply is the wire form of a response: [code, payload].
type reply struct {
	Code    int
	Payload json.RawMessage
}

func (r *reply) MarshalJSON() ([]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return json.Marshal([]any{r.Code, payload})
}

func (r *reply) UnmarshalJSON(data []byte) error {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	if len(frame) != 2 {
		return fmt.Errorf("ipc: malformed reply frame, want 2 elements, got %d", len(frame))
	}
	if err := json.Unmarshal(frame[0], &r.Code); err != nil {
		return fmt.Errorf("ipc: bad reply code: %w", err)
	}
	r.Payload = frame[1]
	return nil
}

// Request publishes a call to channel and blocks until the reply arrives
// or the timeout elapses. args must be JSON-serializable. The decoded
// reply payload is returned as raw JSON for the caller to unmarshal.
//
// A reply arriving after the deadline is dropped; the reply subscription
// is gone by then. Callers must treat ErrTimeout as "outcome unknown".
func Request(ctx context.Context, p presence.Presence, channel, method string, args []any, timeout time.Duration) (json.RawMessage, error) {
	requestID := uuid.NewString()
	replyChannel := "ipc:" + requestID

	rawArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("ipc: marshal arg %d: %w", i, err)
		}
		rawArgs[i] = b
	}

	frame, err := json.Marshal(&request{Method: method, RequestID: requestID, Args: rawArgs})
	if err != nil {
		return nil, err
	}

	// Subscribe to the reply channel before publishing so a fast callee
	// cannot reply into the void.
	replies := make(chan reply, 1)
	err = p.Subscribe(ctx, replyChannel, func(data []byte) {
		var rep reply
		if err := json.Unmarshal(data, &rep); err != nil {
			logging.Warn(ctx, "Discarding malformed IPC reply", zap.String("channel", replyChannel), zap.Error(err))
			return
		}
		select {
		case replies <- rep:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer p.Unsubscribe(replyChannel) //nolint:errcheck

	if err := p.Publish(ctx, channel, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-replies:
		if rep.Code != codeOK {
			var msg string
			if err := json.Unmarshal(rep.Payload, &msg); err != nil {
				msg = string(rep.Payload)
			}
			return nil, &RemoteError{Message: msg}
		}
		return rep.Payload, nil
	case <-timer.C:
		metrics.IpcTimeouts.Inc()
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handler executes one named method. Args arrive as raw JSON in call
// order; the returned value is serialized into the reply payload.
type Handler func(ctx context.Context, method string, args []json.RawMessage) (any, error)

// Subscribe binds a request handler to channel. Each incoming request is
// dispatched on its own goroutine and answered on its reply channel.
// Handler errors travel back as RemoteError text.
func Subscribe(ctx context.Context, p presence.Presence, channel string, handler Handler) error {
	return p.Subscribe(ctx, channel, func(data []byte) {
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			logging.Warn(ctx, "Discarding malformed IPC request", zap.String("channel", channel), zap.Error(err))
			return
		}
		go serve(ctx, p, &req, handler)
	})
}

func serve(ctx context.Context, p presence.Presence, req *request, handler Handler) {
	rep := reply{Code: codeOK}

	result, err := handler(ctx, req.Method, req.Args)
	if err != nil {
		rep.Code = codeError
		rep.Payload, _ = json.Marshal(err.Error())
	} else if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			rep.Code = codeError
			rep.Payload, _ = json.Marshal("ipc: unserializable reply: " + err.Error())
		} else {
			rep.Payload = b
		}
	}

	frame, err := json.Marshal(&rep)
	if err != nil {
		logging.Error(ctx, "Failed to encode IPC reply", zap.String("method", req.Method), zap.Error(err))
		return
	}
	if err := p.Publish(ctx, "ipc:"+req.RequestID, frame); err != nil {
		logging.Warn(ctx, "Failed to publish IPC reply", zap.String("method", req.Method), zap.Error(err))
	}
}
