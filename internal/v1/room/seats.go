package room

import (
	"context"
	"errors"
	"time"

	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/arenalab/arena/internal/v1/protocol"
	"github.com/google/uuid"
)

// ReserveSeat grants a provisional capacity slot for sessionID and
// returns the reconnection token the client will present after joining.
// The seat is reaped if not consumed within the seat reservation window.
func (r *Room) ReserveSeat(sessionID string, options map[string]any, auth any) (string, error) {
	r.mu.Lock()
	if r.lifecycle == Disposing {
		r.mu.Unlock()
		return "", ErrDisposing
	}
	if r.explicitLock {
		r.mu.Unlock()
		return "", ErrRoomLocked
	}
	if r.atCapacityLocked() {
		r.mu.Unlock()
		return "", ErrRoomFull
	}

	token := uuid.NewString()
	s := &seat{
		sessionID: sessionID,
		token:     token,
		options:   options,
		auth:      auth,
	}
	s.timer = time.AfterFunc(r.seatReservationTime, func() { r.reapSeat(sessionID) })
	r.seats[sessionID] = s
	r.syncLockStateLocked()
	locked := r.locked
	r.mu.Unlock()

	metrics.ReservedSeats.Inc()
	r.updateCache(driver.Update{
		Inc: map[string]int{"clients": 1},
		Set: map[string]any{"locked": locked},
	})
	return token, nil
}

// reapSeat removes an unconsumed seat after its TTL.
func (r *Room) reapSeat(sessionID string) {
	r.mu.Lock()
	s, ok := r.seats[sessionID]
	if !ok || s.consumed {
		r.mu.Unlock()
		return
	}
	delete(r.seats, sessionID)
	r.syncLockStateLocked()
	locked := r.locked
	r.mu.Unlock()

	metrics.ReservedSeats.Dec()
	r.updateCache(driver.Update{
		Inc: map[string]int{"clients": -1},
		Set: map[string]any{"locked": locked},
	})
	r.maybeDispose()
}

// Join admits a client holding a reserved seat. On success the client has
// received the join frame and the full state, and the delegate's OnJoin
// has run.
func (r *Room) Join(ctx context.Context, transport Transport, sessionID string) (*Client, error) {
	r.mu.Lock()
	if r.lifecycle != Created {
		r.mu.Unlock()
		return nil, ErrDisposing
	}
	s, ok := r.seats[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNoSeat
	}
	if s.consumed {
		r.mu.Unlock()
		return nil, ErrSeatConsumed
	}
	s.consumed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	c := &Client{
		SessionID:         sessionID,
		ReconnectionToken: s.token,
		Auth:              s.auth,
		state:             ClientJoining,
		transport:         transport,
	}
	options := s.options
	r.mu.Unlock()

	metrics.ReservedSeats.Dec()

	if d, ok := r.delegate.(AuthDelegate); ok {
		if err := d.OnAuth(ctx, c, options); err != nil {
			r.rejectJoin(c, err)
			return nil, errors.Join(ErrAuthRejected, err)
		}
	}

	r.mu.Lock()
	delete(r.seats, sessionID)
	c.state = ClientJoined
	r.clients = append(r.clients, c)
	r.bySession[sessionID] = c
	r.syncLockStateLocked()
	locked := r.locked
	serializerID := r.ser.ID()
	handshake := r.ser.Handshake()
	full, err := r.ser.FullState()
	r.mu.Unlock()

	r.updateCache(driver.Update{Set: map[string]any{"locked": locked}})

	join, encErr := protocol.EncodeJoinRoom(c.ReconnectionToken, serializerID, handshake)
	if encErr == nil {
		encErr = c.Send(join)
	}
	if encErr != nil {
		r.routeException(encErr, "onJoin")
	}
	if err != nil {
		r.routeException(err, "onJoin")
	} else if full != nil {
		if sendErr := c.Send(protocol.EncodeRoomState(full)); sendErr != nil {
			r.routeException(sendErr, "onJoin")
		}
	}

	if d, ok := r.delegate.(JoinDelegate); ok {
		r.catch("onJoin", func() error { return d.OnJoin(ctx, r, c, options) })
	}

	if r.events.ClientJoined != nil {
		r.events.ClientJoined(r, c)
	}
	return c, nil
}

// rejectJoin unwinds a consumed seat after an OnAuth refusal. The seat is
// gone; the client must go through matchmaking again.
func (r *Room) rejectJoin(c *Client, cause error) {
	r.mu.Lock()
	delete(r.seats, c.SessionID)
	r.syncLockStateLocked()
	locked := r.locked
	r.mu.Unlock()

	if frame, err := protocol.EncodeError(protocol.ErrAuthFailed, cause.Error()); err == nil {
		_ = c.Send(frame)
	}
	_ = c.transport.Close(protocol.CloseWithError, "authentication rejected")

	r.updateCache(driver.Update{
		Inc: map[string]int{"clients": -1},
		Set: map[string]any{"locked": locked},
	})
	r.maybeDispose()
}

// Leave removes a client. code is the transport close code; consent is
// inferred from it. Safe to call twice; the second call is a no-op.
func (r *Room) Leave(c *Client, code int) {
	r.mu.Lock()
	if c.state == ClientLeaving {
		r.mu.Unlock()
		return
	}
	c.state = ClientLeaving
	r.removeClientLocked(c)
	r.onLeaveConcurrent++
	r.mu.Unlock()

	consented := code == protocol.CloseConsented
	if d, ok := r.delegate.(LeaveDelegate); ok {
		r.catch("onLeave", func() error { return d.OnLeave(context.Background(), r, c, consented) })
	}

	r.mu.Lock()
	r.onLeaveConcurrent--
	held := c.reconnHeld
	if !held {
		r.syncLockStateLocked()
	}
	locked := r.locked
	r.mu.Unlock()

	if r.events.ClientLeft != nil {
		r.events.ClientLeft(r, c)
	}
	if !held {
		r.updateCache(driver.Update{
			Inc: map[string]int{"clients": -1},
			Set: map[string]any{"locked": locked},
		})
	}
	// With a hold, AllowReconnection owns the listing count; the
	// dispose check still runs here in case the hold already expired
	// while OnLeave was in flight.
	r.maybeDispose()
}

func (r *Room) removeClientLocked(c *Client) {
	for i, cur := range r.clients {
		if cur == c {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			break
		}
	}
	delete(r.bySession, c.SessionID)
}
