package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/protocol"
)

var ErrReconnectionExpired = errors.New("room: reconnection window expired")

// Reconnection is the pending handle returned by AllowReconnection. The
// delegate awaits it inside OnLeave; it resolves with the re-arrived
// client or fails on expiry / manual rejection.
type Reconnection struct {
	token     string
	sessionID string
	room      *Room

	once     sync.Once
	resolved chan *Client
	rejected chan struct{}
	timer    *time.Timer
}

// Await blocks until the client reconnects, the window expires, or ctx is
// cancelled.
func (rec *Reconnection) Await(ctx context.Context) (*Client, error) {
	select {
	case c := <-rec.resolved:
		return c, nil
	case <-rec.rejected:
		return nil, ErrReconnectionExpired
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reject cancels a manual reconnection hold.
func (rec *Reconnection) Reject() {
	rec.room.expireReconnection(rec.token)
}

func (rec *Reconnection) resolve(c *Client) {
	rec.once.Do(func() {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		rec.resolved <- c
	})
}

func (rec *Reconnection) reject() {
	rec.once.Do(func() {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		close(rec.rejected)
	})
}

// AllowReconnection holds the leaving client's seat open. window zero
// means manual: the hold lasts until the client returns or Reject is
// called. Call from OnLeave, before returning.
func (r *Room) AllowReconnection(c *Client, window time.Duration) *Reconnection {
	rec := &Reconnection{
		token:     c.ReconnectionToken,
		sessionID: c.SessionID,
		room:      r,
		resolved:  make(chan *Client, 1),
		rejected:  make(chan struct{}),
	}

	r.mu.Lock()
	c.reconnHeld = true
	r.recons[c.ReconnectionToken] = rec
	r.seats[c.SessionID] = &seat{
		sessionID: c.SessionID,
		token:     c.ReconnectionToken,
		auth:      c.Auth,
		consumed:  true,
		held:      true,
	}
	r.mu.Unlock()

	if window > 0 {
		rec.timer = time.AfterFunc(window, func() { r.expireReconnection(rec.token) })
	}
	return rec
}

// expireReconnection tears down a hold: the seat is reaped, the deferred
// rejected, and the listing count finally decremented.
func (r *Room) expireReconnection(token string) {
	r.mu.Lock()
	rec, ok := r.recons[token]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.recons, token)
	delete(r.seats, rec.sessionID)
	r.syncLockStateLocked()
	locked := r.locked
	r.mu.Unlock()

	rec.reject()
	r.updateCache(driver.Update{
		Inc: map[string]int{"clients": -1},
		Set: map[string]any{"locked": locked},
	})
	r.maybeDispose()
}

// Reconnect re-attaches a returning client by its token. The resumed
// session keeps its id and auth; it receives a fresh join frame and the
// current full state.
func (r *Room) Reconnect(transport Transport, token string) (*Client, error) {
	r.mu.Lock()
	rec, ok := r.recons[token]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownToken
	}
	delete(r.recons, token)
	delete(r.seats, rec.sessionID)

	c := &Client{
		SessionID:         rec.sessionID,
		ReconnectionToken: token,
		state:             ClientReconnected,
		transport:         transport,
	}
	if old, exists := r.bySession[rec.sessionID]; exists {
		r.removeClientLocked(old)
	}
	r.clients = append(r.clients, c)
	r.bySession[rec.sessionID] = c
	serializerID := r.ser.ID()
	handshake := r.ser.Handshake()
	full, stateErr := r.ser.FullState()
	r.mu.Unlock()

	join, err := protocol.EncodeJoinRoom(token, serializerID, handshake)
	if err == nil {
		err = c.Send(join)
	}
	if err != nil {
		r.routeException(err, "onReconnect")
	}
	if stateErr != nil {
		r.routeException(stateErr, "onReconnect")
	} else if full != nil {
		if sendErr := c.Send(protocol.EncodeRoomState(full)); sendErr != nil {
			r.routeException(sendErr, "onReconnect")
		}
	}

	rec.resolve(c)
	if r.events.ClientJoined != nil {
		r.events.ClientJoined(r, c)
	}
	return c, nil
}
