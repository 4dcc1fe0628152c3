package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/protocol"
	"github.com/arenalab/arena/internal/v1/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roomCounters struct {
	joins    atomic.Int32
	leaves   atomic.Int32
	disposes atomic.Int32
}

func (rc *roomCounters) events() Events {
	return Events{
		ClientJoined: func(*Room, *Client) { rc.joins.Add(1) },
		ClientLeft:   func(*Room, *Client) { rc.leaves.Add(1) },
		Disposed:     func(*Room) { rc.disposes.Add(1) },
	}
}

func newTestRoom(t *testing.T, del Delegate, counters *roomCounters) (*Room, *driver.LocalDriver) {
	t.Helper()
	ctx := context.Background()

	drv := driver.NewLocalDriver()
	require.NoError(t, drv.Create(ctx, driver.NewRoomListing("r1", "p1", "battle")))

	var ev Events
	if counters != nil {
		ev = counters.events()
	}
	r := New(Config{
		ID:                  "r1",
		Name:                "battle",
		ProcessID:           "p1",
		Delegate:            del,
		Driver:              drv,
		Events:              ev,
		PatchRate:           10 * time.Millisecond,
		SeatReservationTime: time.Second,
	})
	require.NoError(t, r.Create(ctx, nil))
	t.Cleanup(func() { r.Dispose(ctx) })
	return r, drv
}

func joinClient(t *testing.T, r *Room, sessionID string) (*Client, *mockTransport) {
	t.Helper()
	_, err := r.ReserveSeat(sessionID, nil, nil)
	require.NoError(t, err)

	tr := newMockTransport()
	c, err := r.Join(context.Background(), tr, sessionID)
	require.NoError(t, err)
	return c, tr
}

func listingClients(t *testing.T, drv *driver.LocalDriver) int {
	t.Helper()
	l, err := drv.FindOne(context.Background(), driver.Query{RoomID: "r1"})
	require.NoError(t, err)
	require.NotNil(t, l)
	return l.Clients
}

func TestRoom_CreateRunsDelegate(t *testing.T) {
	var gotOptions map[string]any
	del := &testDelegate{
		onCreate: func(_ context.Context, r *Room, options map[string]any) error {
			gotOptions = options
			r.SetMaxClients(4)
			return nil
		},
	}

	ctx := context.Background()
	drv := driver.NewLocalDriver()
	require.NoError(t, drv.Create(ctx, driver.NewRoomListing("r1", "p1", "battle")))

	r := New(Config{ID: "r1", Name: "battle", ProcessID: "p1", Delegate: del, Driver: drv})
	require.NoError(t, r.Create(ctx, map[string]any{"mode": "ranked"}))
	t.Cleanup(func() { r.Dispose(ctx) })

	assert.Equal(t, Created, r.State())
	assert.Equal(t, "ranked", gotOptions["mode"])
}

func TestRoom_CreateFailurePropagates(t *testing.T) {
	del := &testDelegate{
		onCreate: func(context.Context, *Room, map[string]any) error {
			return errors.New("bad options")
		},
	}
	r := New(Config{ID: "r1", Name: "battle", ProcessID: "p1", Delegate: del})
	assert.Error(t, r.Create(context.Background(), nil))
}

func TestRoom_ReserveAndJoin(t *testing.T) {
	counters := &roomCounters{}
	r, drv := newTestRoom(t, &testDelegate{}, counters)

	token, err := r.ReserveSeat("s1", map[string]any{"team": "red"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, 1, listingClients(t, drv))

	tr := newMockTransport()
	c, err := r.Join(context.Background(), tr, "s1")
	require.NoError(t, err)
	assert.Equal(t, ClientJoined, c.State())
	assert.Equal(t, token, c.ReconnectionToken)
	assert.Equal(t, 1, r.ClientCount())
	assert.Equal(t, int32(1), counters.joins.Load())

	require.Len(t, tr.FramesByCode(protocol.JoinRoom), 1)
}

func TestRoom_JoinWithoutSeat(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)

	_, err := r.Join(context.Background(), newMockTransport(), "ghost")
	assert.ErrorIs(t, err, ErrNoSeat)
}

func TestRoom_JoinTwiceSameSession(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	joinClient(t, r, "s1")

	_, err := r.Join(context.Background(), newMockTransport(), "s1")
	assert.ErrorIs(t, err, ErrNoSeat)
}

func TestRoom_AuthRejectionConsumesSeat(t *testing.T) {
	del := &testDelegate{
		onAuth: func(context.Context, *Client, map[string]any) error {
			return errors.New("banned")
		},
	}
	r, drv := newTestRoom(t, del, nil)
	r.SetAutoDispose(false)

	_, err := r.ReserveSeat("s1", nil, nil)
	require.NoError(t, err)

	tr := newMockTransport()
	_, err = r.Join(context.Background(), tr, "s1")
	assert.ErrorIs(t, err, ErrAuthRejected)

	closed, code := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseWithError, code)
	require.Len(t, tr.FramesByCode(protocol.ErrorCode), 1)

	// Seat is gone, provisional count rolled back.
	assert.Equal(t, 0, listingClients(t, drv))
	_, err = r.Join(context.Background(), newMockTransport(), "s1")
	assert.ErrorIs(t, err, ErrNoSeat)
}

func TestRoom_CapacityAndAutoLock(t *testing.T) {
	r, drv := newTestRoom(t, &testDelegate{}, nil)
	r.SetMaxClients(2)

	c1, _ := joinClient(t, r, "s1")
	_ = c1
	joinClient(t, r, "s2")

	assert.True(t, r.Locked())
	_, err := r.ReserveSeat("s3", nil, nil)
	assert.ErrorIs(t, err, ErrRoomFull)

	r.Leave(c1, protocol.CloseConsented)
	assert.False(t, r.Locked())
	assert.Equal(t, 1, listingClients(t, drv))

	_, err = r.ReserveSeat("s3", nil, nil)
	assert.NoError(t, err)
}

func TestRoom_ExplicitLockBlocksReservations(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)

	r.Lock()
	_, err := r.ReserveSeat("s1", nil, nil)
	assert.ErrorIs(t, err, ErrRoomLocked)

	r.Unlock()
	_, err = r.ReserveSeat("s1", nil, nil)
	assert.NoError(t, err)
}

func TestRoom_SeatReapedAfterTTL(t *testing.T) {
	counters := &roomCounters{}
	ctx := context.Background()

	drv := driver.NewLocalDriver()
	require.NoError(t, drv.Create(ctx, driver.NewRoomListing("r1", "p1", "battle")))

	r := New(Config{
		ID: "r1", Name: "battle", ProcessID: "p1",
		Delegate: &testDelegate{}, Driver: drv, Events: counters.events(),
		SeatReservationTime: 30 * time.Millisecond,
	})
	require.NoError(t, r.Create(ctx, nil))
	t.Cleanup(func() { r.Dispose(ctx) })

	_, err := r.ReserveSeat("s1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, listingClients(t, drv))

	// Seat reaped, count rolled back, then the empty room auto-disposes.
	assert.Eventually(t, func() bool {
		return counters.disposes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = r.Join(ctx, newMockTransport(), "s1")
	assert.Error(t, err)
}

func TestRoom_MessageDispatch_RoundTrip(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	c, _ := joinClient(t, r, "s1")

	var (
		mu      sync.Mutex
		gotType any
		gotX    any
	)
	r.OnMessage("move", func(_ *Client, messageType any, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		gotType = messageType
		gotX = payload.(map[string]any)["x"]
		return nil
	})

	frame, err := protocol.EncodeRoomData("move", map[string]any{"x": 7})
	require.NoError(t, err)
	r.HandleFrame(c, frame)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "move", gotType)
	assert.EqualValues(t, 7, gotX)
}

func TestRoom_MessageDispatch_NumericTypeAndWildcard(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	c, _ := joinClient(t, r, "s1")

	var (
		mu       sync.Mutex
		wildcard []any
	)
	r.OnMessage(WildcardMessage, func(_ *Client, messageType any, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		wildcard = append(wildcard, messageType)
		return nil
	})

	frame, err := protocol.EncodeRoomData(42, "ping")
	require.NoError(t, err)
	r.HandleFrame(c, frame)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, wildcard, 1)
	assert.Equal(t, int64(42), wildcard[0])
}

func TestRoom_MessageDispatch_UnhandledClosesClient(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	c, tr := joinClient(t, r, "s1")

	frame, err := protocol.EncodeRoomData("nobody", nil)
	require.NoError(t, err)
	r.HandleFrame(c, frame)

	closed, code := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseWithError, code)
	require.Len(t, tr.FramesByCode(protocol.ErrorCode), 1)
}

func TestRoom_MessageDispatch_UnhandledDevModeKeepsConnection(t *testing.T) {
	ctx := context.Background()
	drv := driver.NewLocalDriver()
	require.NoError(t, drv.Create(ctx, driver.NewRoomListing("r1", "p1", "battle")))

	r := New(Config{
		ID: "r1", Name: "battle", ProcessID: "p1",
		Delegate: &testDelegate{}, Driver: drv, DevMode: true,
	})
	require.NoError(t, r.Create(ctx, nil))
	t.Cleanup(func() { r.Dispose(ctx) })

	c, tr := joinClient(t, r, "s1")
	frame, err := protocol.EncodeRoomData("nobody", nil)
	require.NoError(t, err)
	r.HandleFrame(c, frame)

	closed, _ := tr.Closed()
	assert.False(t, closed)
	require.Len(t, tr.FramesByCode(protocol.ErrorCode), 1)
}

func TestRoom_MessageDispatch_DuplicateReconnectTolerated(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	c, tr := joinClient(t, r, "s1")

	// A RECONNECT frame after the session is established is answered
	// with an error frame, not a close.
	frame, err := protocol.EncodeReconnect(c.ReconnectionToken)
	require.NoError(t, err)
	r.HandleFrame(c, frame)

	closed, _ := tr.Closed()
	assert.False(t, closed)
	require.Len(t, tr.FramesByCode(protocol.ErrorCode), 1)
	assert.Equal(t, 1, r.ClientCount())
}

func TestRoom_MessageDispatch_ValidatorTransformsPayload(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	c, _ := joinClient(t, r, "s1")

	var (
		mu  sync.Mutex
		got any
	)
	r.OnMessageValidated("shout",
		func(payload any) (any, error) {
			s, ok := payload.(string)
			if !ok {
				return nil, errors.New("want string")
			}
			return s + "!", nil
		},
		func(_ *Client, _ any, payload any) error {
			mu.Lock()
			defer mu.Unlock()
			got = payload
			return nil
		})

	frame, err := protocol.EncodeRoomData("shout", "hey")
	require.NoError(t, err)
	r.HandleFrame(c, frame)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hey!", got)
}

func TestRoom_MessageDispatch_HandlerFailureRoutesException(t *testing.T) {
	var (
		mu        sync.Mutex
		gotMethod string
	)
	del := &testDelegate{
		onExcept: func(_ error, methodName string) {
			mu.Lock()
			defer mu.Unlock()
			gotMethod = methodName
		},
	}
	r, _ := newTestRoom(t, del, nil)
	r.SetAutoDispose(false)
	c, tr := joinClient(t, r, "s1")

	r.OnMessage("boom", func(*Client, any, any) error {
		panic("handler exploded")
	})

	frame, err := protocol.EncodeRoomData("boom", nil)
	require.NoError(t, err)
	r.HandleFrame(c, frame)

	mu.Lock()
	assert.Equal(t, "onMessage", gotMethod)
	mu.Unlock()

	closed, code := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseWithError, code)
	// The room survives its client's failure.
	assert.Equal(t, Created, r.State())
}

func TestRoom_MessageFromLeavingClientDropped(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	r.SetAutoDispose(false)
	c, _ := joinClient(t, r, "s1")

	var calls atomic.Int32
	r.OnMessage("move", func(*Client, any, any) error {
		calls.Add(1)
		return nil
	})

	r.Leave(c, protocol.CloseConsented)

	frame, err := protocol.EncodeRoomData("move", nil)
	require.NoError(t, err)
	r.HandleFrame(c, frame)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRoom_Broadcast_Except(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	c1, tr1 := joinClient(t, r, "s1")
	_, tr2 := joinClient(t, r, "s2")

	require.NoError(t, r.Broadcast("chat", "hello", Except(c1)))

	assert.Empty(t, tr1.FramesByCode(protocol.RoomData))
	assert.Len(t, tr2.FramesByCode(protocol.RoomData), 1)
}

func TestRoom_Broadcast_AfterNextPatch(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	_, tr := joinClient(t, r, "s1")

	require.NoError(t, r.Broadcast("late", nil, AfterNextPatch()))
	assert.Empty(t, tr.FramesByCode(protocol.RoomData))

	// The patch loop drains the queue on its next cycle.
	assert.Eventually(t, func() bool {
		return len(tr.FramesByCode(protocol.RoomData)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRoom_StateReplication(t *testing.T) {
	type scoreState struct {
		Score int `json:"score"`
	}
	state := &scoreState{}

	del := &testDelegate{
		onCreate: func(_ context.Context, r *Room, _ map[string]any) error {
			r.SetSerializer(serializer.NewJSON(state))
			r.SetState(state)
			return nil
		},
	}
	r, _ := newTestRoom(t, del, nil)
	_, tr := joinClient(t, r, "s1")

	// Full state arrives with the join.
	require.Len(t, tr.FramesByCode(protocol.RoomState), 1)

	r.MutateState(func() { state.Score = 3 })
	assert.Eventually(t, func() bool {
		return len(tr.FramesByCode(protocol.RoomStatePatch)) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRoom_Reconnection_Resolves(t *testing.T) {
	counters := &roomCounters{}
	reconnected := make(chan *Client, 1)

	del := &testDelegate{}
	del.onLeave = func(_ context.Context, r *Room, c *Client, consented bool) error {
		if consented {
			return nil
		}
		rec := r.AllowReconnection(c, 500*time.Millisecond)
		c2, err := rec.Await(context.Background())
		if err != nil {
			return err
		}
		reconnected <- c2
		return nil
	}

	r, drv := newTestRoom(t, del, counters)
	c, _ := joinClient(t, r, "s1")
	token := c.ReconnectionToken

	go r.Leave(c, protocol.CloseWithError)

	// Wait for the hold to be registered before reconnecting.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.recons[token]
		return ok
	}, time.Second, 2*time.Millisecond)

	tr2 := newMockTransport()
	c2, err := r.Reconnect(tr2, token)
	require.NoError(t, err)
	assert.Equal(t, ClientReconnected, c2.State())
	assert.Equal(t, "s1", c2.SessionID)

	select {
	case got := <-reconnected:
		assert.Same(t, c2, got)
	case <-time.After(time.Second):
		t.Fatal("onLeave did not observe the reconnection")
	}

	// The seat was held the whole time; the listing never dropped to 0.
	assert.Equal(t, 1, listingClients(t, drv))
	require.Len(t, tr2.FramesByCode(protocol.JoinRoom), 1)

	// Future broadcasts include the reconnected client.
	require.NoError(t, r.Broadcast("chat", "wb"))
	assert.Len(t, tr2.FramesByCode(protocol.RoomData), 1)
}

func TestRoom_Reconnection_Expires(t *testing.T) {
	counters := &roomCounters{}
	leaveDone := make(chan error, 1)

	del := &testDelegate{}
	del.onLeave = func(_ context.Context, r *Room, c *Client, _ bool) error {
		rec := r.AllowReconnection(c, 30*time.Millisecond)
		_, err := rec.Await(context.Background())
		leaveDone <- err
		return nil
	}

	r, _ := newTestRoom(t, del, counters)
	c, _ := joinClient(t, r, "s1")
	token := c.ReconnectionToken

	go r.Leave(c, protocol.CloseWithError)

	select {
	case err := <-leaveDone:
		assert.ErrorIs(t, err, ErrReconnectionExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnection hold never expired")
	}

	_, err := r.Reconnect(newMockTransport(), token)
	assert.ErrorIs(t, err, ErrUnknownToken)

	// With the hold gone and no clients, the room disposes.
	assert.Eventually(t, func() bool {
		return counters.disposes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoom_AutoDisposeAfterLastLeave(t *testing.T) {
	counters := &roomCounters{}
	r, drv := newTestRoom(t, &testDelegate{}, counters)
	c, _ := joinClient(t, r, "s1")

	r.Leave(c, protocol.CloseConsented)

	assert.Eventually(t, func() bool {
		return counters.disposes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Disposing, r.State())

	l, err := drv.FindOne(context.Background(), driver.Query{RoomID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestRoom_AutoDisposeDisabled(t *testing.T) {
	counters := &roomCounters{}
	r, _ := newTestRoom(t, &testDelegate{}, counters)
	r.SetAutoDispose(false)
	c, _ := joinClient(t, r, "s1")

	r.Leave(c, protocol.CloseConsented)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), counters.disposes.Load())
	assert.Equal(t, Created, r.State())
}

func TestRoom_DisposeIsIdempotent(t *testing.T) {
	counters := &roomCounters{}
	r, _ := newTestRoom(t, &testDelegate{}, counters)

	ctx := context.Background()
	r.Dispose(ctx)
	r.Dispose(ctx)
	assert.Equal(t, int32(1), counters.disposes.Load())
}

func TestRoom_DisposeFromSimulationCallback(t *testing.T) {
	counters := &roomCounters{}
	r, drv := newTestRoom(t, &testDelegate{}, counters)

	r.SetSimulationInterval(func(time.Duration) {
		r.Dispose(context.Background())
	}, 5*time.Millisecond)

	// The dispose must complete even though it was triggered on the
	// simulation goroutine itself.
	assert.Eventually(t, func() bool {
		return counters.disposes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	l, err := drv.FindOne(context.Background(), driver.Query{RoomID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestRoom_DisposeFromScheduledTimer(t *testing.T) {
	counters := &roomCounters{}
	r, _ := newTestRoom(t, &testDelegate{}, counters)

	r.ScheduleOnce(10*time.Millisecond, func() {
		r.Dispose(context.Background())
	})

	assert.Eventually(t, func() bool {
		return counters.disposes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoom_DisposeRunsDelegate(t *testing.T) {
	var disposed atomic.Bool
	del := &testDelegate{
		onDispose: func(context.Context, *Room) error {
			disposed.Store(true)
			return nil
		},
	}
	r, _ := newTestRoom(t, del, nil)
	r.Dispose(context.Background())
	assert.True(t, disposed.Load())
}

func TestRoom_DisposingRejectsSeats(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	r.Dispose(context.Background())

	_, err := r.ReserveSeat("s1", nil, nil)
	assert.ErrorIs(t, err, ErrDisposing)
}

func TestRoom_Disconnect_DrainsClients(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)
	r.SetAutoDispose(false)
	_, tr1 := joinClient(t, r, "s1")
	_, tr2 := joinClient(t, r, "s2")

	r.Disconnect(protocol.CloseConsented)

	for _, tr := range []*mockTransport{tr1, tr2} {
		closed, code := tr.Closed()
		assert.True(t, closed)
		assert.Equal(t, protocol.CloseConsented, code)
	}
	assert.Equal(t, 0, r.ClientCount())
}

func TestRoom_BeforeShutdown_DefaultDisconnects(t *testing.T) {
	ctx := context.Background()
	drv := driver.NewLocalDriver()
	require.NoError(t, drv.Create(ctx, driver.NewRoomListing("r1", "p1", "battle")))

	r := New(Config{ID: "r1", Name: "battle", ProcessID: "p1", Delegate: bareDelegate{}, Driver: drv})
	require.NoError(t, r.Create(ctx, nil))
	r.SetAutoDispose(false)
	t.Cleanup(func() { r.Dispose(ctx) })

	_, tr := joinClient(t, r, "s1")
	r.BeforeShutdown(ctx)

	closed, _ := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, 0, r.ClientCount())
}

func TestRoom_SimulationInterval(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)

	var ticks atomic.Int32
	r.SetSimulationInterval(func(delta time.Duration) {
		assert.LessOrEqual(t, delta, 100*time.Millisecond)
		ticks.Add(1)
	}, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	r.SetSimulationInterval(nil, 0)
	stopped := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), stopped+1)
}

func TestRoom_ScheduleOnce_FiresViaPatchLoopTicks(t *testing.T) {
	r, _ := newTestRoom(t, &testDelegate{}, nil)

	var fired atomic.Bool
	r.ScheduleOnce(20*time.Millisecond, func() { fired.Store(true) })

	assert.Eventually(t, fired.Load, 2*time.Second, 5*time.Millisecond)
}

func TestRoom_MetadataAndVisibilityUpdateListing(t *testing.T) {
	r, drv := newTestRoom(t, &testDelegate{}, nil)

	r.SetPrivate(true)
	r.SetMetadata(map[string]any{"map": "arena2"})

	l, err := drv.FindOne(context.Background(), driver.Query{RoomID: "r1"})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, l.Private)
	assert.Equal(t, "arena2", l.Metadata["map"])
}
