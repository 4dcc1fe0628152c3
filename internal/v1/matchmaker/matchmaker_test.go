package matchmaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/ipc"
	"github.com/arenalab/arena/internal/v1/presence"
	"github.com/arenalab/arena/internal/v1/room"
	"github.com/arenalab/arena/internal/v1/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// arenaDelegate is a configurable room behavior for matchmaker tests.
type arenaDelegate struct {
	maxClients  int
	autoDispose bool
	private     bool
}

func (d *arenaDelegate) OnCreate(_ context.Context, r *room.Room, _ map[string]any) error {
	if d.maxClients > 0 {
		r.SetMaxClients(d.maxClients)
	}
	r.SetAutoDispose(d.autoDispose)
	if d.private {
		r.SetPrivate(true)
	}
	return nil
}

type env struct {
	bus *presence.Local
	drv *driver.LocalDriver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bus := presence.NewLocal()
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })
	return &env{bus: bus, drv: driver.NewLocalDriver()}
}

func (e *env) matchmaker(t *testing.T, processID string, opts ...func(*Config)) *Matchmaker {
	t.Helper()
	st := stats.NewRegistry(processID, e.bus)
	t.Cleanup(func() { _ = st.Shutdown(context.Background()) })

	cfg := Config{
		ProcessID:           processID,
		PublicAddress:       processID + ".local:2567",
		Presence:            e.bus,
		Driver:              e.drv,
		Stats:               st,
		SeatReservationTime: time.Second,
		CreateRoomWaitTime:  500 * time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.GracefullyShutdown(context.Background()) })
	return m
}

func defineBattle(m *Matchmaker, d *arenaDelegate, mutate ...func(*RoomHandler)) {
	h := &RoomHandler{
		Name:    "battle",
		Factory: func() room.Delegate { return d },
	}
	for _, fn := range mutate {
		fn(h)
	}
	m.Define(h)
}

func TestMatchmaker_NoHandlerRegistered(t *testing.T) {
	m := newEnv(t).matchmaker(t, "p1")

	_, err := m.Join(context.Background(), "battle", nil, nil)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 4210, merr.Code)

	_, err = m.JoinOrCreate(context.Background(), "battle", nil, nil)
	assert.ErrorAs(t, err, &merr)
}

func TestMatchmaker_Join_RequiresExistingRoom(t *testing.T) {
	m := newEnv(t).matchmaker(t, "p1")
	defineBattle(m, &arenaDelegate{autoDispose: true})

	_, err := m.Join(context.Background(), "battle", nil, nil)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 4211, merr.Code)
}

func TestMatchmaker_JoinOrCreate_ReusesRoom(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1")
	defineBattle(m, &arenaDelegate{maxClients: 2})

	first, err := m.JoinOrCreate(ctx, "battle", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)
	require.NotEmpty(t, first.ReconnectionToken)
	assert.Equal(t, "p1", first.Room.ProcessID)

	second, err := m.JoinOrCreate(ctx, "battle", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Room.RoomID, second.Room.RoomID)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// The room is full now, so a third caller gets a fresh one.
	third, err := m.JoinOrCreate(ctx, "battle", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Room.RoomID, third.Room.RoomID)
	assert.Equal(t, 2, m.LocalRoomCount())
}

func TestMatchmaker_JoinByID(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1")
	defineBattle(m, &arenaDelegate{private: true})

	created, err := m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)

	// Private rooms are invisible to criteria matching but reachable by ID.
	_, err = m.Join(ctx, "battle", nil, nil)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 4211, merr.Code)

	res, err := m.JoinByID(ctx, created.Room.RoomID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, res.Room.RoomID)

	_, err = m.JoinByID(ctx, "nope", nil, nil)
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 4212, merr.Code)
}

func TestMatchmaker_FullRoomRefusesSeat(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1")
	defineBattle(m, &arenaDelegate{maxClients: 1})

	created, err := m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)

	_, err = m.JoinByID(ctx, created.Room.RoomID, nil, nil)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 4214, merr.Code)
}

func TestMatchmaker_ExpiredSeatDisposesEmptyRoom(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1", func(cfg *Config) {
		cfg.SeatReservationTime = 30 * time.Millisecond
	})
	defineBattle(m, &arenaDelegate{maxClients: 1, autoDispose: true})

	_, err := m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.LocalRoomCount())

	// Nobody consumes the seat. The room empties out and disposes, and
	// its listing goes with it.
	require.Eventually(t, func() bool {
		return m.LocalRoomCount() == 0
	}, time.Second, 10*time.Millisecond)

	listing, err := m.drv.FindOne(ctx, driver.Query{Name: "battle"})
	require.NoError(t, err)
	assert.Nil(t, listing)
}

func TestMatchmaker_ExpiredSeatRestoresCapacity(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1", func(cfg *Config) {
		cfg.SeatReservationTime = 30 * time.Millisecond
	})
	defineBattle(m, &arenaDelegate{maxClients: 1})

	created, err := m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		l, _ := m.drv.FindOne(ctx, driver.Query{RoomID: created.Room.RoomID})
		return l != nil && l.Clients == 0 && !l.Locked
	}, time.Second, 10*time.Millisecond)

	res, err := m.JoinOrCreate(ctx, "battle", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, res.Room.RoomID)
}

func TestMatchmaker_ConcurrentJoinOrCreate_SingleRoom(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1")
	defineBattle(m, &arenaDelegate{maxClients: 10})

	const callers = 5
	roomIDs := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.JoinOrCreate(ctx, "battle", nil, nil)
			errs[i] = err
			if err == nil {
				roomIDs[i] = res.Room.RoomID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, roomIDs[0], roomIDs[i])
	}
	assert.Equal(t, 1, m.LocalRoomCount())
}

func TestMatchmaker_FilterByPartitionsRooms(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1")
	defineBattle(m, &arenaDelegate{maxClients: 10}, func(h *RoomHandler) {
		h.FilterBy = []string{"mode"}
	})

	ranked, err := m.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked"}, nil)
	require.NoError(t, err)
	casual, err := m.JoinOrCreate(ctx, "battle", map[string]any{"mode": "casual"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ranked.Room.RoomID, casual.Room.RoomID)

	again, err := m.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ranked.Room.RoomID, again.Room.RoomID)
}

func TestMatchmaker_CrossProcess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m1 := e.matchmaker(t, "p1", func(cfg *Config) {
		cfg.SelectProcess = func(context.Context, string, map[string]any) (string, error) {
			return "p2", nil
		}
	})
	m2 := e.matchmaker(t, "p2")

	d := &arenaDelegate{maxClients: 4}
	defineBattle(m1, d)
	defineBattle(m2, d)

	// p1 routes the create to p2 over the process inbox, then reserves
	// the seat through the room's channel.
	res, err := m1.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Room.ProcessID)
	assert.Equal(t, 0, m1.LocalRoomCount())
	assert.Equal(t, 1, m2.LocalRoomCount())

	// A second reservation from p1 lands in the same remote room.
	again, err := m1.JoinByID(ctx, res.Room.RoomID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, res.Room.RoomID, again.Room.RoomID)
}

func TestMatchmaker_RemoteRoomControl(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m1 := e.matchmaker(t, "p1", func(cfg *Config) {
		cfg.SelectProcess = func(context.Context, string, map[string]any) (string, error) {
			return "p2", nil
		}
	})
	m2 := e.matchmaker(t, "p2")
	d := &arenaDelegate{maxClients: 4}
	defineBattle(m1, d)
	defineBattle(m2, d)

	res, err := m1.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)

	_, err = m1.RemoteRoomCall(ctx, res.Room.RoomID, "lock", nil)
	require.NoError(t, err)
	_, err = m1.JoinByID(ctx, res.Room.RoomID, nil, nil)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 4214, merr.Code)

	_, err = m1.RemoteRoomCall(ctx, res.Room.RoomID, "unlock", nil)
	require.NoError(t, err)
	_, err = m1.JoinByID(ctx, res.Room.RoomID, nil, nil)
	require.NoError(t, err)

	_, err = m1.RemoteRoomCall(ctx, res.Room.RoomID, "dropTables", nil)
	require.Error(t, err)
}

func TestMatchmaker_ProcessInboxPing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.matchmaker(t, "p1")

	raw, err := ipc.Request(ctx, e.bus, "p:p1", "ping", nil, ipc.ShortTimeout)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(raw))
}

func TestMatchmaker_DeadProcessFallback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.matchmaker(t, "p1", func(cfg *Config) {
		cfg.HealthChecks = true
		cfg.SelectProcess = func(context.Context, string, map[string]any) (string, error) {
			return "ghost", nil
		}
	})
	defineBattle(m, &arenaDelegate{maxClients: 4})

	// Leftover listing from the dead process. The health check fallback
	// sweeps it while creating locally.
	stale := driver.NewRoomListing("stale-1", "ghost", "battle")
	require.NoError(t, e.drv.Create(ctx, stale))

	res, err := m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", res.Room.ProcessID)
	assert.Equal(t, 1, m.LocalRoomCount())

	gone, err := e.drv.FindOne(ctx, driver.Query{RoomID: "stale-1"})
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMatchmaker_GracefulShutdown(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var drained bool
	m := e.matchmaker(t, "p1", func(cfg *Config) {
		cfg.OnNoActiveRooms = func() { drained = true }
	})
	defineBattle(m, &arenaDelegate{maxClients: 4})

	_, err := m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, m.LocalRoomCount())

	require.NoError(t, m.GracefullyShutdown(ctx))
	assert.Equal(t, 0, m.LocalRoomCount())
	assert.True(t, drained)

	rooms, err := e.drv.Find(ctx, driver.Query{Name: "battle"})
	require.NoError(t, err)
	assert.Empty(t, rooms)

	_, err = m.JoinOrCreate(ctx, "battle", nil, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)

	// Second call is a no-op.
	require.NoError(t, m.GracefullyShutdown(ctx))
}

func TestMatchmaker_RoomDisposalUpdatesRegistry(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).matchmaker(t, "p1")
	defineBattle(m, &arenaDelegate{maxClients: 4})

	res, err := m.Create(ctx, "battle", nil, nil)
	require.NoError(t, err)
	r, ok := m.LocalRoom(res.Room.RoomID)
	require.True(t, ok)

	r.Dispose(ctx)

	_, ok = m.LocalRoom(res.Room.RoomID)
	assert.False(t, ok)
	listing, err := m.drv.FindOne(ctx, driver.Query{RoomID: res.Room.RoomID})
	require.NoError(t, err)
	assert.Nil(t, listing)
}

func TestConcurrencyKey(t *testing.T) {
	plain := &RoomHandler{Name: "battle"}
	assert.Equal(t, "default", concurrencyKey(plain, map[string]any{"mode": "x"}))

	filtered := &RoomHandler{Name: "battle", FilterBy: []string{"mode"}}
	a := concurrencyKey(filtered, map[string]any{"mode": "ranked"})
	b := concurrencyKey(filtered, map[string]any{"mode": "casual"})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, concurrencyKey(filtered, map[string]any{"mode": "ranked", "noise": 1}))
}

func TestMatchmaker_ErrorIsMatchesByCode(t *testing.T) {
	err := errRoomNotFound("battle")
	assert.True(t, errors.Is(err, &Error{Code: 4211}))
	assert.False(t, errors.Is(err, &Error{Code: 4212}))
}
