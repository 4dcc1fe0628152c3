// Package matchmaker owns room handler registrations and the
// join/create/route logic that places clients into rooms across the
// fleet. One Matchmaker runs per process.
package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/ipc"
	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/arenalab/arena/internal/v1/presence"
	"github.com/arenalab/arena/internal/v1/protocol"
	"github.com/arenalab/arena/internal/v1/room"
	"github.com/arenalab/arena/internal/v1/stats"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCreateRoomWaitTime bounds how long a concurrent creator waits
// for the winning creator's room before proceeding on its own.
const DefaultCreateRoomWaitTime = 8 * time.Second

// RoomHandler is one registered room type. Immutable after Define.
type RoomHandler struct {
	Name           string
	Factory        room.Factory
	DefaultOptions map[string]any

	// FilterBy names the option keys that partition rooms into distinct
	// matchable populations. They become listing filter attributes and
	// feed the create-slot concurrency key.
	FilterBy []string

	// SortBy orders candidate rooms ("clients", "createdAt" or a filter
	// attribute).
	SortBy         string
	SortDescending bool
}

// SeatReservation is the successful result of a matchmaking operation.
type SeatReservation struct {
	Room              *driver.RoomListing `json:"room"`
	SessionID         string              `json:"sessionId"`
	ReconnectionToken string              `json:"reconnectionToken"`
}

// SelectProcessFunc picks the process that should host a new room.
type SelectProcessFunc func(ctx context.Context, roomName string, options map[string]any) (string, error)

// Config wires a Matchmaker's collaborators.
type Config struct {
	ProcessID     string
	PublicAddress string
	Presence      presence.Presence
	Driver        driver.Driver
	Stats         *stats.Registry

	// SelectProcess overrides the default lowest-room-count policy.
	SelectProcess SelectProcessFunc

	SeatReservationTime time.Duration
	CreateRoomWaitTime  time.Duration
	HealthChecks        bool
	DevMode             bool

	// OnNoActiveRooms fires whenever the last local room disposes.
	OnNoActiveRooms func()
}

// Matchmaker routes matchmaking operations for one process.
type Matchmaker struct {
	processID     string
	publicAddress string
	presence      presence.Presence
	drv           driver.Driver
	stats         *stats.Registry
	selectProcess SelectProcessFunc

	seatReservationTime time.Duration
	createWait          time.Duration
	healthChecks        bool
	devMode             bool
	onNoActiveRooms     func()

	mu           sync.RWMutex
	handlers     map[string]*RoomHandler
	rooms        map[string]*room.Room
	shuttingDown bool
}

// New builds the matchmaker and subscribes its process inbox.
func New(ctx context.Context, cfg Config) (*Matchmaker, error) {
	if cfg.CreateRoomWaitTime == 0 {
		cfg.CreateRoomWaitTime = DefaultCreateRoomWaitTime
	}
	m := &Matchmaker{
		processID:           cfg.ProcessID,
		publicAddress:       cfg.PublicAddress,
		presence:            cfg.Presence,
		drv:                 cfg.Driver,
		stats:               cfg.Stats,
		selectProcess:       cfg.SelectProcess,
		seatReservationTime: cfg.SeatReservationTime,
		createWait:          cfg.CreateRoomWaitTime,
		healthChecks:        cfg.HealthChecks,
		devMode:             cfg.DevMode,
		onNoActiveRooms:     cfg.OnNoActiveRooms,
		handlers:            make(map[string]*RoomHandler),
		rooms:               make(map[string]*room.Room),
	}
	if m.selectProcess == nil {
		m.selectProcess = m.defaultSelectProcess
	}
	if err := ipc.Subscribe(ctx, m.presence, m.inboxChannel(), m.handleProcessRequest); err != nil {
		return nil, fmt.Errorf("matchmaker: subscribe process inbox: %w", err)
	}
	return m, nil
}

func (m *Matchmaker) inboxChannel() string { return "p:" + m.processID }

func (m *Matchmaker) ProcessID() string { return m.processID }

// Define registers a room type. Redefining a name replaces the handler.
func (m *Matchmaker) Define(h *RoomHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[h.Name] = h
}

func (m *Matchmaker) handler(roomName string) *RoomHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[roomName]
}

// LocalRoom returns the locally hosted room, if this process owns it.
func (m *Matchmaker) LocalRoom(roomID string) (*room.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// LocalRoomCount is the number of rooms hosted by this process.
func (m *Matchmaker) LocalRoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Matchmaker) isShuttingDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shuttingDown
}

// --- public matchmaking operations ---

// Join places the client in an existing room; it never creates one.
func (m *Matchmaker) Join(ctx context.Context, roomName string, options map[string]any, auth any) (*SeatReservation, error) {
	if m.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	h := m.handler(roomName)
	if h == nil {
		m.observe("join", "refused")
		return nil, errNoHandler(roomName)
	}
	listing, err := m.findOneRoomAvailable(ctx, h, options)
	if err != nil {
		m.observe("join", "error")
		return nil, err
	}
	if listing == nil {
		m.observe("join", "refused")
		return nil, errRoomNotFound(roomName)
	}
	return m.finishReservation(ctx, "join", listing, options, auth)
}

// JoinByID places the client in a specific room regardless of its
// visibility. Locked or full rooms still refuse the seat.
func (m *Matchmaker) JoinByID(ctx context.Context, roomID string, options map[string]any, auth any) (*SeatReservation, error) {
	if m.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	listing, err := m.drv.FindOne(ctx, driver.Query{RoomID: roomID})
	if err != nil {
		m.observe("joinById", "error")
		return nil, err
	}
	if listing == nil {
		m.observe("joinById", "refused")
		return nil, errInvalidRoomID(roomID)
	}
	return m.finishReservation(ctx, "joinById", listing, options, auth)
}

// Create always creates a fresh room, on whichever process the selection
// policy picks, and reserves the first seat in it.
func (m *Matchmaker) Create(ctx context.Context, roomName string, options map[string]any, auth any) (*SeatReservation, error) {
	if m.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	h := m.handler(roomName)
	if h == nil {
		m.observe("create", "refused")
		return nil, errNoHandler(roomName)
	}
	listing, err := m.createRoom(ctx, roomName, options)
	if err != nil {
		m.observe("create", "error")
		return nil, err
	}
	return m.finishReservation(ctx, "create", listing, options, auth)
}

// JoinOrCreate reuses an available room or creates one. Concurrent
// callers for the same population rendezvous on a fleet-wide create
// slot so only one room is created.
func (m *Matchmaker) JoinOrCreate(ctx context.Context, roomName string, options map[string]any, auth any) (*SeatReservation, error) {
	if m.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	h := m.handler(roomName)
	if h == nil {
		m.observe("joinOrCreate", "refused")
		return nil, errNoHandler(roomName)
	}

	key := concurrencyKey(h, options)
	slotKey := "ch:" + roomName
	listKey := "l:" + roomName + ":" + key

	n, err := m.presence.HIncrByEx(ctx, slotKey, key, 1, 2*m.createWait)
	if err != nil {
		logging.Warn(ctx, "Create slot unavailable, proceeding uncoordinated", zap.Error(err))
		n = 1
	}

	if n > 1 {
		// A winner is already finding or creating the room; wait for
		// its announcement. A late wake proceeds as if uncontended.
		_, roomID, ok, berr := m.presence.BRPop(ctx, m.createWait, listKey)
		if berr == nil && ok {
			listing, ferr := m.drv.FindOne(ctx, driver.Query{RoomID: roomID})
			if ferr == nil && listing != nil {
				return m.finishReservation(ctx, "joinOrCreate", listing, options, auth)
			}
		}
	}

	listing, err := m.findOneRoomAvailable(ctx, h, options)
	if err == nil && listing == nil {
		listing, err = m.createRoom(ctx, roomName, options)
	}

	if n == 1 {
		m.releaseCreateSlot(ctx, slotKey, key, listKey, listing)
	}
	if err != nil {
		m.observe("joinOrCreate", "error")
		return nil, err
	}
	return m.finishReservation(ctx, "joinOrCreate", listing, options, auth)
}

// releaseCreateSlot announces the winner's room to every waiter and
// frees the slot. One copy is pushed per waiter observed on the counter.
func (m *Matchmaker) releaseCreateSlot(ctx context.Context, slotKey, key, listKey string, listing *driver.RoomListing) {
	defer func() {
		if err := m.presence.HDel(ctx, slotKey, key); err != nil {
			logging.Warn(ctx, "Failed to release create slot", zap.Error(err))
		}
	}()

	if listing == nil {
		return
	}
	raw, err := m.presence.HGet(ctx, slotKey, key)
	if err != nil {
		return
	}
	count, _ := strconv.Atoi(raw)
	if waiters := count - 1; waiters > 0 {
		copies := make([]string, waiters)
		for i := range copies {
			copies[i] = listing.RoomID
		}
		if err := m.presence.RPush(ctx, listKey, copies...); err != nil {
			logging.Warn(ctx, "Failed to announce created room to waiters", zap.Error(err))
		}
	}
}

func (m *Matchmaker) finishReservation(ctx context.Context, method string, listing *driver.RoomListing, options map[string]any, auth any) (*SeatReservation, error) {
	res, err := m.reserveSeatFor(ctx, listing, options, auth)
	if err != nil {
		m.observe(method, "refused")
		return nil, err
	}
	m.observe(method, "ok")
	return res, nil
}

func (m *Matchmaker) observe(method, status string) {
	metrics.MatchmakeRequests.WithLabelValues(method, status).Inc()
}

// --- queries ---

// findOneRoomAvailable picks the best open room for the handler's
// population: listed, unlocked, public, with capacity, matching the
// handler's filter attributes.
func (m *Matchmaker) findOneRoomAvailable(ctx context.Context, h *RoomHandler, options map[string]any) (*driver.RoomListing, error) {
	no := false
	return m.drv.FindOne(ctx, driver.Query{
		Name:             h.Name,
		Locked:           &no,
		Private:          &no,
		Unlisted:         &no,
		RequireCapacity:  true,
		FilterAttributes: pickFilterAttributes(h, options),
		SortBy:           h.SortBy,
		SortDescending:   h.SortDescending,
	})
}

// Query lists rooms matching arbitrary conditions. Used by monitoring
// surfaces.
func (m *Matchmaker) Query(ctx context.Context, q driver.Query) ([]*driver.RoomListing, error) {
	return m.drv.Find(ctx, q)
}

func pickFilterAttributes(h *RoomHandler, options map[string]any) map[string]any {
	if len(h.FilterBy) == 0 {
		return nil
	}
	attrs := make(map[string]any, len(h.FilterBy))
	for _, f := range h.FilterBy {
		if v, ok := options[f]; ok {
			attrs[f] = v
		}
	}
	return attrs
}

// concurrencyKey hashes the handler-relevant option values so distinct
// filtered populations do not contend on one create slot.
func concurrencyKey(h *RoomHandler, options map[string]any) string {
	if len(h.FilterBy) == 0 {
		return "default"
	}
	hash := fnv.New32a()
	for _, f := range h.FilterBy {
		fmt.Fprintf(hash, "%s=%v;", f, options[f])
	}
	return strconv.FormatUint(uint64(hash.Sum32()), 16)
}

// --- create path ---

// defaultSelectProcess picks the least-loaded process, falling back to
// this one.
func (m *Matchmaker) defaultSelectProcess(ctx context.Context, _ string, _ map[string]any) (string, error) {
	all, err := m.stats.FetchAll(ctx)
	if err != nil || len(all) == 0 {
		return m.processID, nil
	}
	return all[0].ProcessID, nil
}

// createRoom creates the room on the selected process. With health
// checks enabled, a remote target is screened with a short ping first;
// an unresponsive process is excluded and the create retries locally.
func (m *Matchmaker) createRoom(ctx context.Context, roomName string, options map[string]any) (*driver.RoomListing, error) {
	pid, err := m.selectProcess(ctx, roomName, options)
	if err != nil {
		return nil, errMatchmaking(err)
	}
	if pid == m.processID {
		return m.handleCreateRoom(ctx, roomName, options)
	}

	if m.healthChecks {
		if _, perr := ipc.Request(ctx, m.presence, "p:"+pid, "ping", nil, ipc.ShortTimeout); errors.Is(perr, ipc.ErrTimeout) {
			return m.evictDeadProcess(ctx, pid, roomName, options)
		}
	}

	raw, err := ipc.Request(ctx, m.presence, "p:"+pid, "createRoom", []any{roomName, options}, ipc.LongTimeout)
	if err == nil {
		var listing driver.RoomListing
		if uerr := json.Unmarshal(raw, &listing); uerr != nil {
			return nil, errMatchmaking(uerr)
		}
		return &listing, nil
	}

	if errors.Is(err, ipc.ErrTimeout) && m.healthChecks {
		return m.evictDeadProcess(ctx, pid, roomName, options)
	}
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		return nil, errMatchmaking(remote)
	}
	return nil, fmt.Errorf("%w: %v", ErrIpcTimeout, err)
}

// evictDeadProcess excludes an unresponsive process, sweeps its stats
// entry and listings, and retries the create locally.
func (m *Matchmaker) evictDeadProcess(ctx context.Context, pid, roomName string, options map[string]any) (*driver.RoomListing, error) {
	logging.Warn(ctx, "Process unresponsive, excluding and creating locally", zap.String("processId", pid))
	m.stats.ExcludeProcess(pid)
	if rerr := m.stats.Remove(ctx, pid); rerr != nil {
		logging.Warn(ctx, "Failed to remove dead process stats", zap.Error(rerr))
	}
	if cerr := m.drv.Cleanup(ctx, pid); cerr != nil {
		logging.Warn(ctx, "Failed to clean up dead process rooms", zap.Error(cerr))
	}
	return m.handleCreateRoom(ctx, roomName, options)
}

// handleCreateRoom instantiates a room locally: delegate factory,
// lifecycle binding, listing creation, room IPC channel, stats.
func (m *Matchmaker) handleCreateRoom(ctx context.Context, roomName string, options map[string]any) (*driver.RoomListing, error) {
	h := m.handler(roomName)
	if h == nil {
		return nil, errNoHandler(roomName)
	}

	merged := make(map[string]any, len(h.DefaultOptions)+len(options))
	for k, v := range h.DefaultOptions {
		merged[k] = v
	}
	for k, v := range options {
		merged[k] = v
	}

	roomID := uuid.NewString()
	r := room.New(room.Config{
		ID:                  roomID,
		Name:                roomName,
		ProcessID:           m.processID,
		Delegate:            h.Factory(),
		Driver:              m.drv,
		Events:              m.roomEvents(),
		SeatReservationTime: m.seatReservationTime,
		DevMode:             m.devMode,
	})
	if err := r.Create(ctx, merged); err != nil {
		return nil, errMatchmaking(err)
	}

	listing := driver.NewRoomListing(roomID, m.processID, roomName)
	listing.PublicAddress = m.publicAddress
	listing.MaxClients = r.MaxClients()
	listing.Locked = r.Locked()
	listing.Private = r.Private()
	listing.Unlisted = r.Unlisted()
	listing.Metadata = r.Metadata()
	listing.FilterAttributes = pickFilterAttributes(h, merged)
	if err := m.drv.Create(ctx, listing); err != nil {
		r.Dispose(ctx)
		return nil, errMatchmaking(err)
	}

	if err := ipc.Subscribe(ctx, m.presence, "$"+roomID, m.roomMethodHandler(r)); err != nil {
		r.Dispose(ctx)
		return nil, errMatchmaking(err)
	}

	m.mu.Lock()
	m.rooms[roomID] = r
	m.mu.Unlock()
	m.stats.RoomCreated()

	logging.Info(logging.WithRoom(ctx, roomID), "Room created",
		zap.String("name", roomName), zap.String("process_id", m.processID))
	return listing, nil
}

// roomEvents binds room lifecycle to stats and registry bookkeeping.
func (m *Matchmaker) roomEvents() room.Events {
	return room.Events{
		ClientJoined: func(*room.Room, *room.Client) { m.stats.ClientJoined() },
		ClientLeft:   func(*room.Room, *room.Client) { m.stats.ClientLeft() },
		Disposed:     m.onRoomDisposed,
	}
}

func (m *Matchmaker) onRoomDisposed(r *room.Room) {
	if err := m.presence.Unsubscribe("$" + r.ID()); err != nil {
		logging.Warn(context.Background(), "Failed to unsubscribe room channel", zap.Error(err))
	}

	m.mu.Lock()
	delete(m.rooms, r.ID())
	empty := len(m.rooms) == 0
	m.mu.Unlock()

	m.stats.RoomDisposed()
	if empty && m.onNoActiveRooms != nil {
		m.onNoActiveRooms()
	}
}

// --- seat reservation ---

func (m *Matchmaker) reserveSeatFor(ctx context.Context, listing *driver.RoomListing, options map[string]any, auth any) (*SeatReservation, error) {
	sessionID := uuid.NewString()
	raw, err := m.RemoteRoomCall(ctx, listing.RoomID, "_reserveSeat", []any{sessionID, options, auth})
	if err != nil {
		var remote *ipc.RemoteError
		if errors.As(err, &remote) {
			return nil, errSeatReservation(remote)
		}
		if errors.Is(err, ipc.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrIpcTimeout, err)
		}
		return nil, errSeatReservation(err)
	}

	var token string
	if uerr := json.Unmarshal(raw, &token); uerr != nil {
		return nil, errSeatReservation(uerr)
	}
	return &SeatReservation{Room: listing, SessionID: sessionID, ReconnectionToken: token}, nil
}

// RemoteRoomCall invokes a whitelisted method on a room wherever it
// lives: directly when local, over IPC otherwise. The reply is raw JSON
// either way.
func (m *Matchmaker) RemoteRoomCall(ctx context.Context, roomID, method string, args []any) (json.RawMessage, error) {
	if r, ok := m.LocalRoom(roomID); ok {
		rawArgs := make([]json.RawMessage, len(args))
		for i, a := range args {
			b, err := json.Marshal(a)
			if err != nil {
				return nil, err
			}
			rawArgs[i] = b
		}
		result, err := callRoomMethod(ctx, r, method, rawArgs)
		if err != nil {
			return nil, &ipc.RemoteError{Message: err.Error()}
		}
		return json.Marshal(result)
	}
	return ipc.Request(ctx, m.presence, "$"+roomID, method, args, ipc.LongTimeout)
}

// --- IPC dispatchers ---

// handleProcessRequest serves the per-process inbox.
func (m *Matchmaker) handleProcessRequest(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	switch method {
	case "createRoom":
		if len(args) != 2 {
			return nil, fmt.Errorf("createRoom: want 2 args, got %d", len(args))
		}
		var roomName string
		if err := json.Unmarshal(args[0], &roomName); err != nil {
			return nil, err
		}
		var options map[string]any
		if err := json.Unmarshal(args[1], &options); err != nil {
			return nil, err
		}
		if m.isShuttingDown() {
			return nil, ErrShuttingDown
		}
		return m.handleCreateRoom(ctx, roomName, options)

	case "ping":
		return "pong", nil

	default:
		return nil, fmt.Errorf("unknown process method %q", method)
	}
}

// roomMethodHandler serves a room's IPC channel with a whitelisted
// method set.
func (m *Matchmaker) roomMethodHandler(r *room.Room) ipc.Handler {
	return func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
		return callRoomMethod(ctx, r, method, args)
	}
}

func callRoomMethod(_ context.Context, r *room.Room, method string, args []json.RawMessage) (any, error) {
	switch method {
	case "_reserveSeat":
		if len(args) != 3 {
			return nil, fmt.Errorf("_reserveSeat: want 3 args, got %d", len(args))
		}
		var sessionID string
		if err := json.Unmarshal(args[0], &sessionID); err != nil {
			return nil, err
		}
		var options map[string]any
		if err := json.Unmarshal(args[1], &options); err != nil {
			return nil, err
		}
		var auth any
		if err := json.Unmarshal(args[2], &auth); err != nil {
			return nil, err
		}
		return r.ReserveSeat(sessionID, options, auth)

	case "lock":
		r.Lock()
		return nil, nil

	case "unlock":
		r.Unlock()
		return nil, nil

	case "setPrivate":
		var v bool
		if len(args) != 1 || json.Unmarshal(args[0], &v) != nil {
			return nil, errors.New("setPrivate: want one boolean arg")
		}
		r.SetPrivate(v)
		return nil, nil

	case "setMetadata":
		var md map[string]any
		if len(args) != 1 || json.Unmarshal(args[0], &md) != nil {
			return nil, errors.New("setMetadata: want one object arg")
		}
		r.SetMetadata(md)
		return nil, nil

	case "disconnect":
		code := protocol.CloseConsented
		if len(args) == 1 {
			if err := json.Unmarshal(args[0], &code); err != nil {
				return nil, err
			}
		}
		r.Disconnect(code)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown room method %q", method)
	}
}

// --- graceful shutdown ---

// GracefullyShutdown drains this process: no new rooms are assigned to
// it, every local room is locked, its shutdown hook runs, clients are
// disconnected, and the process inbox is closed. The caller shuts the
// presence down afterwards.
func (m *Matchmaker) GracefullyShutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	local := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		local = append(local, r)
	}
	m.mu.Unlock()

	// Leave the load-report hash first so no peer routes a create here.
	if err := m.stats.Remove(ctx, m.processID); err != nil {
		logging.Warn(ctx, "Failed to remove process from stats hash", zap.Error(err))
	}

	for _, r := range local {
		r.Lock()
		r.BeforeShutdown(ctx)
		r.Dispose(ctx)
	}

	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	for m.LocalRoomCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New("matchmaker: rooms did not drain in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := m.presence.Unsubscribe(m.inboxChannel()); err != nil {
		logging.Warn(ctx, "Failed to unsubscribe process inbox", zap.Error(err))
	}
	logging.Info(ctx, "Matchmaker drained", zap.String("process_id", m.processID))
	return nil
}
