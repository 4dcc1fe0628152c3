// Package room implements the authoritative session runtime: lifecycle,
// seat reservations, join/leave, reconnection, the tick and patch loops,
// and typed message dispatch.
//
// Locking discipline: r.mu protects every mutable field. Delegate hooks
// and message handlers always run with the lock released, so they may
// block and may call back into the room's public API. Transport.Send must
// not block; adapters buffer their writes.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenalab/arena/internal/v1/clock"
	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/protocol"
	"github.com/arenalab/arena/internal/v1/serializer"
	"go.uber.org/zap"
)

// Lifecycle states. Transitions are monotonic; Disposing is terminal.
type Lifecycle int32

const (
	Creating Lifecycle = iota
	Created
	Disposing
)

// Defaults applied when the delegate does not override them.
const (
	DefaultPatchRate           = 50 * time.Millisecond
	DefaultSeatReservationTime = 15 * time.Second
	DefaultAutoDisposeTimeout  = 1 * time.Second
)

var (
	ErrDisposing    = errors.New("room: disposing, not accepting seats")
	ErrRoomFull     = errors.New("room: maximum clients reached")
	ErrRoomLocked   = errors.New("room: locked")
	ErrNoSeat       = errors.New("room: no seat reserved for this session")
	ErrSeatConsumed = errors.New("room: seat already consumed")
	ErrUnknownToken = errors.New("room: unknown reconnection token")
	ErrAuthRejected = errors.New("room: authentication rejected")
)

// Events are bound by the matchmaker so it can track stats and tear the
// room out of its registry on dispose.
type Events struct {
	ClientJoined func(r *Room, c *Client)
	ClientLeft   func(r *Room, c *Client)
	Disposed     func(r *Room)
}

// Config carries everything a room needs at construction.
type Config struct {
	ID        string
	Name      string
	ProcessID string

	Delegate Delegate
	Driver   driver.Driver
	Events   Events

	SeatReservationTime time.Duration
	PatchRate           time.Duration
	DevMode             bool
}

type seat struct {
	sessionID string
	token     string
	options   map[string]any
	auth      any
	consumed  bool

	// held marks a seat kept open for a reconnection grace window.
	held  bool
	timer *time.Timer
}

// Room is one live session. Construct with New, then Create.
type Room struct {
	id        string
	name      string
	processID string
	delegate  Delegate
	drv       driver.Driver
	events    Events
	devMode   bool

	mu        sync.Mutex
	lifecycle Lifecycle

	maxClients          int
	autoDispose         bool
	patchRate           time.Duration
	seatReservationTime time.Duration
	private             bool
	unlisted            bool
	explicitLock        bool
	locked              bool
	metadata            map[string]any

	gameState any
	ser       serializer.Serializer

	// clockMu guards clk separately from r.mu so timer callbacks fired
	// during a tick can call back into the room's public API.
	clockMu sync.Mutex
	clk     *clock.Clock

	clients   []*Client
	bySession map[string]*Client
	seats     map[string]*seat
	recons    map[string]*Reconnection
	handlers  map[any]*messageHandler

	afterNextPatch    []queuedBroadcast
	onLeaveConcurrent int
	autoDisposeTimer  *time.Timer

	simStop    chan struct{}
	simRunning bool
	patchStop  chan struct{}
	loopWG     sync.WaitGroup
	// loopDepth is nonzero while a loop goroutine is running delegate or
	// timer code.
	loopDepth   atomic.Int32
	disposeOnce sync.Once
}

// New builds a room in the Creating state. Create must be called before
// any seat is reserved.
func New(cfg Config) *Room {
	if cfg.PatchRate == 0 {
		cfg.PatchRate = DefaultPatchRate
	}
	if cfg.SeatReservationTime == 0 {
		cfg.SeatReservationTime = DefaultSeatReservationTime
	}
	return &Room{
		id:                  cfg.ID,
		name:                cfg.Name,
		processID:           cfg.ProcessID,
		delegate:            cfg.Delegate,
		drv:                 cfg.Driver,
		events:              cfg.Events,
		devMode:             cfg.DevMode,
		lifecycle:           Creating,
		autoDispose:         true,
		patchRate:           cfg.PatchRate,
		seatReservationTime: cfg.SeatReservationTime,
		ser:                 serializer.NewNone(),
		clk:                 clock.New(),
		bySession:           make(map[string]*Client),
		seats:               make(map[string]*seat),
		recons:              make(map[string]*Reconnection),
		handlers:            make(map[any]*messageHandler),
	}
}

// Create runs the delegate's OnCreate, transitions to Created and starts
// the patch loop.
func (r *Room) Create(ctx context.Context, options map[string]any) error {
	if err := r.delegate.OnCreate(ctx, r, options); err != nil {
		return fmt.Errorf("room: onCreate: %w", err)
	}

	r.mu.Lock()
	r.lifecycle = Created
	r.patchStop = make(chan struct{})
	rate := r.patchRate
	r.mu.Unlock()

	r.loopWG.Add(1)
	go r.patchLoop(rate)
	return nil
}

func (r *Room) ID() string        { return r.id }
func (r *Room) Name() string      { return r.name }
func (r *Room) ProcessID() string { return r.processID }

// State returns the lifecycle state.
func (r *Room) State() Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle
}

// ClientCount is the number of connected clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Clients returns a snapshot of the connected clients.
func (r *Room) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, len(r.clients))
	copy(out, r.clients)
	return out
}

// ScheduleOnce runs fn once after delay, measured in room ticks. The
// callback runs inside a tick; failures route to the exception delegate.
func (r *Room) ScheduleOnce(delay time.Duration, fn func()) *clock.Delayed {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	return r.clk.SetTimeout(delay, func() {
		r.catch("timedEvent", func() error {
			fn()
			return nil
		})
	})
}

// ScheduleEvery runs fn every interval until the handle is cleared.
func (r *Room) ScheduleEvery(interval time.Duration, fn func()) *clock.Delayed {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	return r.clk.SetInterval(interval, func() {
		r.catch("timedEvent", func() error {
			fn()
			return nil
		})
	})
}

// ElapsedTime is the room clock's accumulated (clamped) time.
func (r *Room) ElapsedTime() time.Duration {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	return r.clk.ElapsedTime()
}

// tick advances the clock and fires due timer callbacks.
func (r *Room) tick() time.Duration {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	r.clk.Tick()
	return r.clk.DeltaTime()
}

// --- configuration, typically called from OnCreate ---

// MutateState runs fn while no patch or join is serializing the state.
// Delegate code must mutate replicated state inside fn and must not call
// other room methods from it.
func (r *Room) MutateState(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// SetState installs the replicated state object and points the
// serializer at it.
func (r *Room) SetState(state any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gameState = state
	r.ser.Reset(state)
}

// SetSerializer swaps the state serializer.
func (r *Room) SetSerializer(s serializer.Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ser = s
	if r.gameState != nil {
		s.Reset(r.gameState)
	}
}

func (r *Room) SetMaxClients(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxClients = n
}

func (r *Room) SetAutoDispose(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoDispose = v
}

func (r *Room) SetSeatReservationTime(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seatReservationTime = d
}

// SetPatchRate changes the patch interval. Takes effect on the next tick
// of the patch loop.
func (r *Room) SetPatchRate(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patchRate = d
}

// --- listing visibility ---

// Lock closes the room to matchmaking until Unlock.
func (r *Room) Lock() {
	r.mu.Lock()
	r.explicitLock = true
	r.locked = true
	r.mu.Unlock()
	r.updateCache(driver.Update{Set: map[string]any{"locked": true}})
}

// Unlock reopens the room unless it is at capacity.
func (r *Room) Unlock() {
	r.mu.Lock()
	r.explicitLock = false
	r.locked = r.atCapacityLocked()
	locked := r.locked
	r.mu.Unlock()
	r.updateCache(driver.Update{Set: map[string]any{"locked": locked}})
}

// Locked reports the effective lock state.
func (r *Room) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// MaxClients returns the capacity limit; zero means unbounded.
func (r *Room) MaxClients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxClients
}

// Private reports whether the room is hidden from open matchmaking.
func (r *Room) Private() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.private
}

// Unlisted reports whether the room is excluded from listings.
func (r *Room) Unlisted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unlisted
}

// Metadata returns the listing metadata.
func (r *Room) Metadata() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata
}

// SetPrivate hides the room from open matchmaking queries.
func (r *Room) SetPrivate(v bool) {
	r.mu.Lock()
	r.private = v
	r.mu.Unlock()
	r.updateCache(driver.Update{Set: map[string]any{"private": v}})
}

// SetUnlisted removes the room from listings while still allowing joins
// by id.
func (r *Room) SetUnlisted(v bool) {
	r.mu.Lock()
	r.unlisted = v
	r.mu.Unlock()
	r.updateCache(driver.Update{Set: map[string]any{"unlisted": v}})
}

// SetMetadata replaces the listing metadata.
func (r *Room) SetMetadata(m map[string]any) {
	r.mu.Lock()
	r.metadata = m
	r.mu.Unlock()
	r.updateCache(driver.Update{Set: map[string]any{"metadata": m}})
}

// --- capacity ---

// atCapacityLocked counts connected clients plus every live seat hold.
func (r *Room) atCapacityLocked() bool {
	if r.maxClients == 0 {
		return false
	}
	return len(r.clients)+r.pendingSeatsLocked() >= r.maxClients
}

func (r *Room) pendingSeatsLocked() int {
	n := 0
	for _, s := range r.seats {
		if !s.consumed || s.held {
			n++
		}
	}
	return n
}

// syncLockStateLocked recomputes auto-lock after capacity changed.
// Returns true when the effective lock flag changed.
func (r *Room) syncLockStateLocked() bool {
	was := r.locked
	r.locked = r.explicitLock || r.atCapacityLocked()
	return r.locked != was
}

// --- cache plumbing ---

func (r *Room) updateCache(u driver.Update) {
	if r.drv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.drv.Update(ctx, r.id, u); err != nil {
		logging.Warn(logging.WithRoom(ctx, r.id), "Failed to update room listing", zap.Error(err))
	}
}

// --- auto-dispose ---

// disposeIfEmptyLocked decides whether the room should tear down now.
// Callers must release the lock and call Dispose when it returns true.
func (r *Room) disposeIfEmptyLocked() bool {
	return r.onLeaveConcurrent == 0 &&
		r.autoDispose &&
		r.autoDisposeTimer == nil &&
		len(r.clients) == 0 &&
		r.pendingSeatsLocked() == 0 &&
		len(r.recons) == 0 &&
		r.lifecycle == Created
}

// maybeDispose re-checks the auto-dispose condition and triggers teardown.
func (r *Room) maybeDispose() {
	r.mu.Lock()
	due := r.disposeIfEmptyLocked()
	r.mu.Unlock()
	if due {
		r.Dispose(context.Background())
	}
}

// ResetAutoDisposeTimeout defers the empty-room check, letting a room
// outlive a brief empty period.
func (r *Room) ResetAutoDisposeTimeout(d time.Duration) {
	if d == 0 {
		d = DefaultAutoDisposeTimeout
	}
	r.mu.Lock()
	if r.autoDisposeTimer != nil {
		r.autoDisposeTimer.Stop()
	}
	r.autoDisposeTimer = time.AfterFunc(d, func() {
		r.mu.Lock()
		r.autoDisposeTimer = nil
		r.mu.Unlock()
		r.maybeDispose()
	})
	r.mu.Unlock()
}

// --- shutdown / dispose ---

// BeforeShutdown runs the delegate's shutdown hook, defaulting to an
// immediate drain of every client.
func (r *Room) BeforeShutdown(ctx context.Context) {
	if d, ok := r.delegate.(BeforeShutdownDelegate); ok {
		r.catch("onBeforeShutdown", func() error {
			d.OnBeforeShutdown(ctx, r)
			return nil
		})
		return
	}
	r.Disconnect(protocol.CloseConsented)
}

// Disconnect force-leaves every connected client with the given close
// code.
func (r *Room) Disconnect(code int) {
	for _, c := range r.Clients() {
		if err := c.transport.Close(code, "room disconnect"); err != nil {
			logging.Warn(context.Background(), "Failed to close client transport", zap.String("sessionId", c.SessionID), zap.Error(err))
		}
		r.Leave(c, code)
	}
}

// Dispose tears the room down exactly once: listing removed, delegate
// notified, loops and timers stopped, matchmaker event fired.
func (r *Room) Dispose(ctx context.Context) {
	r.disposeOnce.Do(func() { r.dispose(ctx) })
}

func (r *Room) dispose(ctx context.Context) {
	r.mu.Lock()
	r.lifecycle = Disposing
	if r.patchStop != nil {
		close(r.patchStop)
		r.patchStop = nil
	}
	if r.simRunning {
		close(r.simStop)
		r.simRunning = false
	}
	if r.autoDisposeTimer != nil {
		r.autoDisposeTimer.Stop()
		r.autoDisposeTimer = nil
	}
	for _, s := range r.seats {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	r.seats = make(map[string]*seat)
	for _, rec := range r.recons {
		rec.reject()
	}
	r.recons = make(map[string]*Reconnection)
	remaining := make([]*Client, len(r.clients))
	copy(remaining, r.clients)
	r.mu.Unlock()

	// A delegate may dispose the room from inside a simulation or timer
	// callback. Waiting for the loops inline would block on the very
	// goroutine running us, so the teardown moves to a fresh one.
	if r.loopDepth.Load() > 0 {
		go r.finishDispose(context.WithoutCancel(ctx), remaining)
		return
	}
	r.finishDispose(ctx, remaining)
}

func (r *Room) finishDispose(ctx context.Context, remaining []*Client) {
	r.loopWG.Wait()

	for _, c := range remaining {
		_ = c.transport.Close(protocol.CloseConsented, "room disposed")
	}
	r.mu.Lock()
	r.clients = nil
	r.bySession = make(map[string]*Client)
	r.mu.Unlock()

	if r.drv != nil {
		if err := r.drv.Remove(ctx, r.id); err != nil {
			logging.Warn(logging.WithRoom(ctx, r.id), "Failed to remove room listing", zap.Error(err))
		}
	}

	if d, ok := r.delegate.(DisposeDelegate); ok {
		r.catch("onDispose", func() error { return d.OnDispose(ctx, r) })
	}

	r.clockMu.Lock()
	r.clk.Clear()
	r.clockMu.Unlock()

	logging.Info(logging.WithRoom(ctx, r.id), "Room disposed", zap.String("name", r.name))
	if r.events.Disposed != nil {
		r.events.Disposed(r)
	}
}

// catch runs a delegate hook, converting panics and errors into
// OnUncaughtException (or a log line when the delegate has no handler).
func (r *Room) catch(methodName string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.routeException(fmt.Errorf("panic: %v", rec), methodName)
		}
	}()
	if err := fn(); err != nil {
		r.routeException(err, methodName)
	}
}

func (r *Room) routeException(err error, methodName string) {
	if d, ok := r.delegate.(ExceptionDelegate); ok {
		d.OnUncaughtException(err, methodName)
		return
	}
	logging.Error(logging.WithRoom(context.Background(), r.id), "Uncaught room exception",
		zap.String("method", methodName), zap.Error(err))
}
