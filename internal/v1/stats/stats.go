// Package stats tracks per-process room and client counts and mirrors
// them into presence so matchmakers can pick the least-loaded process.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/arenalab/arena/internal/v1/presence"
	"go.uber.org/zap"
)

// roomCountKey is the presence hash of "<rooms>,<ccu>" entries keyed by
// process id.
const roomCountKey = "roomcount"

// flushInterval coalesces bursts of count changes into one hash write.
const flushInterval = 1 * time.Second

// keepAliveInterval re-advertises the entry even when the counters are
// clean, so an entry lost to a mistaken exclusion or removal heals.
const keepAliveInterval = 15 * time.Second

// ProcessStats is one process's advertised load.
type ProcessStats struct {
	ProcessID string
	Rooms     int
	CCU       int
}

// Registry owns this process's counters and reads the fleet's.
type Registry struct {
	processID string
	presence  presence.Presence

	mu       sync.Mutex
	rooms    int
	ccu      int
	dirty    bool
	excluded map[string]struct{}

	flushCh chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewRegistry advertises the process and starts the background flusher.
// Call Shutdown to stop it. The initial write happens before any counter
// moves, so peers can route to a process that hosts nothing yet.
func NewRegistry(processID string, p presence.Presence) *Registry {
	r := &Registry{
		processID: processID,
		presence:  p,
		excluded:  make(map[string]struct{}),
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	r.advertise(context.Background())
	go r.flusher()
	return r
}

func (r *Registry) ProcessID() string { return r.processID }

// RoomCreated bumps the local room count.
func (r *Registry) RoomCreated() {
	r.bump(func() { r.rooms++ })
	metrics.ActiveRooms.Inc()
}

// RoomDisposed drops the local room count.
func (r *Registry) RoomDisposed() {
	r.bump(func() {
		if r.rooms > 0 {
			r.rooms--
		}
	})
	metrics.ActiveRooms.Dec()
}

// ClientJoined bumps the local CCU.
func (r *Registry) ClientJoined() {
	r.bump(func() { r.ccu++ })
	metrics.ConnectedClients.Inc()
}

// ClientLeft drops the local CCU.
func (r *Registry) ClientLeft() {
	r.bump(func() {
		if r.ccu > 0 {
			r.ccu--
		}
	})
	metrics.ConnectedClients.Dec()
}

// Local returns this process's current counts.
func (r *Registry) Local() ProcessStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ProcessStats{ProcessID: r.processID, Rooms: r.rooms, CCU: r.ccu}
}

func (r *Registry) bump(mutate func()) {
	r.mu.Lock()
	mutate()
	r.dirty = true
	r.mu.Unlock()

	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

// flusher writes at most one hash update per flushInterval no matter how
// many counter changes happened, and re-advertises on a slow heartbeat
// even when nothing changed.
func (r *Registry) flusher() {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-keepAlive.C:
			r.advertise(context.Background())
		case <-r.flushCh:
			r.Flush(context.Background())

			select {
			case <-r.done:
				return
			case <-time.After(flushInterval):
			}
		}
	}
}

// Flush writes the current counts to the shared hash when they changed
// since the last write.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.Lock()
	dirty := r.dirty
	r.mu.Unlock()
	if dirty {
		r.advertise(ctx)
	}
}

// advertise writes the entry unconditionally.
func (r *Registry) advertise(ctx context.Context) {
	select {
	case <-r.done:
		return
	default:
	}

	r.mu.Lock()
	r.dirty = false
	value := fmt.Sprintf("%d,%d", r.rooms, r.ccu)
	r.mu.Unlock()

	if err := r.presence.HSet(ctx, roomCountKey, r.processID, value); err != nil {
		logging.Warn(ctx, "Failed to publish process stats", zap.Error(err))
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
}

// ExcludeProcess hides a process from FetchAll until it is observed
// healthy again. Used after an IPC timeout so room creation stops
// routing to a suspect process.
func (r *Registry) ExcludeProcess(processID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excluded[processID] = struct{}{}
}

// UnexcludeProcess lifts an exclusion.
func (r *Registry) UnexcludeProcess(processID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.excluded, processID)
}

// Remove deletes a process's entry from the shared hash. Run during
// graceful shutdown and when cleaning up a dead process.
func (r *Registry) Remove(ctx context.Context, processID string) error {
	return r.presence.HDel(ctx, roomCountKey, processID)
}

// FetchAll returns every advertised process load, sorted by room count
// ascending then process id. The local entry always reflects in-memory
// counters, not the possibly stale hash value. Excluded processes are
// dropped.
func (r *Registry) FetchAll(ctx context.Context) ([]ProcessStats, error) {
	raw, err := r.presence.HGetAll(ctx, roomCountKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	local := ProcessStats{ProcessID: r.processID, Rooms: r.rooms, CCU: r.ccu}
	excluded := make(map[string]struct{}, len(r.excluded))
	for pid := range r.excluded {
		excluded[pid] = struct{}{}
	}
	r.mu.Unlock()

	out := []ProcessStats{local}
	for pid, value := range raw {
		if pid == r.processID {
			continue
		}
		if _, skip := excluded[pid]; skip {
			continue
		}
		st, err := parseStats(pid, value)
		if err != nil {
			logging.Warn(ctx, "Skipping malformed process stats entry", zap.String("processId", pid), zap.Error(err))
			continue
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rooms != out[j].Rooms {
			return out[i].Rooms < out[j].Rooms
		}
		return out[i].ProcessID < out[j].ProcessID
	})
	return out, nil
}

// GlobalCCU sums connected clients across the fleet.
func (r *Registry) GlobalCCU(ctx context.Context) (int, error) {
	all, err := r.FetchAll(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	for _, st := range all {
		total += st.CCU
	}
	return total, nil
}

func parseStats(processID, value string) (ProcessStats, error) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return ProcessStats{}, fmt.Errorf("stats: want \"rooms,ccu\", got %q", value)
	}
	rooms, err := strconv.Atoi(parts[0])
	if err != nil {
		return ProcessStats{}, err
	}
	ccu, err := strconv.Atoi(parts[1])
	if err != nil {
		return ProcessStats{}, err
	}
	return ProcessStats{ProcessID: processID, Rooms: rooms, CCU: ccu}, nil
}

// Shutdown stops the flusher and removes this process's entry.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	return r.Remove(ctx, r.processID)
}
