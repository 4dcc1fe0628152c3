package room

import (
	"time"

	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/arenalab/arena/internal/v1/protocol"
)

// DefaultSimulationInterval is used when SetSimulationInterval is called
// with a zero delay.
const DefaultSimulationInterval = 16 * time.Millisecond

// SetSimulationInterval installs the authoritative tick callback,
// replacing any prior one. Each tick advances the clock and calls cb with
// the clamped delta. A nil cb stops the simulation.
func (r *Room) SetSimulationInterval(cb func(delta time.Duration), interval time.Duration) {
	if interval == 0 {
		interval = DefaultSimulationInterval
	}

	r.mu.Lock()
	if r.simRunning {
		close(r.simStop)
		r.simRunning = false
	}
	if cb == nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.simStop = stop
	r.simRunning = true
	r.mu.Unlock()

	r.loopWG.Add(1)
	go r.simulationLoop(cb, interval, stop)
}

func (r *Room) simulationLoop(cb func(delta time.Duration), interval time.Duration, stop chan struct{}) {
	defer r.loopWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.loopDepth.Add(1)
			delta := r.tick()
			r.catch("simulationInterval", func() error {
				cb(delta)
				return nil
			})
			r.loopDepth.Add(-1)
		}
	}
}

// patchLoop broadcasts state deltas at the configured patch rate.
func (r *Room) patchLoop(rate time.Duration) {
	defer r.loopWG.Done()
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		stop := r.patchStop
		current := r.patchRate
		r.mu.Unlock()
		if stop == nil {
			return
		}
		if current != rate {
			rate = current
			ticker.Reset(rate)
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
			r.loopDepth.Add(1)
			r.patch()
			r.loopDepth.Add(-1)
		}
	}
}

// patch runs one patch cycle: the before-patch hook, a clock tick when no
// simulation drives the clock, the serializer delta, and the deferred
// broadcast queue.
func (r *Room) patch() {
	start := time.Now()
	defer func() {
		metrics.PatchDuration.Observe(time.Since(start).Seconds())
	}()

	if d, ok := r.delegate.(BeforePatchDelegate); ok {
		r.mu.Lock()
		state := r.gameState
		r.mu.Unlock()
		r.catch("onBeforePatch", func() error {
			d.OnBeforePatch(state)
			return nil
		})
	}

	r.mu.Lock()
	simRunning := r.simRunning
	r.mu.Unlock()
	if !simRunning {
		r.tick()
	}

	r.mu.Lock()
	if r.gameState != nil {
		delta, err := r.ser.Patch()
		if err != nil {
			r.mu.Unlock()
			r.routeException(err, "patch")
			return
		}
		if delta != nil {
			r.deliverLocked(queuedBroadcast{frame: protocol.EncodeRoomStatePatch(delta)})
		}
	}

	queued := r.afterNextPatch
	r.afterNextPatch = nil
	for _, b := range queued {
		r.deliverLocked(b)
	}
	r.mu.Unlock()
}
