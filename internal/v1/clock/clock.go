// Package clock provides a tick-driven timer facility for room logic.
// Scheduled callbacks fire inside the room's tick, never on a stray
// goroutine, so handlers run under the room's single-executor guarantee.
package clock

import (
	"time"
)

// maxDelta clamps the per-tick delta after a long stall (debugger pause,
// host suspend). A multi-second gap is reported as this value instead.
const maxDelta = 100 * time.Millisecond

// stallThreshold is the gap beyond which the delta is clamped.
const stallThreshold = 1 * time.Second

// Delayed is a scheduled callback handle.
type Delayed struct {
	clock    *Clock
	fn       func()
	interval time.Duration
	nextAt   time.Duration
	repeat   bool
	cleared  bool
	paused   bool
}

// Clear cancels the callback. Safe to call from inside the callback.
func (d *Delayed) Clear() { d.cleared = true }

// Pause stops the callback from firing until Resume.
func (d *Delayed) Pause() { d.paused = true }

// Resume re-enables a paused callback. The next fire is rescheduled
// relative to now.
func (d *Delayed) Resume() {
	if !d.paused {
		return
	}
	d.paused = false
	d.nextAt = d.clock.elapsed + d.interval
}

// Active reports whether the callback can still fire.
func (d *Delayed) Active() bool { return !d.cleared }

// Clock measures time in ticks. Not safe for concurrent use; the owning
// room drives Tick and schedules callbacks from its own executor.
type Clock struct {
	started  time.Time
	lastTick time.Time
	elapsed  time.Duration
	delta    time.Duration
	ticks    uint64

	delayed []*Delayed
}

// New starts a clock at the current instant.
func New() *Clock {
	now := time.Now()
	return &Clock{started: now, lastTick: now}
}

// Tick advances the clock and fires due callbacks.
func (c *Clock) Tick() {
	now := time.Now()
	delta := now.Sub(c.lastTick)
	c.lastTick = now

	if delta > stallThreshold {
		delta = maxDelta
	}
	c.delta = delta
	c.elapsed += delta
	c.ticks++

	c.fireDue()
}

// DeltaTime is the clamped duration covered by the last tick.
func (c *Clock) DeltaTime() time.Duration { return c.delta }

// ElapsedTime is the sum of clamped deltas since the clock started.
func (c *Clock) ElapsedTime() time.Duration { return c.elapsed }

// CurrentTime is the wall-clock instant of the last tick.
func (c *Clock) CurrentTime() time.Time { return c.lastTick }

// Ticks is the number of Tick calls so far.
func (c *Clock) Ticks() uint64 { return c.ticks }

// SetTimeout schedules fn to run once after delay, measured in clock time.
func (c *Clock) SetTimeout(delay time.Duration, fn func()) *Delayed {
	d := &Delayed{
		clock:    c,
		fn:       fn,
		interval: delay,
		nextAt:   c.elapsed + delay,
	}
	c.delayed = append(c.delayed, d)
	return d
}

// SetInterval schedules fn to run every interval until cleared.
func (c *Clock) SetInterval(interval time.Duration, fn func()) *Delayed {
	d := &Delayed{
		clock:    c,
		fn:       fn,
		interval: interval,
		nextAt:   c.elapsed + interval,
		repeat:   true,
	}
	c.delayed = append(c.delayed, d)
	return d
}

// Clear cancels every scheduled callback.
func (c *Clock) Clear() {
	for _, d := range c.delayed {
		d.cleared = true
	}
	c.delayed = nil
}

// fireDue runs due callbacks in schedule order. Iterating by index keeps
// callbacks scheduled during a fire from running this tick; removal walks
// backwards so indices stay valid.
func (c *Clock) fireDue() {
	n := len(c.delayed)
	for i := 0; i < n; i++ {
		d := c.delayed[i]
		if d.cleared || d.paused || c.elapsed < d.nextAt {
			continue
		}
		d.fn()
		if d.repeat && !d.cleared {
			d.nextAt += d.interval
		} else {
			d.cleared = true
		}
	}

	for i := len(c.delayed) - 1; i >= 0; i-- {
		if c.delayed[i].cleared {
			c.delayed = append(c.delayed[:i], c.delayed[i+1:]...)
		}
	}
}
