package ipchannel

import (
	"sync"
	"time"
)

// ClockSource abstracts wall-clock and monotonic-tick access so tests can
// inject a deterministic clock instead of depending on process-wide time,
// per spec.md §9's note on removing global mutable SNTP/clock state.
type ClockSource interface {
	// NowMs returns a monotonic millisecond tick. Consecutive calls never
	// return a strictly decreasing value.
	NowMs() uint32
	// NowDateTime returns the current UTC time as LonTalk date-time
	// (seconds since 1 Jan 1900).
	NowDateTime() uint32
	// WallClockSet reports whether the wall clock has been set from a
	// trustworthy source (e.g. SNTP) since process start. Callers should
	// treat date-times as unreliable until this is true.
	WallClockSet() bool
	// SetWallClock marks the wall clock as having been set.
	SetWallClock()
}

// systemClock is the production ClockSource, backed by the Go runtime
// monotonic clock.
type systemClock struct {
	mu      sync.Mutex
	start   time.Time
	lastMs  uint32
	wallSet bool
}

// NewSystemClock returns a ClockSource backed by the real wall clock.
func NewSystemClock() ClockSource {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMs() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.start).Milliseconds()
	ms := uint32(elapsed)
	if ms < c.lastMs {
		ms = c.lastMs
	}
	c.lastMs = ms
	return ms
}

func (c *systemClock) NowDateTime() uint32 {
	d := time.Since(protocolEpoch)
	return uint32(d.Seconds())
}

func (c *systemClock) WallClockSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallSet
}

func (c *systemClock) SetWallClock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallSet = true
}

// fakeClock is a deterministic ClockSource for tests.
type fakeClock struct {
	mu      sync.Mutex
	ms      uint32
	dt      uint32
	wallSet bool
}

// NewFakeClock returns a ClockSource whose value only advances when Advance
// is called.
func NewFakeClock(startMs, startDateTime uint32) *fakeClock {
	return &fakeClock{ms: startMs, dt: startDateTime}
}

func (c *fakeClock) NowMs() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *fakeClock) NowDateTime() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dt
}

func (c *fakeClock) WallClockSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallSet
}

func (c *fakeClock) SetWallClock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallSet = true
}

// Advance moves the fake clock forward by d.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += uint32(d.Milliseconds())
	c.dt += uint32(d.Seconds())
}
