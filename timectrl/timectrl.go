// Package timectrl issues slot-boundary indications. In RealTime mode it
// follows the wall clock; in Accelerated mode it steps as fast as the
// listeners return, which keeps simulations deterministic.
package timectrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// Clock is the time source components use instead of time.Now.
type Clock interface {
	// Now returns the time of the current slot boundary.
	Now() time.Time
}

// Mode describes how the controller advances.
type Mode int

const (
	// RealTime advances one slot per slot duration of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as soon as every listener returned.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// ParseMode accepts "realtime" and "accelerated".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "realtime", "real_time":
		return RealTime, nil
	case "accelerated", "fast":
		return Accelerated, nil
	default:
		return RealTime, fmt.Errorf("unknown clock mode %q", s)
	}
}

// Listener is called on every slot boundary from the controller goroutine.
type Listener func(sl model.SlotPoint, at time.Time)

// SlotController drives slot time and notifies registered listeners.
type SlotController struct {
	mu         sync.RWMutex
	numerology uint8
	mode       Mode
	start      time.Time

	current model.SlotPoint
	now     time.Time

	listeners []Listener
}

// NewSlotController returns a controller whose first indication is slot 0
// at start.
func NewSlotController(numerology uint8, start time.Time, mode Mode) *SlotController {
	return &SlotController{
		numerology: numerology,
		mode:       mode,
		start:      start,
		now:        start,
	}
}

// SlotDuration returns the slot length for the numerology.
func (c *SlotController) SlotDuration() time.Duration {
	return time.Millisecond >> c.numerology
}

// Mode returns the pacing mode.
func (c *SlotController) Mode() Mode { return c.mode }

// Now returns the time of the last indicated slot boundary. Implements Clock.
func (c *SlotController) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Current returns the last indicated slot; it is invalid before the first.
func (c *SlotController) Current() model.SlotPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// AddListener registers fn. Listeners must be added before Start.
func (c *SlotController) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Step advances one slot and notifies listeners synchronously.
func (c *SlotController) Step() model.SlotPoint {
	c.mu.Lock()
	if c.current.Valid() {
		c.current = c.current.Add(1)
		c.now = c.now.Add(c.SlotDuration())
	} else {
		c.current = model.SlotPointFromCount(c.numerology, 0)
		c.now = c.start
	}
	sl, at := c.current, c.now
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(sl, at)
	}
	return sl
}

// Start runs the controller in a separate goroutine for n slots, or until
// ctx is done when n is 0. The returned channel is closed when it stops.
func (c *SlotController) Start(ctx context.Context, n uint64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var ticks <-chan time.Time
		if c.mode == RealTime {
			ticker := time.NewTicker(c.SlotDuration())
			defer ticker.Stop()
			ticks = ticker.C
		}
		for i := uint64(0); n == 0 || i < n; i++ {
			if ticks != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticks:
				}
			} else if ctx.Err() != nil {
				return
			}
			c.Step()
		}
	}()
	return done
}
