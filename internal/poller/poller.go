// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/backend"
)

type State int

const (
	Idle State = iota
	Polling
	Backoff
	CircuitOpen
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Backoff:
		return "backoff"
	case CircuitOpen:
		return "circuit_open"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Tick results reported to Options.OnTick.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
	ResultFatal   = "fatal"
)

const (
	DefaultBaseInterval     = 2 * time.Second
	DefaultMaxInterval      = 30 * time.Second
	DefaultCircuitThreshold = 5
	DefaultCircuitCooldown  = 60 * time.Second
	DefaultPokeDebounce     = 500 * time.Millisecond
)

type Options struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	// CircuitThreshold of zero disables the circuit breaker.
	CircuitThreshold int
	CircuitCooldown  time.Duration
	PokeDebounce     time.Duration

	Clock Clock

	// Skip defers a tick without counting it as success or failure.
	Skip    func() bool
	IsFatal func(error) bool

	OnFatal       func(error)
	OnStateChange func(from, to State)
	OnTick        func(result string, next time.Duration)

	Logger *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.BaseInterval <= 0 {
		o.BaseInterval = DefaultBaseInterval
	}
	if o.MaxInterval < o.BaseInterval {
		o.MaxInterval = max(DefaultMaxInterval, o.BaseInterval)
	}
	if o.CircuitCooldown <= 0 {
		o.CircuitCooldown = DefaultCircuitCooldown
	}
	if o.PokeDebounce < 0 {
		o.PokeDebounce = 0
	}
	if o.Clock == nil {
		o.Clock = RealClock
	}
	if o.IsFatal == nil {
		o.IsFatal = backend.IsFatal
	}
	if o.Logger == nil {
		l := log.With().Str("component", "poller").Logger()
		o.Logger = &l
	}
}

// FetchFunc performs one resynchronisation.
type FetchFunc func(ctx context.Context) error

// Status is a point-in-time view of the driver.
type Status struct {
	State    State
	Failures int
	Interval time.Duration
	NextTick time.Time
	Hidden   bool
	LastErr  string
}

// Driver schedules fetches on a single cooperative timer chain. At most one fetch
// is outstanding at any time.
type Driver struct {
	fetch FetchFunc
	opts  Options
	log   zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	interval time.Duration
	hidden   bool
	lastErr  error

	timer  Timer
	nextAt time.Time
	token  uint64

	// epoch changes on Start and Stop so results from an earlier run are dropped
	epoch       uint64
	inFlight    bool
	pendingTick bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(fetch FetchFunc, opts Options) *Driver {
	opts.setDefaults()
	return &Driver{
		fetch:    fetch,
		opts:     opts,
		log:      *opts.Logger,
		state:    Idle,
		interval: opts.BaseInterval,
	}
}

// Start begins polling with an immediate tick. It is a no-op unless the driver is
// Idle or Stopped.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Idle && d.state != Stopped {
		return
	}

	d.epoch++
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.failures = 0
	d.interval = d.opts.BaseInterval
	d.lastErr = nil
	d.pendingTick = false

	if d.hidden {
		d.setStateLocked(Paused)
		return
	}
	d.setStateLocked(Polling)
	d.scheduleLocked(0)
}

// Stop cancels all timers and returns the driver to Idle. Safe to call repeatedly.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.epoch++
	d.cancelTimerLocked()
	d.pendingTick = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.setStateLocked(Idle)
}

// SetVisible pauses ticking while hidden and resumes with an immediate tick.
func (d *Driver) SetVisible(visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hidden = !visible

	switch {
	case d.state == CircuitOpen:
		// applied when the cooldown elapses
	case !visible && (d.state == Polling || d.state == Backoff):
		d.cancelTimerLocked()
		d.setStateLocked(Paused)
	case visible && d.state == Paused:
		d.setStateLocked(d.activeStateLocked())
		d.scheduleLocked(0)
	}
}

// Poke requests an early tick, collapsing bursts into one within PokeDebounce.
func (d *Driver) Poke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Polling && d.state != Backoff {
		return
	}
	if d.inFlight {
		d.pendingTick = true
		return
	}

	due := d.opts.Clock.Now().Add(d.opts.PokeDebounce)
	if d.timer != nil && !d.nextAt.After(due) {
		return
	}
	d.scheduleLocked(d.opts.PokeDebounce)
}

func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		State:    d.state,
		Failures: d.failures,
		Interval: d.interval,
		Hidden:   d.hidden,
	}
	if d.timer != nil {
		s.NextTick = d.nextAt
	}
	if d.lastErr != nil {
		s.LastErr = d.lastErr.Error()
	}
	return s
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) tick(token uint64) {
	d.mu.Lock()
	if token != d.token || (d.state != Polling && d.state != Backoff) {
		d.mu.Unlock()
		return
	}
	d.timer = nil

	if d.inFlight {
		d.pendingTick = true
		d.mu.Unlock()
		return
	}

	if d.opts.Skip != nil && d.opts.Skip() {
		d.scheduleLocked(d.interval)
		next := d.interval
		d.mu.Unlock()
		d.log.Trace().Msg("Skipping tick while writes are in flight")
		d.reportTick(ResultSkipped, next)
		return
	}

	d.inFlight = true
	epoch := d.epoch
	ctx := d.ctx
	d.mu.Unlock()

	err := d.fetch(ctx)

	d.mu.Lock()
	d.inFlight = false
	if epoch != d.epoch {
		d.resumePendingLocked()
		d.mu.Unlock()
		return
	}

	var (
		result string
		next   time.Duration
	)
	if err == nil {
		result, next = d.onSuccessLocked()
	} else {
		result, next = d.onFailureLocked(err)
	}
	d.mu.Unlock()

	if result == ResultFatal && d.opts.OnFatal != nil {
		d.opts.OnFatal(err)
	}
	d.reportTick(result, next)
}

func (d *Driver) onSuccessLocked() (string, time.Duration) {
	d.failures = 0
	d.interval = d.opts.BaseInterval
	d.lastErr = nil

	if d.state == Paused {
		d.pendingTick = false
		return ResultSuccess, d.interval
	}
	d.setStateLocked(Polling)
	if !d.resumePendingLocked() {
		d.scheduleLocked(d.interval)
	}
	return ResultSuccess, d.interval
}

func (d *Driver) onFailureLocked(err error) (string, time.Duration) {
	d.lastErr = err

	if d.opts.IsFatal(err) {
		d.cancelTimerLocked()
		d.pendingTick = false
		if d.cancel != nil {
			d.cancel()
			d.cancel = nil
		}
		d.setStateLocked(Stopped)
		d.log.Error().Err(err).Msg("Polling stopped after fatal error")
		return ResultFatal, 0
	}

	d.failures++
	d.interval = backoffInterval(d.opts.BaseInterval, d.opts.MaxInterval, d.failures)

	d.log.Warn().
		Err(err).
		Int("failures", d.failures).
		Dur("interval", d.interval).
		Msg("Sync failed, backing off")

	if d.opts.CircuitThreshold > 0 && d.failures >= d.opts.CircuitThreshold {
		d.pendingTick = false
		d.openCircuitLocked()
		return ResultFailure, d.opts.CircuitCooldown
	}

	if d.state == Paused {
		d.pendingTick = false
		return ResultFailure, d.interval
	}
	d.setStateLocked(Backoff)
	if !d.resumePendingLocked() {
		d.scheduleLocked(d.interval)
	}
	return ResultFailure, d.interval
}

func (d *Driver) openCircuitLocked() {
	d.cancelTimerLocked()
	d.setStateLocked(CircuitOpen)

	d.log.Warn().
		Int("failures", d.failures).
		Dur("cooldown", d.opts.CircuitCooldown).
		Msg("Circuit opened, suspending sync")

	d.token++
	token := d.token
	d.nextAt = d.opts.Clock.Now().Add(d.opts.CircuitCooldown)
	d.timer = d.opts.Clock.AfterFunc(d.opts.CircuitCooldown, func() { d.closeCircuit(token) })
}

func (d *Driver) closeCircuit(token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if token != d.token || d.state != CircuitOpen {
		return
	}
	d.timer = nil
	d.failures = 0
	d.interval = d.opts.BaseInterval

	if d.hidden {
		d.setStateLocked(Paused)
		return
	}
	d.setStateLocked(Polling)
	d.scheduleLocked(0)
}

// resumePendingLocked schedules an immediate tick if one was requested while a
// fetch was outstanding.
func (d *Driver) resumePendingLocked() bool {
	if !d.pendingTick {
		return false
	}
	d.pendingTick = false
	if d.state != Polling && d.state != Backoff {
		return false
	}
	d.scheduleLocked(0)
	return true
}

func (d *Driver) activeStateLocked() State {
	if d.failures > 0 {
		return Backoff
	}
	return Polling
}

func (d *Driver) scheduleLocked(after time.Duration) {
	d.cancelTimerLocked()
	d.token++
	token := d.token
	d.nextAt = d.opts.Clock.Now().Add(after)
	d.timer = d.opts.Clock.AfterFunc(after, func() { d.tick(token) })
}

func (d *Driver) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.token++
}

func (d *Driver) setStateLocked(to State) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	d.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Poller state changed")
	if d.opts.OnStateChange != nil {
		d.opts.OnStateChange(from, to)
	}
}

func (d *Driver) reportTick(result string, next time.Duration) {
	if d.opts.OnTick != nil {
		d.opts.OnTick(result, next)
	}
}

func backoffInterval(base, maxInterval time.Duration, failures int) time.Duration {
	if failures >= 30 {
		return maxInterval
	}
	return min(time.Duration(1<<failures)*base, maxInterval)
}
