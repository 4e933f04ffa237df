// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/tmsync/internal/backend"
)

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, firing due timers in order, including timers
// scheduled by callbacks that fall inside the window.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool {
			if c.timers[i].at.Equal(c.timers[j].at) {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].at.Before(c.timers[j].at)
		})

		var next *manualTimer
		for i, t := range c.timers {
			if t.stopped {
				continue
			}
			if t.at.After(target) {
				break
			}
			next = t
			c.timers = append(c.timers[:i:i], c.timers[i+1:]...)
			break
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.stopped = true
		c.mu.Unlock()

		next.f()
	}
}

// pending returns the delay of the earliest live timer.
func (c *manualClock) pending() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *manualTimer
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if best == nil || t.at.Before(best.at) {
			best = t
		}
	}
	if best == nil {
		return 0, false
	}
	return best.at.Sub(c.now), true
}

type scriptedFetch struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scriptedFetch) fetch(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func (s *scriptedFetch) push(errs ...error) {
	s.mu.Lock()
	s.results = append(s.results, errs...)
	s.mu.Unlock()
}

func (s *scriptedFetch) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errTransport = &backend.TransportError{Op: "get", Err: errors.New("connection refused")}

func newTestDriver(t *testing.T, fetch *scriptedFetch, mutate func(*Options)) (*Driver, *manualClock) {
	t.Helper()
	clock := newManualClock()
	opts := Options{
		BaseInterval:    2000 * time.Millisecond,
		MaxInterval:     30000 * time.Millisecond,
		CircuitCooldown: 60 * time.Second,
		Clock:           clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d := New(fetch.fetch, opts)
	t.Cleanup(d.Stop)
	return d, clock
}

func TestDriver_BackoffSequenceAndReset(t *testing.T) {
	fetch := &scriptedFetch{}
	fetch.push(errTransport, errTransport, errTransport, errTransport, errTransport)

	var intervals []time.Duration
	d, clock := newTestDriver(t, fetch, func(o *Options) {
		o.OnTick = func(result string, next time.Duration) {
			if result == ResultFailure {
				intervals = append(intervals, next)
			}
		}
	})

	d.Start()
	clock.Advance(0)

	for range 4 {
		next, ok := clock.pending()
		require.True(t, ok)
		clock.Advance(next)
	}

	want := []time.Duration{4000, 8000, 16000, 30000, 30000}
	for i := range want {
		want[i] *= time.Millisecond
	}
	assert.Equal(t, want, intervals)
	assert.Equal(t, Backoff, d.State())
	assert.Equal(t, 5, d.Status().Failures)

	next, _ := clock.pending()
	assert.Equal(t, 30*time.Second, next)
	clock.Advance(next)

	st := d.Status()
	assert.Equal(t, Polling, st.State)
	assert.Zero(t, st.Failures)
	assert.Equal(t, 2000*time.Millisecond, st.Interval)
	next, _ = clock.pending()
	assert.Equal(t, 2000*time.Millisecond, next)
	assert.Equal(t, 6, fetch.count())
}

func TestDriver_CircuitBreaker(t *testing.T) {
	fetch := &scriptedFetch{}
	fetch.push(errTransport, errTransport, errTransport, errTransport, errTransport)

	d, clock := newTestDriver(t, fetch, func(o *Options) {
		o.CircuitThreshold = 5
	})

	d.Start()
	clock.Advance(0)
	for range 4 {
		next, _ := clock.pending()
		clock.Advance(next)
	}

	require.Equal(t, CircuitOpen, d.State())
	require.Equal(t, 5, fetch.count())

	// no ticks inside the cooldown window
	clock.Advance(59 * time.Second)
	assert.Equal(t, 5, fetch.count())
	assert.Equal(t, CircuitOpen, d.State())

	// poking an open circuit is ignored
	d.Poke()
	clock.Advance(time.Second - time.Millisecond)
	assert.Equal(t, 5, fetch.count())

	clock.Advance(time.Millisecond)
	assert.Equal(t, 6, fetch.count())
	st := d.Status()
	assert.Equal(t, Polling, st.State)
	assert.Zero(t, st.Failures)
	assert.Equal(t, 2*time.Second, st.Interval)
}

func TestDriver_FatalStops(t *testing.T) {
	fetch := &scriptedFetch{}
	authErr := &backend.AuthError{Endpoint: "sync/maindata", StatusCode: 403}
	fetch.push(errTransport, authErr)

	var fatalCalls int
	var fatalErr error
	d, clock := newTestDriver(t, fetch, func(o *Options) {
		o.OnFatal = func(err error) {
			fatalCalls++
			fatalErr = err
		}
	})

	d.Start()
	clock.Advance(0)
	clock.Advance(4 * time.Second)

	assert.Equal(t, Stopped, d.State())
	assert.Equal(t, 1, fatalCalls)
	assert.ErrorIs(t, fatalErr, authErr)

	_, pending := clock.pending()
	assert.False(t, pending)

	clock.Advance(time.Hour)
	assert.Equal(t, 2, fetch.count())
	assert.Equal(t, 1, fatalCalls)

	// a stopped driver can be restarted
	d.Start()
	clock.Advance(0)
	assert.Equal(t, 3, fetch.count())
	assert.Equal(t, Polling, d.State())
}

func TestDriver_SkipPredicate(t *testing.T) {
	fetch := &scriptedFetch{}
	skip := true
	var results []string

	d, clock := newTestDriver(t, fetch, func(o *Options) {
		o.Skip = func() bool { return skip }
		o.OnTick = func(result string, _ time.Duration) { results = append(results, result) }
	})

	d.Start()
	clock.Advance(0)
	clock.Advance(2 * time.Second)
	assert.Zero(t, fetch.count())
	assert.Equal(t, Polling, d.State())
	assert.Zero(t, d.Status().Failures)

	skip = false
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, fetch.count())
	assert.Equal(t, []string{ResultSkipped, ResultSkipped, ResultSuccess}, results)
}

func TestDriver_Visibility(t *testing.T) {
	fetch := &scriptedFetch{}
	fetch.push(errTransport)

	d, clock := newTestDriver(t, fetch, nil)
	d.Start()
	clock.Advance(0)
	require.Equal(t, Backoff, d.State())

	d.SetVisible(false)
	assert.Equal(t, Paused, d.State())
	clock.Advance(time.Minute)
	assert.Equal(t, 1, fetch.count())
	// backoff state survives the pause
	assert.Equal(t, 1, d.Status().Failures)

	d.SetVisible(true)
	assert.Equal(t, Backoff, d.State())
	clock.Advance(0)
	assert.Equal(t, 2, fetch.count())
	assert.Equal(t, Polling, d.State())
}

func TestDriver_VisibilityDuringCircuitOpen(t *testing.T) {
	fetch := &scriptedFetch{}
	fetch.push(errTransport)

	d, clock := newTestDriver(t, fetch, func(o *Options) {
		o.CircuitThreshold = 1
		o.CircuitCooldown = 10 * time.Second
	})
	d.Start()
	clock.Advance(0)
	require.Equal(t, CircuitOpen, d.State())

	d.SetVisible(false)
	assert.Equal(t, CircuitOpen, d.State())

	clock.Advance(10 * time.Second)
	assert.Equal(t, Paused, d.State())
	assert.Equal(t, 1, fetch.count())

	d.SetVisible(true)
	clock.Advance(0)
	assert.Equal(t, 2, fetch.count())
	assert.Equal(t, Polling, d.State())
}

func TestDriver_StopIsIdempotent(t *testing.T) {
	fetch := &scriptedFetch{}
	var transitions []string

	d, clock := newTestDriver(t, fetch, func(o *Options) {
		o.OnStateChange = func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) }
	})
	d.Start()
	clock.Advance(0)

	d.Stop()
	d.Stop()
	assert.Equal(t, Idle, d.State())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, fetch.count())
	assert.Equal(t, []string{"idle>polling", "polling>idle"}, transitions)
}

func TestDriver_PokeDebounced(t *testing.T) {
	fetch := &scriptedFetch{}
	d, clock := newTestDriver(t, fetch, func(o *Options) {
		o.BaseInterval = 10 * time.Second
		o.MaxInterval = time.Minute
		o.PokeDebounce = 200 * time.Millisecond
	})

	d.Start()
	clock.Advance(0)
	require.Equal(t, 1, fetch.count())

	d.Poke()
	clock.Advance(100 * time.Millisecond)
	d.Poke()
	d.Poke()
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 2, fetch.count())

	next, _ := clock.pending()
	assert.Equal(t, 10*time.Second, next)

	d.SetVisible(false)
	d.Poke()
	clock.Advance(time.Second)
	assert.Equal(t, 2, fetch.count())
}

func TestDriver_NoOverlappingFetch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var mu sync.Mutex
	active, peak, calls := 0, 0, 0

	fetch := func(context.Context) error {
		mu.Lock()
		active++
		calls++
		peak = max(peak, active)
		mu.Unlock()
		started <- struct{}{}
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	clock := newManualClock()
	d := New(fetch, Options{BaseInterval: time.Second, MaxInterval: time.Second, Clock: clock})
	defer d.Stop()

	d.Start()
	go clock.Advance(0)
	<-started

	d.Poke()
	d.SetVisible(false)
	d.SetVisible(true)
	go clock.Advance(0)

	release <- struct{}{}
	<-started
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 2, calls)
}

func TestBackoffInterval(t *testing.T) {
	base, maxInterval := 2*time.Second, 30*time.Second
	assert.Equal(t, 4*time.Second, backoffInterval(base, maxInterval, 1))
	assert.Equal(t, 16*time.Second, backoffInterval(base, maxInterval, 3))
	assert.Equal(t, maxInterval, backoffInterval(base, maxInterval, 4))
	assert.Equal(t, maxInterval, backoffInterval(base, maxInterval, 200))
}
