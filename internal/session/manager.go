// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/backend"
	"github.com/autobrr/tmsync/internal/backend/qbittorrent"
	"github.com/autobrr/tmsync/internal/backend/transmission"
	"github.com/autobrr/tmsync/internal/domain"
	"github.com/autobrr/tmsync/internal/poller"
	"github.com/autobrr/tmsync/internal/transport"
)

// ErrNoServer is returned when no backend is selected.
var ErrNoServer = errors.New("no backend server selected")

// UnknownServerError reports a catalog id that does not exist.
type UnknownServerError struct {
	ID string
}

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("unknown server %q", e.ID)
}

// Observer receives poller and cache telemetry. *metrics.Metrics implements it.
type Observer interface {
	ObserveTick(result string, next time.Duration)
	ObserveState(state string)
	ObserveApply(took time.Duration, snap *backend.Snapshot)
	ObservePartial(failed []string)
}

type noopObserver struct{}

func (noopObserver) ObserveTick(string, time.Duration) {}
func (noopObserver) ObserveState(string) {}
func (noopObserver) ObserveApply(time.Duration, *backend.Snapshot) {}
func (noopObserver) ObservePartial([]string) {}

// AdapterOptions is what the manager hands to an AdapterFactory.
type AdapterOptions struct {
	Timeout         time.Duration
	Policy          backend.SnapshotPolicy
	FullResyncEvery int
	OnApply         backend.ApplyObserver
	OnPartial       func(failed []string)
}

// AdapterFactory builds a fresh adapter and cache for one catalog entry.
type AdapterFactory func(server domain.ServerConfig, opts AdapterOptions) (backend.Adapter, error)

// DefaultFactory wires the net/http transport to the adapter for the server's type.
func DefaultFactory(server domain.ServerConfig, opts AdapterOptions) (backend.Adapter, error) {
	kind := backend.Kind(server.Type)
	t, err := transport.New(transport.Config{
		Kind:     kind,
		BaseURL:  server.BaseURL,
		Username: server.Username,
		Password: server.Password,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", server.ID, err)
	}

	switch kind {
	case backend.KindQbit:
		return qbittorrent.New(t, qbittorrent.Options{
			Server:    server.ID,
			Policy:    opts.Policy,
			OnApply:   opts.OnApply,
			OnPartial: opts.OnPartial,
		}), nil
	case backend.KindTrans:
		return transmission.New(t, transmission.Options{
			Server:          server.ID,
			Policy:          opts.Policy,
			OnApply:         opts.OnApply,
			OnPartial:       opts.OnPartial,
			FullResyncEvery: opts.FullResyncEvery,
		}), nil
	default:
		return nil, fmt.Errorf("server %q: unsupported type %q", server.ID, server.Type)
	}
}

type Options struct {
	Servers         []domain.ServerConfig
	DefaultID       string
	RequestTimeout  time.Duration
	Policy          backend.SnapshotPolicy
	FullResyncEvery int

	// Poller is the template for every driver; the manager owns its callbacks.
	Poller   poller.Options
	Observer Observer
	Factory  AdapterFactory
}

// ServerInfo is the public view of a catalog entry.
type ServerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Active    bool   `json:"active"`
	Reachable bool   `json:"reachable"`
	LatencyMs *int64 `json:"latencyMs,omitempty"`
}

// Status describes the active backend and its poller.
type Status struct {
	ServerID   string     `json:"serverId"`
	Backend    string     `json:"backend"`
	State      string     `json:"state"`
	Failures   int        `json:"failures"`
	IntervalMs int64      `json:"intervalMs"`
	NextTick   *time.Time `json:"nextTick,omitempty"`
	Hidden     bool       `json:"hidden"`
	LastError  string     `json:"lastError,omitempty"`
	Revision   uint64     `json:"revision"`
	Torrents   int        `json:"torrents"`
}

type active struct {
	server  domain.ServerConfig
	adapter backend.Adapter
	driver  *poller.Driver
	gen     uint64
}

// Manager owns the selected backend: one adapter, its cache and its poller. Switching
// tears the old trio down before the new one is built.
type Manager struct {
	opts     Options
	observer Observer
	factory  AdapterFactory
	log      zerolog.Logger

	gen atomic.Uint64

	mu        sync.RWMutex
	catalog   []domain.ServerConfig
	defaultID string
	cur       *active
	hidden    bool

	subsMu  sync.RWMutex
	subs    map[uint64]func(*backend.Snapshot)
	nextSub uint64
}

func New(opts Options) *Manager {
	m := &Manager{
		opts:      opts,
		observer:  opts.Observer,
		factory:   opts.Factory,
		log:       log.With().Str("component", "session").Logger(),
		catalog:   append([]domain.ServerConfig(nil), opts.Servers...),
		defaultID: opts.DefaultID,
		subs:      make(map[uint64]func(*backend.Snapshot)),
	}
	if m.observer == nil {
		m.observer = noopObserver{}
	}
	if m.factory == nil {
		m.factory = DefaultFactory
	}
	return m
}

// Start selects the default server. An empty catalog is not an error.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.defaultID
	if id == "" && len(m.catalog) > 0 {
		id = m.catalog[0].ID
	}
	if id == "" {
		m.log.Warn().Msg("No servers configured, waiting for a catalog")
		return nil
	}
	return m.switchLocked(id)
}

// Switch selects a catalog entry. Selecting the current server restarts its poller.
func (m *Manager) Switch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switchLocked(id)
}

func (m *Manager) switchLocked(id string) error {
	server, ok := m.findLocked(id)
	if !ok {
		return &UnknownServerError{ID: id}
	}

	m.stopLocked()
	gen := m.gen.Add(1)

	adapter, err := m.factory(server, AdapterOptions{
		Timeout:         m.opts.RequestTimeout,
		Policy:          m.opts.Policy,
		FullResyncEvery: m.opts.FullResyncEvery,
		OnApply: func(took time.Duration, snap *backend.Snapshot) {
			if m.gen.Load() == gen {
				m.observer.ObserveApply(took, snap)
			}
		},
		OnPartial: m.observer.ObservePartial,
	})
	if err != nil {
		return err
	}

	logger := m.log.With().Str("server", server.ID).Str("backend", server.Type).Logger()

	popts := m.opts.Poller
	popts.Skip = adapter.WritesInFlight
	popts.IsFatal = backend.IsFatal
	popts.Logger = &logger
	popts.OnTick = m.observer.ObserveTick
	popts.OnStateChange = func(_, to poller.State) {
		m.observer.ObserveState(to.String())
	}
	popts.OnFatal = func(err error) {
		logger.Error().Err(err).Msg("Backend rejected credentials, polling stopped")
	}

	driver := poller.New(func(ctx context.Context) error {
		_, err := m.refresh(ctx, adapter, gen)
		return err
	}, popts)
	adapter.SetResyncHook(func(op string) {
		logger.Trace().Str("op", op).Msg("Write completed, requesting resync")
		driver.Poke()
	})
	driver.SetVisible(!m.hidden)

	m.cur = &active{server: server, adapter: adapter, driver: driver, gen: gen}
	driver.Start()

	logger.Info().Str("name", server.Name).Msg("Backend selected")
	return nil
}

func (m *Manager) stopLocked() {
	if m.cur == nil {
		return
	}
	m.cur.driver.Stop()
	m.cur.adapter.Close()
	m.cur = nil
}

func (m *Manager) findLocked(id string) (domain.ServerConfig, bool) {
	for _, s := range m.catalog {
		if s.ID == id {
			return s, true
		}
	}
	return domain.ServerConfig{}, false
}

func (m *Manager) refresh(ctx context.Context, adapter backend.Adapter, gen uint64) (*backend.Snapshot, error) {
	snap, err := adapter.FetchList(ctx)
	if err != nil {
		return nil, err
	}
	// superseded by a switch
	if m.gen.Load() != gen {
		return snap, nil
	}
	m.broadcast(snap)
	return snap, nil
}

func (m *Manager) broadcast(snap *backend.Snapshot) {
	m.subsMu.RLock()
	fns := make([]func(*backend.Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Subscribe registers fn for every snapshot the active backend produces. The
// returned func unregisters it.
func (m *Manager) Subscribe(fn func(*backend.Snapshot)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Manager) current() (*active, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return nil, ErrNoServer
	}
	return m.cur, nil
}

// Adapter returns the active adapter.
func (m *Manager) Adapter() (backend.Adapter, error) {
	cur, err := m.current()
	if err != nil {
		return nil, err
	}
	return cur.adapter, nil
}

// Snapshot returns the last applied snapshot of the active backend. Before the
// first successful fetch it is empty with Revision 0.
func (m *Manager) Snapshot() (*backend.Snapshot, error) {
	cur, err := m.current()
	if err != nil {
		return nil, err
	}
	return cur.adapter.Snapshot(), nil
}

// Refresh fetches immediately, sharing any in-flight poller fetch.
func (m *Manager) Refresh(ctx context.Context) (*backend.Snapshot, error) {
	cur, err := m.current()
	if err != nil {
		return nil, err
	}
	return m.refresh(ctx, cur.adapter, cur.gen)
}

// SetVisible pauses or resumes polling for the active and every later backend.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hidden = !visible
	if m.cur != nil {
		m.cur.driver.SetVisible(visible)
	}
}

func (m *Manager) Status() (Status, error) {
	cur, err := m.current()
	if err != nil {
		return Status{}, err
	}

	ps := cur.driver.Status()
	st := Status{
		ServerID:   cur.server.ID,
		Backend:    cur.server.Type,
		State:      ps.State.String(),
		Failures:   ps.Failures,
		IntervalMs: ps.Interval.Milliseconds(),
		Hidden:     ps.Hidden,
		LastError:  ps.LastErr,
	}
	if !ps.NextTick.IsZero() {
		next := ps.NextTick
		st.NextTick = &next
	}
	if snap := cur.adapter.Snapshot(); snap != nil {
		st.Revision = snap.Revision
		st.Torrents = len(snap.Torrents)
	}
	return st, nil
}

// Servers lists the catalog in configuration order.
func (m *Manager) Servers() []ServerInfo {
	out, _ := m.catalogView()
	return out
}

// catalogView returns the public entries alongside each entry's dial address.
func (m *Manager) catalogView() ([]ServerInfo, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerInfo, 0, len(m.catalog))
	addrs := make([]string, 0, len(m.catalog))
	for _, s := range m.catalog {
		out = append(out, ServerInfo{
			ID:     s.ID,
			Name:   s.Name,
			Type:   s.Type,
			Active: m.cur != nil && m.cur.server.ID == s.ID,
		})
		addrs = append(addrs, dialAddr(s.BaseURL))
	}
	return out, addrs
}

// UpdateCatalog replaces the catalog after a config reload. The active backend is
// kept when its entry is unchanged and rebuilt when it changed. The default server
// is selected only when the active id is gone.
func (m *Manager) UpdateCatalog(servers []domain.ServerConfig, defaultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.catalog = append([]domain.ServerConfig(nil), servers...)
	m.defaultID = defaultID

	if m.cur != nil {
		s, ok := m.findLocked(m.cur.server.ID)
		if ok && s == m.cur.server {
			return nil
		}
		if ok {
			m.log.Info().Str("server", s.ID).Msg("Active server changed in config, reconnecting")
			return m.switchLocked(s.ID)
		}
		m.log.Info().Str("server", m.cur.server.ID).Msg("Active server removed from config, selecting default")
	}

	if defaultID == "" {
		m.stopLocked()
		return nil
	}
	return m.switchLocked(defaultID)
}

// Close stops polling and releases the active adapter.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen.Add(1)
	m.stopLocked()
}

// OptionsFromConfig maps the configuration onto manager options.
func OptionsFromConfig(cfg *domain.Config) Options {
	policy := backend.ClearMissingSections
	if cfg.PreserveMissingSections {
		policy = backend.PreserveMissingSections
	}

	return Options{
		Servers:         cfg.Servers,
		DefaultID:       cfg.DefaultServerID,
		RequestTimeout:  cfg.RequestTimeoutDuration(),
		Policy:          policy,
		FullResyncEvery: cfg.FullResyncEvery,
		Poller: poller.Options{
			BaseInterval:     cfg.PollIntervalDuration(),
			MaxInterval:      cfg.PollMaxIntervalDuration(),
			CircuitThreshold: cfg.CircuitThreshold,
			CircuitCooldown:  cfg.CircuitCooldownDuration(),
			PokeDebounce:     poller.DefaultPokeDebounce,
		},
	}
}
