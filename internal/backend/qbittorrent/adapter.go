// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent adapts the qBittorrent WebAPI v2 to the unified backend
// contract. List sync uses the rid-keyed maindata diff protocol.
package qbittorrent

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/backend"
)

const (
	endpointMaindata = "api/v2/sync/maindata"
)

type Options struct {
	// Server names the catalog entry in logs.
	Server    string
	Policy    backend.SnapshotPolicy
	OnApply   backend.ApplyObserver
	OnPartial func(failed []string)
}

// Adapter implements backend.Adapter for qBittorrent.
type Adapter struct {
	t        backend.Transport
	cache    *backend.SyncCache
	composer *backend.DetailComposer
	writes   backend.WriteTracker
	log      zerolog.Logger

	mu         sync.Mutex
	rid        int64
	caps       capabilities
	capsLoaded bool
}

var _ backend.Adapter = (*Adapter)(nil)

func New(t backend.Transport, opts Options) *Adapter {
	a := &Adapter{
		t:     t,
		cache: backend.NewSyncCache(opts.Policy, opts.OnApply),
		log:   log.With().Str("backend", string(backend.KindQbit)).Str("server", opts.Server).Logger(),
	}
	a.composer = backend.NewDetailComposer(a.cache, opts.OnPartial)
	return a
}

func (a *Adapter) Kind() backend.Kind {
	return backend.KindQbit
}

func (a *Adapter) Snapshot() *backend.Snapshot {
	return a.cache.Snapshot()
}

// FetchList pulls the next maindata revision and folds it into the cache.
func (a *Adapter) FetchList(ctx context.Context) (*backend.Snapshot, error) {
	a.ensureCapabilities(ctx)

	snap, err := a.cache.Refresh(ctx, a.fetchMaindata)
	if err != nil {
		var vErr *backend.ValidationError
		if errors.As(err, &vErr) {
			// force a full update so the next payload is self-contained
			a.setRID(0)
		}
		return nil, err
	}
	return snap, nil
}

func (a *Adapter) fetchMaindata(ctx context.Context, prev *backend.Snapshot) (*backend.Payload, error) {
	rid := a.currentRID()

	body, err := a.t.Get(ctx, endpointMaindata, url.Values{"rid": {strconv.FormatInt(rid, 10)}})
	if err != nil {
		var statusErr *backend.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden {
			return nil, &backend.AuthError{Endpoint: endpointMaindata, StatusCode: http.StatusForbidden}
		}
		return nil, err
	}

	raw, err := backend.DecodePayload(body)
	if err != nil {
		return nil, err
	}

	data, mode := foldMaindata(raw, prev, rid == 0)
	nextRID := backend.SafeInt(raw["rid"], 0)

	a.log.Trace().
		Int64("rid", rid).
		Int64("nextRid", nextRID).
		Str("mode", mode.String()).
		Msg("Fetched maindata")

	return &backend.Payload{
		Data:   data,
		Mode:   mode,
		Commit: func() { a.setRID(nextRID) },
	}, nil
}

func (a *Adapter) currentRID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rid
}

func (a *Adapter) setRID(rid int64) {
	a.mu.Lock()
	a.rid = rid
	a.mu.Unlock()
}

func (a *Adapter) FetchDetail(ctx context.Context, id string) (*backend.UnifiedTorrentDetail, error) {
	if id == "" {
		return nil, &backend.InvalidArgumentError{Arg: "id", Reason: "torrent id is required"}
	}
	return a.composer.Compose(ctx, id, a.detailSources(id))
}

func (a *Adapter) WritesInFlight() bool {
	return a.writes.InFlight()
}

func (a *Adapter) SetResyncHook(fn func(op string)) {
	a.writes.SetHook(fn)
}

func (a *Adapter) Close() {
	a.cache.Close()
}
