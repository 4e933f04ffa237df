// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transmission adapts the Transmission JSON-RPC interface to the unified
// backend contract. List sync polls recently-active torrents and periodically
// falls back to a full torrent-get so label removals and missed deletions heal.
package transmission

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/tmsync/internal/backend"
)

const defaultFullResyncEvery = 30

var sessionFields = []any{
	"speed-limit-down", "speed-limit-down-enabled", "speed-limit-up", "speed-limit-up-enabled",
	"alt-speed-down", "alt-speed-up", "alt-speed-enabled", "download-dir-free-space", "version",
}

type Options struct {
	// Server names the catalog entry in logs.
	Server    string
	Policy    backend.SnapshotPolicy
	OnApply   backend.ApplyObserver
	OnPartial func(failed []string)
	// FullResyncEvery forces a full torrent-get after this many incremental cycles.
	FullResyncEvery int
}

// Adapter implements backend.Adapter for Transmission.
type Adapter struct {
	t         backend.Transport
	cache     *backend.SyncCache
	composer  *backend.DetailComposer
	writes    backend.WriteTracker
	log       zerolog.Logger
	fullEvery int

	mu       sync.Mutex
	hashes   map[int64]string
	cycles   int
	needFull bool
}

var _ backend.Adapter = (*Adapter)(nil)

func New(t backend.Transport, opts Options) *Adapter {
	fullEvery := opts.FullResyncEvery
	if fullEvery <= 0 {
		fullEvery = defaultFullResyncEvery
	}
	a := &Adapter{
		t:         t,
		cache:     backend.NewSyncCache(opts.Policy, opts.OnApply),
		log:       log.With().Str("backend", string(backend.KindTrans)).Str("server", opts.Server).Logger(),
		fullEvery: fullEvery,
		needFull:  true,
	}
	a.composer = backend.NewDetailComposer(a.cache, opts.OnPartial)
	return a
}

func (a *Adapter) Kind() backend.Kind {
	return backend.KindTrans
}

func (a *Adapter) Snapshot() *backend.Snapshot {
	return a.cache.Snapshot()
}

func (a *Adapter) FetchList(ctx context.Context) (*backend.Snapshot, error) {
	snap, err := a.cache.Refresh(ctx, a.fetchTorrents)
	if err != nil {
		var vErr *backend.ValidationError
		if errors.As(err, &vErr) {
			a.mu.Lock()
			a.needFull = true
			a.mu.Unlock()
		}
		return nil, err
	}
	return snap, nil
}

func (a *Adapter) wantFull() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needFull || a.cycles+1 >= a.fullEvery
}

func (a *Adapter) hashFor(id int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hash, ok := a.hashes[id]
	return hash, ok
}

func (a *Adapter) fetchTorrents(ctx context.Context, prev *backend.Snapshot) (*backend.Payload, error) {
	full := a.wantFull()

	args := map[string]any{"fields": listFields}
	if !full {
		args["ids"] = "recently-active"
	}

	var (
		torrentsResp   map[string]any
		stats, session map[string]any
		statsErr       error
		sessionErr     error
	)

	var g errgroup.Group
	g.Go(func() error {
		var err error
		torrentsResp, err = a.call(ctx, "torrent-get", args)
		return err
	})
	g.Go(func() error {
		stats, statsErr = a.call(ctx, "session-stats", nil)
		return nil
	})
	g.Go(func() error {
		session, sessionErr = a.call(ctx, "session-get", map[string]any{"fields": sessionFields})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, err := range []error{statsErr, sessionErr} {
		if backend.IsFatal(err) {
			return nil, err
		}
	}
	if statsErr != nil || sessionErr != nil {
		a.log.Debug().AnErr("sessionStats", statsErr).AnErr("sessionGet", sessionErr).Msg("Server state source unavailable")
	}

	list, err := torrentList("torrent-get", torrentsResp)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]string, len(list))
	torrents := make(map[string]any, len(list))
	labels := make(map[string]struct{})
	if !full && prev != nil {
		for _, tag := range prev.Tags {
			labels[tag] = struct{}{}
		}
	}

	for _, item := range list {
		hash, ok := backend.SafeString(item["hashString"])
		if !ok || hash == "" {
			a.log.Debug().Interface("id", item["id"]).Msg("Skipping torrent without hashString")
			continue
		}
		if backend.HasKey(item, "id") {
			seen[backend.SafeInt(item["id"], -1)] = hash
		}
		torrents[hash] = translateTorrent(item)
		if backend.HasKey(item, "labels") {
			if tags, ok := backend.NormalizeTags(item["labels"]); ok {
				for _, tag := range tags {
					labels[tag] = struct{}{}
				}
			}
		}
	}

	data := map[string]any{
		backend.SectionTorrents: torrents,
		backend.SectionTags:     toAny(slices.Sorted(maps.Keys(labels))),
	}

	var removedIDs []int64
	if raw, ok := torrentsResp["removed"]; ok && raw != nil && !full {
		ids, ok := raw.([]any)
		if !ok {
			data[backend.SectionTorrentsRemoved] = raw
		} else {
			removed := make([]any, 0, len(ids))
			for _, id := range ids {
				n := backend.SafeInt(id, -1)
				if hash, ok := a.hashFor(n); ok {
					removed = append(removed, hash)
					removedIDs = append(removedIDs, n)
				}
			}
			if len(removed) > 0 {
				data[backend.SectionTorrentsRemoved] = removed
			}
		}
	}

	if state := translateServerState(stats, session); len(state) > 0 {
		data[backend.SectionServerState] = state
	}

	mode := backend.ModeDiff
	if full {
		mode = backend.ModeSnapshot
	}

	a.log.Trace().
		Bool("full", full).
		Int("torrents", len(torrents)).
		Int("removed", len(removedIDs)).
		Msg("Fetched torrent list")

	return &backend.Payload{
		Data: data,
		Mode: mode,
		Commit: func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if full {
				a.hashes = seen
				a.cycles = 0
				a.needFull = false
				return
			}
			if a.hashes == nil {
				a.hashes = make(map[int64]string, len(seen))
			}
			maps.Copy(a.hashes, seen)
			for _, id := range removedIDs {
				delete(a.hashes, id)
			}
			a.cycles++
		},
	}, nil
}

func toAny(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
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
