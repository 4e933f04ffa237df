// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultDetailConcurrency = 5

// Detail source names, reported in UnifiedTorrentDetail.FailedSources.
const (
	SourcePrimary    = "primary"
	SourceProperties = "properties"
	SourceFiles      = "files"
	SourceTrackers   = "trackers"
	SourcePeers      = "peers"
)

// DetailSources are the per-backend fetchers for one torrent. Primary returns a
// unified-key torrent patch. Nil supplementary fetchers are not attempted.
type DetailSources struct {
	Primary    func(ctx context.Context) (map[string]any, error)
	Properties func(ctx context.Context) (*TorrentProperties, error)
	Files      func(ctx context.Context) ([]TorrentFile, error)
	Trackers   func(ctx context.Context) ([]TorrentTracker, error)
	Peers      func(ctx context.Context) ([]TorrentPeer, error)
}

// TorrentLookup exposes the cached view to the composer.
type TorrentLookup interface {
	Cached(id string) (*UnifiedTorrent, bool)
	Overlay(id string, patch map[string]any) *UnifiedTorrent
}

// DetailComposer builds a best-effort detail view from independent sources.
type DetailComposer struct {
	lookup    TorrentLookup
	limit     int
	onPartial func(failed []string)
}

func NewDetailComposer(lookup TorrentLookup, onPartial func(failed []string)) *DetailComposer {
	return &DetailComposer{
		lookup:    lookup,
		limit:     defaultDetailConcurrency,
		onPartial: onPartial,
	}
}

// Compose runs every source concurrently. A failing source never cancels the
// others; only the primary decides whether the call fails.
func (c *DetailComposer) Compose(ctx context.Context, id string, src DetailSources) (*UnifiedTorrentDetail, error) {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)

		primary    map[string]any
		properties *TorrentProperties
		files      []TorrentFile
		trackers   []TorrentTracker
		peers      []TorrentPeer
	)

	record := func(name string, err error) {
		mu.Lock()
		failed[name] = err
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(c.limit)

	if src.Primary == nil {
		return nil, &NotFoundError{ID: id}
	}
	g.Go(func() error {
		p, err := src.Primary(ctx)
		if err != nil {
			record(SourcePrimary, err)
			return nil
		}
		primary = p
		return nil
	})
	if src.Properties != nil {
		g.Go(func() error {
			p, err := src.Properties(ctx)
			if err != nil {
				record(SourceProperties, err)
				return nil
			}
			properties = p
			return nil
		})
	}
	if src.Files != nil {
		g.Go(func() error {
			f, err := src.Files(ctx)
			if err != nil {
				record(SourceFiles, err)
				return nil
			}
			files = nonNilSlice(f)
			return nil
		})
	}
	if src.Trackers != nil {
		g.Go(func() error {
			t, err := src.Trackers(ctx)
			if err != nil {
				record(SourceTrackers, err)
				return nil
			}
			trackers = nonNilSlice(t)
			return nil
		})
	}
	if src.Peers != nil {
		g.Go(func() error {
			p, err := src.Peers(ctx)
			if err != nil {
				record(SourcePeers, err)
				return nil
			}
			peers = nonNilSlice(p)
			return nil
		})
	}
	_ = g.Wait()

	detail := &UnifiedTorrentDetail{
		Properties: properties,
		Files:      files,
		Trackers:   trackers,
		Peers:      peers,
	}

	if primaryErr, ok := failed[SourcePrimary]; ok {
		if IsFatal(primaryErr) {
			return nil, primaryErr
		}
		cached, found := c.lookup.Cached(id)
		if !found {
			if IsEndpointUnavailable(primaryErr) || IsNotFound(primaryErr) {
				return nil, &NotFoundError{ID: id}
			}
			return nil, primaryErr
		}
		log.Debug().Err(primaryErr).Str("hash", id).Msg("Primary detail source failed, using cached torrent")
		detail.UnifiedTorrent = *cached
	} else {
		detail.UnifiedTorrent = *c.lookup.Overlay(id, primary)
	}

	if len(failed) > 0 {
		detail.Partial = true
		for _, name := range []string{SourcePrimary, SourceProperties, SourceFiles, SourceTrackers, SourcePeers} {
			if _, ok := failed[name]; ok {
				detail.FailedSources = append(detail.FailedSources, name)
			}
		}
		log.Trace().Str("hash", id).Strs("failed", detail.FailedSources).Msg("Composed partial torrent detail")
		if c.onPartial != nil {
			c.onPartial(detail.FailedSources)
		}
	}
	return detail, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
