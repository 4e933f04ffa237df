// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Payload is a unified-key payload ready for the MergeEngine. Commit runs only
// after the payload was applied, so protocol cursors never advance past a
// rejected response.
type Payload struct {
	Data   map[string]any
	Mode   Mode
	Commit func()
}

// FetchFunc produces the next payload. prev is the last applied snapshot.
type FetchFunc func(ctx context.Context, prev *Snapshot) (*Payload, error)

// ApplyObserver is notified after every successful apply.
type ApplyObserver func(took time.Duration, snap *Snapshot)

// SyncCache is the per-adapter cache. It serialises MergeEngine access and
// collapses concurrent refreshes into one backend call.
type SyncCache struct {
	mu     sync.Mutex
	engine *MergeEngine
	group  singleflight.Group
	last   atomic.Pointer[Snapshot]
	closed atomic.Bool

	observer ApplyObserver
}

func NewSyncCache(policy SnapshotPolicy, observer ApplyObserver) *SyncCache {
	c := &SyncCache{
		engine:   NewMergeEngine(policy),
		observer: observer,
	}
	c.last.Store(c.engine.Snapshot())
	return c
}

// Refresh fetches and applies one payload. Concurrent callers share a single
// in-flight fetch and receive the same snapshot.
func (c *SyncCache) Refresh(ctx context.Context, fetch FetchFunc) (*Snapshot, error) {
	if c.closed.Load() {
		return nil, ErrAdapterClosed
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		payload, err := fetch(ctx, c.Snapshot())
		if err != nil {
			return nil, err
		}
		return c.apply(payload)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *SyncCache) apply(payload *Payload) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// results that land after a backend switch are dropped
	if c.closed.Load() {
		return nil, ErrAdapterClosed
	}

	start := time.Now()
	snap, err := c.engine.Apply(payload.Data, payload.Mode)
	if err != nil {
		return nil, err
	}
	if payload.Commit != nil {
		payload.Commit()
	}
	c.last.Store(snap)

	if c.observer != nil {
		c.observer(time.Since(start), snap)
	}
	return snap, nil
}

// Snapshot returns the last applied snapshot.
func (c *SyncCache) Snapshot() *Snapshot {
	return c.last.Load()
}

// Cached returns a copy of the cached torrent.
func (c *SyncCache) Cached(id string) (*UnifiedTorrent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Cached(id)
}

// Overlay applies patch to a copy of the cached torrent (or a fresh one) without
// touching the cache.
func (c *SyncCache) Overlay(id string, patch map[string]any) *UnifiedTorrent {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.engine.Cached(id)
	if !ok {
		t = newTorrent(id)
	}
	c.engine.patchTorrent(t, patch, c.engine.legacy[id])
	return t
}

func (c *SyncCache) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.Close()
}
