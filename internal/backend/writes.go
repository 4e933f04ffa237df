// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// WriteTracker counts write actions in flight and requests a resync once one
// succeeds. The poller uses InFlight as its skip predicate so a list refresh never
// races a pending write.
type WriteTracker struct {
	inFlight atomic.Int64

	mu   sync.RWMutex
	hook func(op string)
}

func (w *WriteTracker) SetHook(fn func(op string)) {
	w.mu.Lock()
	w.hook = fn
	w.mu.Unlock()
}

func (w *WriteTracker) InFlight() bool {
	return w.inFlight.Load() > 0
}

// Do runs fn as a tracked write.
func (w *WriteTracker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	w.inFlight.Add(1)
	err := fn(ctx)
	w.inFlight.Add(-1)

	if err != nil {
		log.Debug().Err(err).Str("op", op).Msg("Write action failed")
		return err
	}

	w.mu.RLock()
	hook := w.hook
	w.mu.RUnlock()
	if hook != nil {
		hook(op)
	}
	return nil
}
