// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"net/url"
	"strings"
)

// Transport performs raw requests against an already selected backend. Endpoints
// are paths relative to the backend's base URL.
type Transport interface {
	Get(ctx context.Context, endpoint string, query url.Values) ([]byte, error)
	PostForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error)
	PostJSON(ctx context.Context, endpoint string, body any) ([]byte, error)
}

// Adapter is the backend-agnostic contract consumed by the poller, session and API.
type Adapter interface {
	Kind() Kind

	// FetchList refreshes the cache and returns the resulting snapshot.
	FetchList(ctx context.Context) (*Snapshot, error)
	// Snapshot returns the last applied snapshot without network access.
	Snapshot() *Snapshot
	FetchDetail(ctx context.Context, id string) (*UnifiedTorrentDetail, error)

	Pause(ctx context.Context, ids ...string) error
	Resume(ctx context.Context, ids ...string) error
	Recheck(ctx context.Context, ids ...string) error
	Reannounce(ctx context.Context, ids ...string) error
	Delete(ctx context.Context, withData bool, ids ...string) error
	ForceStart(ctx context.Context, enable bool, ids ...string) error

	GetTransferSettings(ctx context.Context) (*TransferSettings, error)
	SetTransferSettings(ctx context.Context, patch TransferSettingsPatch) error

	SetTags(ctx context.Context, ids []string, tags []string) error
	AddTags(ctx context.Context, ids []string, tags []string) error
	RemoveTags(ctx context.Context, ids []string, tags []string) error
	SetCategory(ctx context.Context, ids []string, category string) error

	// WritesInFlight reports whether a write action is outstanding.
	WritesInFlight() bool
	// SetResyncHook registers the callback fired after a successful write.
	SetResyncHook(fn func(op string))

	Close()
}

// Action names accepted by RunAction.
const (
	ActionPause         = "pause"
	ActionResume        = "resume"
	ActionRecheck       = "recheck"
	ActionReannounce    = "reannounce"
	ActionDelete        = "delete"
	ActionDeleteData    = "deleteWithData"
	ActionForceStart    = "forceStart"
	ActionForceStartOff = "forceStartOff"
)

// RunAction dispatches a named bulk action.
func RunAction(ctx context.Context, a Adapter, action string, ids []string) error {
	if len(ids) == 0 {
		return &InvalidArgumentError{Arg: "ids", Reason: "at least one torrent id is required"}
	}

	switch action {
	case ActionPause:
		return a.Pause(ctx, ids...)
	case ActionResume:
		return a.Resume(ctx, ids...)
	case ActionRecheck:
		return a.Recheck(ctx, ids...)
	case ActionReannounce:
		return a.Reannounce(ctx, ids...)
	case ActionDelete:
		return a.Delete(ctx, false, ids...)
	case ActionDeleteData:
		return a.Delete(ctx, true, ids...)
	case ActionForceStart:
		return a.ForceStart(ctx, true, ids...)
	case ActionForceStartOff:
		return a.ForceStart(ctx, false, ids...)
	default:
		return &InvalidArgumentError{Arg: "action", Reason: "unknown action " + action}
	}
}

// JoinIDs renders ids the way pipe-separated backend endpoints expect.
func JoinIDs(ids []string) string {
	return strings.Join(ids, "|")
}
