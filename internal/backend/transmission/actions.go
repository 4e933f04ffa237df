// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/autobrr/tmsync/internal/backend"
)

func (a *Adapter) rpc(ctx context.Context, op, method string, args map[string]any) error {
	return a.writes.Do(ctx, op, func(ctx context.Context) error {
		_, err := a.call(ctx, method, args)
		return err
	})
}

func (a *Adapter) Pause(ctx context.Context, ids ...string) error {
	return a.rpc(ctx, backend.ActionPause, "torrent-stop", idArgs(ids))
}

func (a *Adapter) Resume(ctx context.Context, ids ...string) error {
	return a.rpc(ctx, backend.ActionResume, "torrent-start", idArgs(ids))
}

func (a *Adapter) Recheck(ctx context.Context, ids ...string) error {
	return a.rpc(ctx, backend.ActionRecheck, "torrent-verify", idArgs(ids))
}

func (a *Adapter) Reannounce(ctx context.Context, ids ...string) error {
	return a.rpc(ctx, backend.ActionReannounce, "torrent-reannounce", idArgs(ids))
}

func (a *Adapter) Delete(ctx context.Context, withData bool, ids ...string) error {
	args := idArgs(ids)
	args["delete-local-data"] = withData
	return a.rpc(ctx, backend.ActionDelete, "torrent-remove", args)
}

// ForceStart bypasses the queue with torrent-start-now. Disabling it restarts the
// torrent through the regular queue.
func (a *Adapter) ForceStart(ctx context.Context, enable bool, ids ...string) error {
	if enable {
		return a.rpc(ctx, backend.ActionForceStart, "torrent-start-now", idArgs(ids))
	}
	return a.rpc(ctx, backend.ActionForceStartOff, "torrent-start", idArgs(ids))
}

func (a *Adapter) SetCategory(ctx context.Context, ids []string, category string) error {
	args := idArgs(ids)
	args["group"] = category
	return a.rpc(ctx, "setCategory", "torrent-set", args)
}

func (a *Adapter) SetTags(ctx context.Context, ids []string, tags []string) error {
	args := idArgs(ids)
	normalized, _ := backend.NormalizeTags(tags)
	args["labels"] = toAny(normalized)
	return a.rpc(ctx, "setTags", "torrent-set", args)
}

func (a *Adapter) AddTags(ctx context.Context, ids []string, tags []string) error {
	return a.editLabels(ctx, "addTags", ids, func(current []string) []string {
		next, _ := backend.NormalizeTags(append(slices.Clone(current), tags...))
		return next
	})
}

func (a *Adapter) RemoveTags(ctx context.Context, ids []string, tags []string) error {
	return a.editLabels(ctx, "removeTags", ids, func(current []string) []string {
		return slices.DeleteFunc(slices.Clone(current), func(tag string) bool {
			return slices.Contains(tags, tag)
		})
	})
}

// editLabels is a read-then-write: torrent-set replaces the whole label list, so
// the current labels are read first. Torrents ending with the same set share one call.
func (a *Adapter) editLabels(ctx context.Context, op string, ids []string, edit func([]string) []string) error {
	return a.writes.Do(ctx, op, func(ctx context.Context) error {
		current, err := a.currentLabels(ctx, ids)
		if err != nil {
			return errors.Wrap(err, "read labels")
		}

		groups := make(map[string][]string)
		sets := make(map[string][]string)
		for _, id := range ids {
			next := edit(current[id])
			key := strings.Join(next, "\x00")
			groups[key] = append(groups[key], id)
			sets[key] = next
		}

		for _, key := range slices.Sorted(maps.Keys(groups)) {
			args := idArgs(groups[key])
			args["labels"] = toAny(sets[key])
			if _, err := a.call(ctx, "torrent-set", args); err != nil {
				return errors.Wrap(err, "write labels")
			}
		}
		return nil
	})
}

// currentLabels falls back to the cached tags for torrents whose response omits
// the labels field.
func (a *Adapter) currentLabels(ctx context.Context, ids []string) (map[string][]string, error) {
	args := idArgs(ids)
	args["fields"] = []any{"hashString", "labels"}
	resp, err := a.call(ctx, "torrent-get", args)
	if err != nil {
		return nil, err
	}
	list, err := torrentList("torrent-get", resp)
	if err != nil {
		return nil, err
	}

	snap := a.cache.Snapshot()
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		if cached, ok := snap.Torrent(id); ok {
			out[id] = cached.Tags
		}
	}
	for _, item := range list {
		hash := str(item["hashString"])
		if hash == "" || !backend.HasKey(item, "labels") {
			continue
		}
		if tags, ok := backend.NormalizeTags(item["labels"]); ok {
			out[hash] = tags
		}
	}
	return out, nil
}

func (a *Adapter) GetTransferSettings(ctx context.Context) (*backend.TransferSettings, error) {
	session, err := a.call(ctx, "session-get", map[string]any{"fields": sessionFields})
	if err != nil {
		return nil, err
	}
	settings := readTransferSettings(session)
	return &settings, nil
}

// kib rounds bytes/s up to the KB/s granularity of the RPC.
func kib(v int64) int64 {
	return (max(0, v) + 1023) / 1024
}

func (a *Adapter) SetTransferSettings(ctx context.Context, patch backend.TransferSettingsPatch) error {
	if patch.Empty() {
		return nil
	}

	args := make(map[string]any)
	if patch.DownloadLimit != nil {
		args["speed-limit-down"] = kib(*patch.DownloadLimit)
		args["speed-limit-down-enabled"] = *patch.DownloadLimit > 0
	}
	if patch.UploadLimit != nil {
		args["speed-limit-up"] = kib(*patch.UploadLimit)
		args["speed-limit-up-enabled"] = *patch.UploadLimit > 0
	}
	if patch.AltDownloadLimit != nil {
		args["alt-speed-down"] = kib(*patch.AltDownloadLimit)
	}
	if patch.AltUploadLimit != nil {
		args["alt-speed-up"] = kib(*patch.AltUploadLimit)
	}
	if patch.AltEnabled != nil {
		args["alt-speed-enabled"] = *patch.AltEnabled
	}
	return a.rpc(ctx, "setTransferSettings", "session-set", args)
}
