// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/autobrr/tmsync/internal/backend"
)

func (a *Adapter) post(ctx context.Context, op, endpoint string, form url.Values) error {
	return a.writes.Do(ctx, op, func(ctx context.Context) error {
		_, err := a.t.PostForm(ctx, endpoint, form)
		return err
	})
}

func hashes(ids []string) url.Values {
	return url.Values{"hashes": {backend.JoinIDs(ids)}}
}

func isNotFoundStatus(err error) bool {
	var statusErr *backend.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// stopOrPause prefers the 5.x endpoint name and falls back to the legacy one when
// the server does not know it.
func (a *Adapter) stopOrPause(ctx context.Context, op, modern, legacy string, ids []string) error {
	return a.writes.Do(ctx, op, func(ctx context.Context) error {
		if a.capabilities().supportsStartStop {
			_, err := a.t.PostForm(ctx, "api/v2/torrents/"+modern, hashes(ids))
			if err == nil || !isNotFoundStatus(err) {
				return err
			}
			a.log.Debug().Str("endpoint", modern).Msg("Endpoint missing, falling back to legacy name")
			a.disableStartStop()
		}
		_, err := a.t.PostForm(ctx, "api/v2/torrents/"+legacy, hashes(ids))
		return err
	})
}

func (a *Adapter) Pause(ctx context.Context, ids ...string) error {
	return a.stopOrPause(ctx, backend.ActionPause, "stop", "pause", ids)
}

func (a *Adapter) Resume(ctx context.Context, ids ...string) error {
	return a.stopOrPause(ctx, backend.ActionResume, "start", "resume", ids)
}

func (a *Adapter) Recheck(ctx context.Context, ids ...string) error {
	return a.post(ctx, backend.ActionRecheck, "api/v2/torrents/recheck", hashes(ids))
}

func (a *Adapter) Reannounce(ctx context.Context, ids ...string) error {
	return a.post(ctx, backend.ActionReannounce, "api/v2/torrents/reannounce", hashes(ids))
}

func (a *Adapter) Delete(ctx context.Context, withData bool, ids ...string) error {
	form := hashes(ids)
	form.Set("deleteFiles", strconv.FormatBool(withData))
	return a.post(ctx, backend.ActionDelete, "api/v2/torrents/delete", form)
}

func (a *Adapter) ForceStart(ctx context.Context, enable bool, ids ...string) error {
	form := hashes(ids)
	form.Set("value", strconv.FormatBool(enable))
	return a.post(ctx, backend.ActionForceStart, "api/v2/torrents/setForceStart", form)
}

func tagForm(ids, tags []string) url.Values {
	form := hashes(ids)
	form.Set("tags", strings.Join(tags, ","))
	return form
}

func (a *Adapter) AddTags(ctx context.Context, ids []string, tags []string) error {
	return a.post(ctx, "addTags", "api/v2/torrents/addTags", tagForm(ids, tags))
}

func (a *Adapter) RemoveTags(ctx context.Context, ids []string, tags []string) error {
	return a.post(ctx, "removeTags", "api/v2/torrents/removeTags", tagForm(ids, tags))
}

// SetTags replaces the tag set. Servers older than WebAPI 2.11.4 lack setTags,
// so the current tags are read and the difference applied with remove/add.
func (a *Adapter) SetTags(ctx context.Context, ids []string, tags []string) error {
	if a.capabilities().supportsSetTags {
		return a.post(ctx, "setTags", "api/v2/torrents/setTags", tagForm(ids, tags))
	}

	return a.writes.Do(ctx, "setTags", func(ctx context.Context) error {
		current, err := a.currentTags(ctx, ids)
		if err != nil {
			return err
		}

		removals := make(map[string][]string)
		for _, id := range ids {
			for _, tag := range current[id] {
				if !slices.Contains(tags, tag) {
					removals[tag] = append(removals[tag], id)
				}
			}
		}
		for tag, tagged := range removals {
			if _, err := a.t.PostForm(ctx, "api/v2/torrents/removeTags", tagForm(tagged, []string{tag})); err != nil {
				return errors.Wrap(err, "remove stale tag")
			}
		}
		if len(tags) == 0 {
			return nil
		}
		if _, err := a.t.PostForm(ctx, "api/v2/torrents/addTags", tagForm(ids, tags)); err != nil {
			return errors.Wrap(err, "add tags")
		}
		return nil
	})
}

// currentTags reads tags through the same presence rules as the list sync: a
// torrent whose response omits the tags key falls back to the cached set.
func (a *Adapter) currentTags(ctx context.Context, ids []string) (map[string][]string, error) {
	const endpoint = "api/v2/torrents/info"

	body, err := a.t.Get(ctx, endpoint, url.Values{"hashes": {backend.JoinIDs(ids)}})
	if err != nil {
		return nil, err
	}
	list, err := decodeArray(endpoint, body)
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
		hash := str(item["hash"])
		if hash == "" || !backend.HasKey(item, "tags") {
			continue
		}
		if tags, ok := backend.NormalizeTags(item["tags"]); ok {
			out[hash] = tags
		}
	}
	return out, nil
}

func (a *Adapter) SetCategory(ctx context.Context, ids []string, category string) error {
	form := hashes(ids)
	form.Set("category", category)
	return a.post(ctx, "setCategory", "api/v2/torrents/setCategory", form)
}

// GetTransferSettings composes preferences and the alternative speed mode. A
// failing constituent is replaced by defaults and flagged partial.
func (a *Adapter) GetTransferSettings(ctx context.Context) (*backend.TransferSettings, error) {
	settings := &backend.TransferSettings{}

	prefsErr := a.readPreferences(ctx, settings)
	altEnabled, modeErr := a.altSpeedEnabled(ctx)
	settings.AltEnabled = altEnabled

	for _, err := range []error{prefsErr, modeErr} {
		if backend.IsFatal(err) {
			return nil, err
		}
	}
	if prefsErr != nil && modeErr != nil {
		return nil, prefsErr
	}
	if prefsErr != nil || modeErr != nil {
		settings.Partial = true
		a.log.Debug().AnErr("preferences", prefsErr).AnErr("speedLimitsMode", modeErr).Msg("Transfer settings are partial")
	}
	return settings, nil
}

func (a *Adapter) readPreferences(ctx context.Context, settings *backend.TransferSettings) error {
	const endpoint = "api/v2/app/preferences"
	body, err := a.t.Get(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	prefs, err := decodeObject(endpoint, body)
	if err != nil {
		return err
	}
	settings.DownloadLimit = max(0, backend.SafeInt(prefs["dl_limit"], 0))
	settings.UploadLimit = max(0, backend.SafeInt(prefs["up_limit"], 0))
	settings.AltDownloadLimit = max(0, backend.SafeInt(prefs["alt_dl_limit"], 0))
	settings.AltUploadLimit = max(0, backend.SafeInt(prefs["alt_up_limit"], 0))
	return nil
}

func (a *Adapter) altSpeedEnabled(ctx context.Context) (bool, error) {
	body, err := a.t.Get(ctx, "api/v2/transfer/speedLimitsMode", nil)
	if err != nil {
		return false, err
	}
	return backend.SafeBool(strings.TrimSpace(string(body))), nil
}

func (a *Adapter) SetTransferSettings(ctx context.Context, patch backend.TransferSettingsPatch) error {
	if patch.Empty() {
		return nil
	}

	return a.writes.Do(ctx, "setTransferSettings", func(ctx context.Context) error {
		prefs := make(map[string]int64)
		if patch.DownloadLimit != nil {
			prefs["dl_limit"] = max(0, *patch.DownloadLimit)
		}
		if patch.UploadLimit != nil {
			prefs["up_limit"] = max(0, *patch.UploadLimit)
		}
		if patch.AltDownloadLimit != nil {
			prefs["alt_dl_limit"] = max(0, *patch.AltDownloadLimit)
		}
		if patch.AltUploadLimit != nil {
			prefs["alt_up_limit"] = max(0, *patch.AltUploadLimit)
		}

		if len(prefs) > 0 {
			encoded, err := json.Marshal(prefs)
			if err != nil {
				return errors.Wrap(err, "encode preferences")
			}
			if _, err := a.t.PostForm(ctx, "api/v2/app/setPreferences", url.Values{"json": {string(encoded)}}); err != nil {
				return err
			}
		}

		if patch.AltEnabled != nil {
			current, err := a.altSpeedEnabled(ctx)
			if err != nil {
				return errors.Wrap(err, "read speed limits mode")
			}
			if current != *patch.AltEnabled {
				if _, err := a.t.PostForm(ctx, "api/v2/transfer/toggleSpeedLimitsMode", url.Values{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
