// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/tmsync/internal/backend"
)

var torrentKeys = map[string]string{
	"name":           backend.FieldName,
	"size":           backend.FieldSize,
	"progress":       backend.FieldProgress,
	"dlspeed":        backend.FieldDLSpeed,
	"upspeed":        backend.FieldUPSpeed,
	"ratio":          backend.FieldRatio,
	"eta":            backend.FieldETA,
	"num_complete":   backend.FieldTotalSeeds,
	"num_incomplete": backend.FieldTotalPeers,
	"num_seeds":      backend.FieldConnectedSeeds,
	"num_leechs":     backend.FieldConnectedPeers,
	"category":       backend.FieldCategory,
	"tags":           backend.FieldTags,
	"added_on":       backend.FieldAddedTime,
	"save_path":      backend.FieldSavePath,
	"downloaded":     backend.FieldDownloaded,
	"uploaded":       backend.FieldUploaded,
	"dl_limit":       backend.FieldDLLimit,
	"up_limit":       backend.FieldUPLimit,
	"force_start":    backend.FieldForceStart,
	"tracker":        backend.FieldTracker,
	"completion_on":  backend.FieldCompletionTime,
}

var serverStateKeys = map[string]string{
	"dl_info_speed":        backend.ServerDLInfoSpeed,
	"up_info_speed":        backend.ServerUPInfoSpeed,
	"dl_info_data":         backend.ServerDLInfoData,
	"up_info_data":         backend.ServerUPInfoData,
	"dl_rate_limit":        backend.ServerDLRateLimit,
	"up_rate_limit":        backend.ServerUPRateLimit,
	"use_alt_speed_limits": backend.ServerUseAltSpeedLimits,
	"connection_status":    backend.ServerConnectionStatus,
	"free_space_on_disk":   backend.ServerFreeSpaceOnDisk,
	"dht_nodes":            backend.ServerDHTNodes,
	"alltime_dl":           backend.ServerAllTimeDL,
	"alltime_ul":           backend.ServerAllTimeUL,
}

// mapState folds the qBittorrent state vocabulary onto the unified states.
func mapState(raw string) (backend.State, bool) {
	if raw == "forcedMetaDL" {
		return backend.StateDownloading, true
	}

	switch qbt.TorrentState(raw) {
	case qbt.TorrentStateDownloading, qbt.TorrentStateForcedDl, qbt.TorrentStateMetaDl,
		qbt.TorrentStateStalledDl, qbt.TorrentStateAllocating:
		return backend.StateDownloading, true
	case qbt.TorrentStateUploading, qbt.TorrentStateForcedUp, qbt.TorrentStateStalledUp:
		return backend.StateSeeding, true
	case qbt.TorrentStatePausedDl, qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp:
		return backend.StatePaused, true
	case qbt.TorrentStateQueuedDl, qbt.TorrentStateQueuedUp:
		return backend.StateQueued, true
	case qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData, qbt.TorrentStateMoving:
		return backend.StateChecking, true
	case qbt.TorrentStateError, qbt.TorrentStateMissingFiles, qbt.TorrentStateUnknown:
		return backend.StateError, true
	default:
		return "", false
	}
}

// translateTorrent renames the keys present in raw; absent keys stay absent.
func translateTorrent(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if key == "state" {
			if s, ok := value.(string); ok {
				if mapped, ok := mapState(s); ok {
					value = string(mapped)
				}
			}
			out[backend.FieldState] = value
			continue
		}
		if unified, ok := torrentKeys[key]; ok {
			out[unified] = value
		}
	}
	return out
}

func translateServerState(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if unified, ok := serverStateKeys[key]; ok {
			out[unified] = value
		}
	}
	return out
}

func translateCategory(raw any) any {
	entry, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	out := make(map[string]any, 1)
	if backend.HasKey(entry, "savePath") {
		out[backend.CategorySavePath] = entry["savePath"]
	} else if backend.HasKey(entry, "save_path") {
		out[backend.CategorySavePath] = entry["save_path"]
	}
	return out
}

// foldMaindata converts a maindata response into a unified payload. Incremental
// category and tag changes are folded into complete sets against prev so the
// MergeEngine can treat them as authoritative. Sections with the wrong container
// type are passed through untouched for the engine to reject.
func foldMaindata(raw map[string]any, prev *backend.Snapshot, forceFull bool) (map[string]any, backend.Mode) {
	full := forceFull || backend.SafeBool(raw["full_update"])
	mode := backend.ModeDiff
	if full {
		mode = backend.ModeSnapshot
	}

	out := make(map[string]any)

	if v, ok := raw["torrents"]; ok && v != nil {
		if torrents, ok := v.(map[string]any); ok {
			translated := make(map[string]any, len(torrents))
			for hash, entry := range torrents {
				if m, ok := entry.(map[string]any); ok {
					translated[hash] = translateTorrent(m)
				} else {
					translated[hash] = entry
				}
			}
			out[backend.SectionTorrents] = translated
		} else {
			out[backend.SectionTorrents] = v
		}
	}

	if v, ok := raw["torrents_removed"]; ok && v != nil {
		out[backend.SectionTorrentsRemoved] = v
	}

	if cats, ok := foldCategories(raw, prev, full); ok {
		out[backend.SectionCategories] = cats
	}
	if tags, ok := foldTags(raw, prev, full); ok {
		out[backend.SectionTags] = tags
	}

	if v, ok := raw["server_state"]; ok && v != nil {
		if state, ok := v.(map[string]any); ok {
			out[backend.SectionServerState] = translateServerState(state)
		} else {
			out[backend.SectionServerState] = v
		}
	}

	return out, mode
}

func foldCategories(raw map[string]any, prev *backend.Snapshot, full bool) (any, bool) {
	changedRaw, hasChanged := raw["categories"]
	removedRaw, hasRemoved := raw["categories_removed"]
	if (!hasChanged || changedRaw == nil) && (!hasRemoved || removedRaw == nil) {
		return nil, false
	}

	changed, ok := changedRaw.(map[string]any)
	if changedRaw != nil && !ok {
		return changedRaw, true
	}

	next := make(map[string]any)
	if !full && prev != nil {
		for name := range prev.Categories {
			// an empty entry keeps the cached save path
			next[name] = map[string]any{}
		}
	}
	for name, entry := range changed {
		next[name] = translateCategory(entry)
	}
	if removed, ok := removedRaw.([]any); ok {
		for _, name := range removed {
			if s, ok := name.(string); ok {
				delete(next, s)
			}
		}
	}
	return next, true
}

func foldTags(raw map[string]any, prev *backend.Snapshot, full bool) (any, bool) {
	addedRaw, hasAdded := raw["tags"]
	removedRaw, hasRemoved := raw["tags_removed"]
	if (!hasAdded || addedRaw == nil) && (!hasRemoved || removedRaw == nil) {
		return nil, false
	}

	added, ok := addedRaw.([]any)
	if addedRaw != nil && !ok {
		return addedRaw, true
	}

	set := make(map[string]struct{})
	if !full && prev != nil {
		for _, tag := range prev.Tags {
			set[tag] = struct{}{}
		}
	}
	for _, tag := range added {
		if s, ok := tag.(string); ok {
			set[s] = struct{}{}
		}
	}
	if removed, ok := removedRaw.([]any); ok {
		for _, tag := range removed {
			if s, ok := tag.(string); ok {
				delete(set, s)
			}
		}
	}

	out := make([]any, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	return out, true
}
