// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"github.com/autobrr/tmsync/internal/backend"
)

// listFields are requested on every list refresh.
var listFields = []any{
	"id", "hashString", "name", "totalSize", "percentDone", "status", "error",
	"rateDownload", "rateUpload", "uploadRatio", "eta", "peersSendingToUs", "peersGettingFromUs",
	"labels", "group", "addedDate", "doneDate", "downloadDir", "downloadedEver", "uploadedEver",
	"downloadLimit", "downloadLimited", "uploadLimit", "uploadLimited", "trackerStats",
}

var renamed = map[string]string{
	"name":               backend.FieldName,
	"totalSize":          backend.FieldSize,
	"percentDone":        backend.FieldProgress,
	"rateDownload":       backend.FieldDLSpeed,
	"rateUpload":         backend.FieldUPSpeed,
	"uploadRatio":        backend.FieldRatio,
	"eta":                backend.FieldETA,
	"peersSendingToUs":   backend.FieldConnectedSeeds,
	"peersGettingFromUs": backend.FieldConnectedPeers,
	"labels":             backend.FieldTags,
	"group":              backend.FieldCategory,
	"addedDate":          backend.FieldAddedTime,
	"doneDate":           backend.FieldCompletionTime,
	"downloadDir":        backend.FieldSavePath,
	"downloadedEver":     backend.FieldDownloaded,
	"uploadedEver":       backend.FieldUploaded,
}

// Transmission tr_torrent_activity values.
const (
	statusStopped = iota
	statusCheckWait
	statusCheck
	statusDownloadWait
	statusDownload
	statusSeedWait
	statusSeed
)

// Transmission tr_stat_errtype values. Tracker warnings leave the state alone.
const (
	errTrackerWarning = 1
	errTrackerError   = 2
	errLocalError     = 3
)

func mapStatus(raw any) (backend.State, bool) {
	code := backend.SafeInt(raw, -1)
	switch code {
	case statusStopped:
		return backend.StatePaused, true
	case statusCheckWait, statusCheck:
		return backend.StateChecking, true
	case statusDownloadWait, statusSeedWait:
		return backend.StateQueued, true
	case statusDownload:
		return backend.StateDownloading, true
	case statusSeed:
		return backend.StateSeeding, true
	default:
		return "", false
	}
}

// translateTorrent renames the fields present in raw to unified keys. Fields
// absent from raw stay absent so the merge preserves the cached values.
func translateTorrent(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		if unified, ok := renamed[key]; ok {
			out[unified] = value
		}
	}

	if backend.HasKey(raw, "status") {
		if state, ok := mapStatus(raw["status"]); ok {
			out[backend.FieldState] = string(state)
		} else {
			out[backend.FieldState] = raw["status"]
		}
	}
	if backend.HasKey(raw, "error") {
		switch backend.SafeInt(raw["error"], 0) {
		case errTrackerError, errLocalError:
			out[backend.FieldState] = string(backend.StateError)
		}
	}

	if v, ok := limitBytes(raw, "downloadLimit", "downloadLimited"); ok {
		out[backend.FieldDLLimit] = v
	}
	if v, ok := limitBytes(raw, "uploadLimit", "uploadLimited"); ok {
		out[backend.FieldUPLimit] = v
	}

	if stats, ok := raw["trackerStats"].([]any); ok {
		out[backend.FieldTotalSeeds] = swarmTotal(stats, "seederCount")
		out[backend.FieldTotalPeers] = swarmTotal(stats, "leecherCount")
		if tracker := firstAnnounce(stats); tracker != "" {
			out[backend.FieldTracker] = tracker
		}
	}
	return out
}

// limitBytes converts a KB/s limit into bytes/s, 0 when the limit is disabled.
func limitBytes(raw map[string]any, limitKey, enabledKey string) (int64, bool) {
	if !backend.HasKey(raw, limitKey) || !backend.HasKey(raw, enabledKey) {
		return 0, false
	}
	if !backend.SafeBool(raw[enabledKey]) {
		return 0, true
	}
	return max(0, backend.SafeInt(raw[limitKey], 0)) * 1024, true
}

// swarmTotal is the best scrape count across trackers, -1 when no tracker knows.
func swarmTotal(stats []any, key string) int64 {
	best := int64(-1)
	for _, s := range stats {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if v := backend.SafeInt(m[key], -1); v > best {
			best = v
		}
	}
	return best
}

func firstAnnounce(stats []any) string {
	for _, s := range stats {
		if m, ok := s.(map[string]any); ok {
			if announce, ok := backend.SafeString(m["announce"]); ok && announce != "" {
				return announce
			}
		}
	}
	return ""
}

// translateServerState builds a server_state patch from session-stats and
// session-get. Either may be nil when its call failed.
func translateServerState(stats, session map[string]any) map[string]any {
	out := make(map[string]any)
	if stats != nil {
		if backend.HasKey(stats, "downloadSpeed") {
			out[backend.ServerDLInfoSpeed] = stats["downloadSpeed"]
		}
		if backend.HasKey(stats, "uploadSpeed") {
			out[backend.ServerUPInfoSpeed] = stats["uploadSpeed"]
		}
		if current, ok := stats["current-stats"].(map[string]any); ok {
			if backend.HasKey(current, "downloadedBytes") {
				out[backend.ServerDLInfoData] = current["downloadedBytes"]
			}
			if backend.HasKey(current, "uploadedBytes") {
				out[backend.ServerUPInfoData] = current["uploadedBytes"]
			}
		}
		if cumulative, ok := stats["cumulative-stats"].(map[string]any); ok {
			if backend.HasKey(cumulative, "downloadedBytes") {
				out[backend.ServerAllTimeDL] = cumulative["downloadedBytes"]
			}
			if backend.HasKey(cumulative, "uploadedBytes") {
				out[backend.ServerAllTimeUL] = cumulative["uploadedBytes"]
			}
		}
		out[backend.ServerConnectionStatus] = "connected"
	}
	if session != nil {
		settings := readTransferSettings(session)
		alt := backend.SafeBool(session["alt-speed-enabled"])
		out[backend.ServerUseAltSpeedLimits] = alt
		if alt {
			out[backend.ServerDLRateLimit] = settings.AltDownloadLimit
			out[backend.ServerUPRateLimit] = settings.AltUploadLimit
		} else {
			out[backend.ServerDLRateLimit] = settings.DownloadLimit
			out[backend.ServerUPRateLimit] = settings.UploadLimit
		}
		if backend.HasKey(session, "download-dir-free-space") {
			out[backend.ServerFreeSpaceOnDisk] = session["download-dir-free-space"]
		}
	}
	return out
}

// readTransferSettings maps session-get (KB/s) onto byte-based settings.
func readTransferSettings(session map[string]any) backend.TransferSettings {
	kib := func(limitKey, enabledKey string) int64 {
		if enabledKey != "" && !backend.SafeBool(session[enabledKey]) {
			return 0
		}
		return max(0, backend.SafeInt(session[limitKey], 0)) * 1024
	}
	return backend.TransferSettings{
		DownloadLimit:    kib("speed-limit-down", "speed-limit-down-enabled"),
		UploadLimit:      kib("speed-limit-up", "speed-limit-up-enabled"),
		AltDownloadLimit: kib("alt-speed-down", ""),
		AltUploadLimit:   kib("alt-speed-up", ""),
		AltEnabled:       backend.SafeBool(session["alt-speed-enabled"]),
	}
}
