// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/autobrr/tmsync/internal/backend"
)

var propertyFields = []any{
	"comment", "creator", "dateCreated", "pieceSize", "pieceCount", "haveValid", "corruptEver",
	"downloadedEver", "uploadedEver", "secondsDownloading", "secondsSeeding", "uploadRatio",
	"peersConnected", "downloadDir", "trackerStats",
}

// getOne reads fields for a single torrent by hash.
func (a *Adapter) getOne(ctx context.Context, hash string, fields []any) (map[string]any, error) {
	args := idArgs([]string{hash})
	args["fields"] = fields
	resp, err := a.call(ctx, "torrent-get", args)
	if err != nil {
		return nil, err
	}
	list, err := torrentList("torrent-get", resp)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &backend.NotFoundError{ID: hash}
	}
	return list[0], nil
}

func (a *Adapter) detailSources(hash string) backend.DetailSources {
	return backend.DetailSources{
		Primary: func(ctx context.Context) (map[string]any, error) {
			raw, err := a.getOne(ctx, hash, listFields)
			if err != nil {
				return nil, err
			}
			return translateTorrent(raw), nil
		},
		Properties: func(ctx context.Context) (*backend.TorrentProperties, error) {
			raw, err := a.getOne(ctx, hash, propertyFields)
			if err != nil {
				return nil, err
			}
			return parseProperties(raw), nil
		},
		Files: func(ctx context.Context) ([]backend.TorrentFile, error) {
			raw, err := a.getOne(ctx, hash, []any{"files", "fileStats"})
			if err != nil {
				return nil, err
			}
			return parseFiles(raw), nil
		},
		Trackers: func(ctx context.Context) ([]backend.TorrentTracker, error) {
			raw, err := a.getOne(ctx, hash, []any{"trackerStats"})
			if err != nil {
				return nil, err
			}
			return parseTrackers(raw), nil
		},
		Peers: func(ctx context.Context) ([]backend.TorrentPeer, error) {
			raw, err := a.getOne(ctx, hash, []any{"peers"})
			if err != nil {
				return nil, err
			}
			return parsePeers(raw), nil
		},
	}
}

func str(raw any) string {
	s, _ := backend.SafeString(raw)
	return s
}

func objects(raw any) []map[string]any {
	list, _ := raw.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func parseProperties(p map[string]any) *backend.TorrentProperties {
	pieceSize := max(0, backend.SafeInt(p["pieceSize"], 0))
	var piecesHave int64
	if pieceSize > 0 {
		piecesHave = max(0, backend.SafeInt(p["haveValid"], 0)) / pieceSize
	}

	var nextAnnounce int64
	for _, t := range objects(p["trackerStats"]) {
		next := backend.SafeInt(t["nextAnnounceTime"], 0)
		if next > 0 && (nextAnnounce == 0 || next < nextAnnounce) {
			nextAnnounce = next
		}
	}

	downloading := max(0, backend.SafeInt(p["secondsDownloading"], 0))
	seeding := max(0, backend.SafeInt(p["secondsSeeding"], 0))

	return &backend.TorrentProperties{
		SavePath:        str(p["downloadDir"]),
		Comment:         str(p["comment"]),
		CreatedBy:       str(p["creator"]),
		CreationDate:    max(0, backend.SafeInt(p["dateCreated"], 0)),
		PieceSize:       pieceSize,
		PiecesNum:       max(0, backend.SafeInt(p["pieceCount"], 0)),
		PiecesHave:      piecesHave,
		TotalWasted:     max(0, backend.SafeInt(p["corruptEver"], 0)),
		TotalDownloaded: max(0, backend.SafeInt(p["downloadedEver"], 0)),
		TotalUploaded:   max(0, backend.SafeInt(p["uploadedEver"], 0)),
		TimeElapsed:     downloading + seeding,
		SeedingTime:     seeding,
		ShareRatio:      max(0, backend.SafeNum(p["uploadRatio"], 0)),
		Connections:     max(0, backend.SafeInt(p["peersConnected"], 0)),
		NextAnnounce:    nextAnnounce,
	}
}

// filePriority maps Transmission's low/normal/high onto the 0/1/6 scale used by
// the unified file list, where 0 means skipped.
func filePriority(wanted bool, priority int64) int {
	switch {
	case !wanted:
		return 0
	case priority > 0:
		return 6
	default:
		return 1
	}
}

func parseFiles(p map[string]any) []backend.TorrentFile {
	files := objects(p["files"])
	stats := objects(p["fileStats"])

	out := make([]backend.TorrentFile, 0, len(files))
	for i, f := range files {
		size := max(0, backend.SafeInt(f["length"], 0))
		done := max(0, backend.SafeInt(f["bytesCompleted"], 0))

		var progress float64
		if size > 0 {
			progress = backend.ClampProgress(float64(done) / float64(size))
		}

		wanted := true
		var priority int64
		if i < len(stats) {
			if backend.HasKey(stats[i], "wanted") {
				wanted = backend.SafeBool(stats[i]["wanted"])
			}
			priority = backend.SafeInt(stats[i]["priority"], 0)
		}

		out = append(out, backend.TorrentFile{
			Index:    i,
			Name:     str(f["name"]),
			Size:     size,
			Progress: progress,
			Priority: filePriority(wanted, priority),
			Wanted:   wanted,
		})
	}
	return out
}

// tr_tracker_state
const announceActive = 3

func trackerStatus(t map[string]any) string {
	switch {
	case backend.SafeInt(t["announceState"], 0) == announceActive:
		return "updating"
	case backend.SafeBool(t["hasAnnounced"]) && backend.SafeBool(t["lastAnnounceSucceeded"]):
		return "working"
	case backend.SafeBool(t["hasAnnounced"]):
		return "not_working"
	default:
		return "not_contacted"
	}
}

func parseTrackers(p map[string]any) []backend.TorrentTracker {
	stats := objects(p["trackerStats"])
	out := make([]backend.TorrentTracker, 0, len(stats))
	for _, t := range stats {
		out = append(out, backend.TorrentTracker{
			URL:      str(t["announce"]),
			Tier:     int(backend.SafeInt(t["tier"], 0)),
			Status:   trackerStatus(t),
			Message:  str(t["lastAnnounceResult"]),
			Seeds:    backend.ResolveSwarmCount(t["seederCount"]),
			Leechers: backend.ResolveSwarmCount(t["leecherCount"]),
			Peers:    backend.ResolveSwarmCount(t["lastAnnouncePeerCount"]),
		})
	}
	return out
}

func parsePeers(p map[string]any) []backend.TorrentPeer {
	raw := objects(p["peers"])
	out := make([]backend.TorrentPeer, 0, len(raw))
	for _, peer := range raw {
		addr := str(peer["address"])
		if port := backend.SafeInt(peer["port"], 0); port > 0 {
			addr = net.JoinHostPort(addr, strconv.FormatInt(port, 10))
		}
		out = append(out, backend.TorrentPeer{
			Address:  addr,
			Client:   str(peer["clientName"]),
			Progress: backend.ClampProgress(backend.SafeNum(peer["progress"], 0)),
			DLSpeed:  max(0, backend.SafeInt(peer["rateToClient"], 0)),
			UPSpeed:  max(0, backend.SafeInt(peer["rateToPeer"], 0)),
			Flags:    str(peer["flagStr"]),
		})
	}
	slices.SortFunc(out, func(a, b backend.TorrentPeer) int {
		return strings.Compare(a.Address, b.Address)
	})
	return out
}
