// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"strings"

	"github.com/autobrr/tmsync/internal/backend"
)

var trackerStatuses = map[int64]string{
	0: "disabled",
	1: "not_contacted",
	2: "working",
	3: "updating",
	4: "not_working",
}

func decodeJSON(endpoint string, body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &backend.ValidationError{Section: endpoint, Reason: "malformed json: " + err.Error()}
	}
	return v, nil
}

func decodeObject(endpoint string, body []byte) (map[string]any, error) {
	v, err := decodeJSON(endpoint, body)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &backend.ValidationError{Section: endpoint, Reason: "expected object"}
	}
	return m, nil
}

func decodeArray(endpoint string, body []byte) ([]map[string]any, error) {
	v, err := decodeJSON(endpoint, body)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &backend.ValidationError{Section: endpoint, Reason: "expected array"}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *Adapter) detailSources(hash string) backend.DetailSources {
	byHash := url.Values{"hash": {hash}}

	return backend.DetailSources{
		Primary: func(ctx context.Context) (map[string]any, error) {
			const endpoint = "api/v2/torrents/info"
			body, err := a.t.Get(ctx, endpoint, url.Values{"hashes": {hash}})
			if err != nil {
				return nil, err
			}
			list, err := decodeArray(endpoint, body)
			if err != nil {
				return nil, err
			}
			for _, item := range list {
				if h, _ := backend.SafeString(item["hash"]); strings.EqualFold(h, hash) || len(list) == 1 {
					return translateTorrent(item), nil
				}
			}
			return nil, &backend.NotFoundError{ID: hash}
		},
		Properties: func(ctx context.Context) (*backend.TorrentProperties, error) {
			const endpoint = "api/v2/torrents/properties"
			body, err := a.t.Get(ctx, endpoint, byHash)
			if err != nil {
				return nil, err
			}
			p, err := decodeObject(endpoint, body)
			if err != nil {
				return nil, err
			}
			return parseProperties(p), nil
		},
		Files: func(ctx context.Context) ([]backend.TorrentFile, error) {
			const endpoint = "api/v2/torrents/files"
			body, err := a.t.Get(ctx, endpoint, byHash)
			if err != nil {
				return nil, err
			}
			list, err := decodeArray(endpoint, body)
			if err != nil {
				return nil, err
			}
			return parseFiles(list), nil
		},
		Trackers: func(ctx context.Context) ([]backend.TorrentTracker, error) {
			const endpoint = "api/v2/torrents/trackers"
			body, err := a.t.Get(ctx, endpoint, byHash)
			if err != nil {
				return nil, err
			}
			list, err := decodeArray(endpoint, body)
			if err != nil {
				return nil, err
			}
			return parseTrackers(list), nil
		},
		Peers: func(ctx context.Context) ([]backend.TorrentPeer, error) {
			const endpoint = "api/v2/sync/torrentPeers"
			body, err := a.t.Get(ctx, endpoint, url.Values{"hash": {hash}, "rid": {"0"}})
			if err != nil {
				return nil, err
			}
			p, err := decodeObject(endpoint, body)
			if err != nil {
				return nil, err
			}
			return parsePeers(p), nil
		},
	}
}

func str(raw any) string {
	s, _ := backend.SafeString(raw)
	return s
}

func parseProperties(p map[string]any) *backend.TorrentProperties {
	return &backend.TorrentProperties{
		SavePath:        str(p["save_path"]),
		Comment:         str(p["comment"]),
		CreatedBy:       str(p["created_by"]),
		CreationDate:    max(0, backend.SafeInt(p["creation_date"], 0)),
		PieceSize:       max(0, backend.SafeInt(p["piece_size"], 0)),
		PiecesNum:       max(0, backend.SafeInt(p["pieces_num"], 0)),
		PiecesHave:      max(0, backend.SafeInt(p["pieces_have"], 0)),
		TotalWasted:     max(0, backend.SafeInt(p["total_wasted"], 0)),
		TotalDownloaded: max(0, backend.SafeInt(p["total_downloaded"], 0)),
		TotalUploaded:   max(0, backend.SafeInt(p["total_uploaded"], 0)),
		TimeElapsed:     max(0, backend.SafeInt(p["time_elapsed"], 0)),
		SeedingTime:     max(0, backend.SafeInt(p["seeding_time"], 0)),
		ShareRatio:      max(0, backend.SafeNum(p["share_ratio"], 0)),
		Connections:     max(0, backend.SafeInt(p["nb_connections"], 0)),
		NextAnnounce:    max(0, backend.SafeInt(p["reannounce"], 0)),
	}
}

func parseFiles(list []map[string]any) []backend.TorrentFile {
	files := make([]backend.TorrentFile, 0, len(list))
	for i, f := range list {
		index := int(backend.SafeInt(f["index"], int64(i)))
		priority := int(backend.SafeInt(f["priority"], 1))
		files = append(files, backend.TorrentFile{
			Index:    index,
			Name:     str(f["name"]),
			Size:     max(0, backend.SafeInt(f["size"], 0)),
			Progress: backend.ClampProgress(backend.SafeNum(f["progress"], 0)),
			Priority: priority,
			Wanted:   priority != 0,
		})
	}
	return files
}

func parseTrackers(list []map[string]any) []backend.TorrentTracker {
	trackers := make([]backend.TorrentTracker, 0, len(list))
	for _, t := range list {
		status, ok := trackerStatuses[backend.SafeInt(t["status"], -1)]
		if !ok {
			status = "unknown"
		}
		trackers = append(trackers, backend.TorrentTracker{
			URL:      str(t["url"]),
			Tier:     int(backend.SafeInt(t["tier"], 0)),
			Status:   status,
			Message:  str(t["msg"]),
			Seeds:    backend.ResolveSwarmCount(t["num_seeds"]),
			Leechers: backend.ResolveSwarmCount(t["num_leeches"]),
			Peers:    backend.ResolveSwarmCount(t["num_peers"]),
		})
	}
	return trackers
}

func parsePeers(p map[string]any) []backend.TorrentPeer {
	raw, _ := p["peers"].(map[string]any)
	peers := make([]backend.TorrentPeer, 0, len(raw))
	for addr, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		peers = append(peers, backend.TorrentPeer{
			Address:  addr,
			Client:   str(m["client"]),
			Progress: backend.ClampProgress(backend.SafeNum(m["progress"], 0)),
			DLSpeed:  max(0, backend.SafeInt(m["dl_speed"], 0)),
			UPSpeed:  max(0, backend.SafeInt(m["up_speed"], 0)),
			Flags:    str(m["flags"]),
			Country:  str(m["country_code"]),
		})
	}
	slices.SortFunc(peers, func(a, b backend.TorrentPeer) int {
		return strings.Compare(a.Address, b.Address)
	})
	return peers
}
