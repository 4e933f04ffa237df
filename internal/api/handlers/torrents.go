// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/backend"
)

type TorrentsHandler struct {
	sessions Sessions
}

func NewTorrentsHandler(sessions Sessions) *TorrentsHandler {
	return &TorrentsHandler{sessions: sessions}
}

// TorrentsResponse is the list view of one snapshot, optionally filtered.
type TorrentsResponse struct {
	Torrents    []backend.UnifiedTorrent    `json:"torrents"`
	Total       int                         `json:"total"`
	Categories  map[string]backend.Category `json:"categories"`
	Tags        []string                    `json:"tags"`
	ServerState backend.ServerState         `json:"serverState"`
	Revision    uint64                      `json:"revision"`
}

type listFilter struct {
	state    backend.State
	category *string
	tag      string
	search   string
}

func (f listFilter) match(t *backend.UnifiedTorrent) bool {
	if f.state != "" && t.State != f.state {
		return false
	}
	if f.category != nil && t.Category != *f.category {
		return false
	}
	if f.tag != "" && !t.HasTag(f.tag) {
		return false
	}
	if f.search != "" && !strings.Contains(strings.ToLower(t.Name), f.search) {
		return false
	}
	return true
}

// List serves the cached snapshot. The body hash doubles as the ETag so pollers
// can send If-None-Match and receive 304 while nothing changed.
func (h *TorrentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter listFilter
	if raw := q.Get("state"); raw != "" {
		state, ok := backend.ParseState(raw)
		if !ok {
			RespondError(w, http.StatusBadRequest, "Invalid state filter")
			return
		}
		filter.state = state
	}
	if q.Has("category") {
		category := q.Get("category")
		filter.category = &category
	}
	filter.tag = q.Get("tag")
	filter.search = strings.ToLower(strings.TrimSpace(q.Get("search")))

	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	snap, err := h.sessions.Snapshot()
	if err != nil {
		respondBackendError(w, err, "torrents:list")
		return
	}
	// revision 0 means nothing has been applied yet, e.g. polling started paused
	if snap == nil || snap.Revision == 0 || refresh {
		snap, err = h.sessions.Refresh(r.Context())
		if err != nil {
			respondBackendError(w, err, "torrents:list")
			return
		}
	}

	resp := TorrentsResponse{
		Torrents:    make([]backend.UnifiedTorrent, 0, len(snap.Torrents)),
		Categories:  snap.Categories,
		Tags:        snap.Tags,
		ServerState: snap.ServerState,
		Revision:    snap.Revision,
	}
	for i := range snap.Torrents {
		if filter.match(&snap.Torrents[i]) {
			resp.Torrents = append(resp.Torrents, snap.Torrents[i])
		}
	}
	resp.Total = len(resp.Torrents)

	body, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode torrent list")
		RespondError(w, http.StatusInternalServerError, "Failed to encode torrent list")
		return
	}

	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write torrent list")
	}
}

// Detail composes the torrent's detail view from every available source.
func (h *TorrentsHandler) Detail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		RespondError(w, http.StatusBadRequest, "id is required")
		return
	}

	adapter, err := h.sessions.Adapter()
	if err != nil {
		respondBackendError(w, err, "torrents:detail")
		return
	}

	detail, err := adapter.FetchDetail(r.Context(), id)
	if err != nil {
		respondBackendError(w, err, "torrents:detail")
		return
	}

	RespondJSON(w, http.StatusOK, detail)
}

type BulkActionRequest struct {
	Hashes []string `json:"hashes"`
	Action string   `json:"action"`
}

func (h *TorrentsHandler) BulkAction(w http.ResponseWriter, r *http.Request) {
	var req BulkActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Hashes) == 0 {
		RespondError(w, http.StatusBadRequest, "No torrents selected")
		return
	}

	adapter, err := h.sessions.Adapter()
	if err != nil {
		respondBackendError(w, err, "torrents:action")
		return
	}

	if err := backend.RunAction(r.Context(), adapter, req.Action, req.Hashes); err != nil {
		respondBackendError(w, err, "torrents:"+req.Action)
		return
	}

	log.Debug().Str("action", req.Action).Int("count", len(req.Hashes)).Msg("Bulk action completed")
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Bulk action completed successfully"})
}

// Tag edit modes.
const (
	TagModeSet    = "set"
	TagModeAdd    = "add"
	TagModeRemove = "remove"
)

type TagsRequest struct {
	Hashes []string `json:"hashes"`
	Tags   []string `json:"tags"`
	Mode   string   `json:"mode"`
}

func (h *TorrentsHandler) SetTags(w http.ResponseWriter, r *http.Request) {
	var req TagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Hashes) == 0 {
		RespondError(w, http.StatusBadRequest, "No torrents selected")
		return
	}

	tags := make([]string, 0, len(req.Tags))
	for _, tag := range req.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	adapter, err := h.sessions.Adapter()
	if err != nil {
		respondBackendError(w, err, "torrents:tags")
		return
	}

	switch req.Mode {
	case "", TagModeSet:
		err = adapter.SetTags(r.Context(), req.Hashes, tags)
	case TagModeAdd:
		err = adapter.AddTags(r.Context(), req.Hashes, tags)
	case TagModeRemove:
		err = adapter.RemoveTags(r.Context(), req.Hashes, tags)
	default:
		RespondError(w, http.StatusBadRequest, "Invalid tag mode")
		return
	}
	if err != nil {
		respondBackendError(w, err, "torrents:tags")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type CategoryRequest struct {
	Hashes   []string `json:"hashes"`
	Category string   `json:"category"`
}

func (h *TorrentsHandler) SetCategory(w http.ResponseWriter, r *http.Request) {
	var req CategoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Hashes) == 0 {
		RespondError(w, http.StatusBadRequest, "No torrents selected")
		return
	}

	adapter, err := h.sessions.Adapter()
	if err != nil {
		respondBackendError(w, err, "torrents:category")
		return
	}

	if err := adapter.SetCategory(r.Context(), req.Hashes, strings.TrimSpace(req.Category)); err != nil {
		respondBackendError(w, err, "torrents:category")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
