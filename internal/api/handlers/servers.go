// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type ServersHandler struct {
	sessions Sessions
}

func NewServersHandler(sessions Sessions) *ServersHandler {
	return &ServersHandler{sessions: sessions}
}

// List returns the server catalog with the active entry flagged and a dial
// latency for every reachable host.
func (h *ServersHandler) List(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.sessions.MeasureServers(r.Context()))
}

type SelectServerRequest struct {
	ID string `json:"id"`
}

// Select switches the active backend.
func (h *ServersHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req SelectServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		RespondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.sessions.Switch(id); err != nil {
		respondBackendError(w, err, "servers:select")
		return
	}

	log.Info().Str("server", id).Msg("Server selected via API")
	h.Status(w, r)
}

// Status reports the active backend and its poller.
func (h *ServersHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Status()
	if err != nil {
		respondBackendError(w, err, "status")
		return
	}
	RespondJSON(w, http.StatusOK, status)
}

type VisibilityRequest struct {
	Visible *bool `json:"visible"`
}

// Visibility pauses polling while the presentation layer is hidden.
func (h *ServersHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Visible == nil {
		RespondError(w, http.StatusBadRequest, "visible is required")
		return
	}

	h.sessions.SetVisible(*req.Visible)
	w.WriteHeader(http.StatusNoContent)
}
