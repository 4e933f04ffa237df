// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
)

type HealthHandler struct {
	version string
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health reports liveness only; backend reachability is in /api/status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}
