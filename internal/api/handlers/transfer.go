// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/tmsync/internal/backend"
)

type TransferHandler struct {
	sessions Sessions
}

func NewTransferHandler(sessions Sessions) *TransferHandler {
	return &TransferHandler{sessions: sessions}
}

func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	adapter, err := h.sessions.Adapter()
	if err != nil {
		respondBackendError(w, err, "transfer:get")
		return
	}

	settings, err := adapter.GetTransferSettings(r.Context())
	if err != nil {
		respondBackendError(w, err, "transfer:get")
		return
	}
	RespondJSON(w, http.StatusOK, settings)
}

// Update applies a partial patch and returns the settings read back afterwards.
func (h *TransferHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch backend.TransferSettingsPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.Empty() {
		RespondError(w, http.StatusBadRequest, "No settings to change")
		return
	}
	for _, v := range []*int64{patch.DownloadLimit, patch.UploadLimit, patch.AltDownloadLimit, patch.AltUploadLimit} {
		if v != nil && *v < 0 {
			RespondError(w, http.StatusBadRequest, "Limits must not be negative")
			return
		}
	}

	adapter, err := h.sessions.Adapter()
	if err != nil {
		respondBackendError(w, err, "transfer:set")
		return
	}

	if err := adapter.SetTransferSettings(r.Context(), patch); err != nil {
		respondBackendError(w, err, "transfer:set")
		return
	}

	h.Get(w, r)
}
