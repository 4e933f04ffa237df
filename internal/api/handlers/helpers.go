// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/tmsync/internal/backend"
	"github.com/autobrr/tmsync/internal/session"
)

// Sessions is the part of session.Manager the handlers use.
type Sessions interface {
	MeasureServers(ctx context.Context) []session.ServerInfo
	Switch(id string) error
	Adapter() (backend.Adapter, error)
	Snapshot() (*backend.Snapshot, error)
	Refresh(ctx context.Context) (*backend.Snapshot, error)
	SetVisible(visible bool)
	Status() (session.Status, error)
}

var _ Sessions = (*session.Manager)(nil)

type ErrorResponse struct {
	Error string `json:"error"`
}

func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// statusFor maps session and backend errors onto HTTP statuses. Malformed backend
// payloads are the backend's fault and map to 502; only rejected arguments are 400.
func statusFor(err error) int {
	var (
		unknown    *session.UnknownServerError
		invalidArg *backend.InvalidArgumentError
		validation *backend.ValidationError
		authErr    *backend.AuthError
		transport  *backend.TransportError
		status     *backend.StatusError
	)

	switch {
	case errors.Is(err, session.ErrNoServer), errors.Is(err, backend.ErrAdapterClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &unknown), backend.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &invalidArg):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &validation), errors.As(err, &authErr), errors.As(err, &transport), errors.As(err, &status):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondBackendError logs server-side failures and writes the mapped status.
func respondBackendError(w http.ResponseWriter, err error, op string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("Backend request failed")
	} else {
		log.Debug().Err(err).Str("op", op).Msg("Backend request rejected")
	}
	RespondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
