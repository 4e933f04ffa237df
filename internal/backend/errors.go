// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotSupported is returned for operations the backend family cannot express.
	ErrNotSupported = errors.New("operation not supported by backend")
	// ErrAdapterClosed is returned once an adapter has been superseded.
	ErrAdapterClosed = errors.New("backend adapter closed")
)

// TransportError wraps network failures and timeouts. It is always retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError means the backend rejected our credentials or session.
type AuthError struct {
	Endpoint   string
	StatusCode int
	Reason     string
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authentication rejected by %s: %s", e.Endpoint, e.Reason)
	}
	return fmt.Sprintf("authentication rejected by %s (status %d)", e.Endpoint, e.StatusCode)
}

// NotFoundError is returned when a torrent id is unknown to both backend and cache.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("torrent %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ValidationError describes a structurally unusable payload.
type ValidationError struct {
	Section string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Section == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload section %q: %s", e.Section, e.Reason)
}

// InvalidArgumentError rejects a caller-supplied argument before any backend call.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Arg, e.Reason)
}

// StatusError is an endpoint-level HTTP failure.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// EndpointUnavailable reports whether the status means "this source is unavailable"
// rather than a whole-system failure.
func (e *StatusError) EndpointUnavailable() bool {
	switch {
	case e.StatusCode == http.StatusForbidden,
		e.StatusCode == http.StatusNotFound,
		e.StatusCode == http.StatusMethodNotAllowed:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

type unavailable interface {
	EndpointUnavailable() bool
}

// IsEndpointUnavailable reports whether err marks a single source as unavailable.
func IsEndpointUnavailable(err error) bool {
	var u unavailable
	if errors.As(err, &u) {
		return u.EndpointUnavailable()
	}
	var v *ValidationError
	return errors.As(err, &v)
}

// IsFatal reports whether polling must stop outright.
func IsFatal(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, &NotFoundError{})
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return false
}
