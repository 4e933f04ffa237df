// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	startStopMinVersion = semver.MustParse("2.11.0")
	setTagsMinVersion   = semver.MustParse("2.11.4")
)

type capabilities struct {
	webAPIVersion     string
	supportsStartStop bool
	supportsSetTags   bool
}

// ensureCapabilities loads the WebAPI version once. Failures leave the legacy
// endpoints selected and are retried on the next list refresh.
func (a *Adapter) ensureCapabilities(ctx context.Context) {
	a.mu.Lock()
	loaded := a.capsLoaded
	a.mu.Unlock()
	if loaded {
		return
	}

	body, err := a.t.Get(ctx, "api/v2/app/webapiVersion", nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("Failed to read WebAPI version, using legacy endpoints")
		return
	}

	version := strings.TrimSpace(string(body))
	if version == "" {
		return
	}

	a.mu.Lock()
	a.applyCapabilitiesLocked(version)
	a.capsLoaded = true
	a.mu.Unlock()
}

func (a *Adapter) applyCapabilitiesLocked(version string) {
	a.caps.webAPIVersion = version

	v, err := semver.NewVersion(version)
	if err != nil {
		a.log.Warn().
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; leaving capability flags unchanged")
		return
	}

	a.caps.supportsStartStop = !v.LessThan(startStopMinVersion)
	a.caps.supportsSetTags = !v.LessThan(setTagsMinVersion)

	a.log.Debug().
		Str("webAPIVersion", version).
		Bool("supportsSetTags", a.caps.supportsSetTags).
		Bool("supportsStartStop", a.caps.supportsStartStop).
		Msg("Detected qBittorrent capabilities")
}

func (a *Adapter) capabilities() capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// disableStartStop records that the server rejected stop/start despite its version.
func (a *Adapter) disableStartStop() {
	a.mu.Lock()
	a.caps.supportsStartStop = false
	a.mu.Unlock()
}
