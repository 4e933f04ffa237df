// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/tmsync/internal/backend"
)

func TestMetrics_Observers(t *testing.T) {
	m := New()

	m.ObserveTick("success", 2*time.Second)
	m.ObserveTick("failure", 4*time.Second)
	m.ObserveTick("failure", 8*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollTicks.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PollTicks.WithLabelValues("failure")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.PollInterval))

	m.ObserveState("backoff")
	m.ObserveState("circuit_open")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PollState.WithLabelValues("backoff")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollState.WithLabelValues("circuit_open")))

	engine := backend.NewMergeEngine(backend.PreserveMissingSections)
	defer engine.Close()
	snap, err := engine.Apply(map[string]any{
		backend.SectionTorrents: map[string]any{"a": map[string]any{}, "b": map[string]any{}},
	}, backend.ModeSnapshot)
	require.NoError(t, err)

	m.ObserveApply(time.Millisecond, snap)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CachedTorrents))

	m.ObservePartial([]string{backend.SourcePeers, backend.SourceFiles})
	m.ObservePartial([]string{backend.SourcePeers})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DetailPartial.WithLabelValues(backend.SourcePeers)))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveTick("skipped", time.Second)

	srv := httptest.NewServer(NewServer(m, "127.0.0.1", 0).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `tmsync_poll_ticks_total{result="skipped"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
