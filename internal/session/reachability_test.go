// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/tmsync/internal/domain"
	"github.com/autobrr/tmsync/internal/poller"
)

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestManager_MeasureServers(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(up.Close)

	ff := &fakeFactory{fetchErr: map[string]error{}}
	m := New(Options{
		Servers: []domain.ServerConfig{
			{ID: "home", Name: "Home", Type: "qbit", BaseURL: up.URL + "/qbit"},
			{ID: "box", Name: "Seedbox", Type: "trans", BaseURL: "http://" + closedAddr(t) + "/transmission"},
		},
		DefaultID: "home",
		Poller:    poller.Options{BaseInterval: time.Hour, MaxInterval: time.Hour},
		Factory:   ff.build,
	})
	t.Cleanup(m.Close)
	require.NoError(t, m.Start())

	start := time.Now()
	got := m.MeasureServers(context.Background())
	assert.Less(t, time.Since(start), DialDeadline+500*time.Millisecond)

	require.Len(t, got, 2)

	assert.Equal(t, "home", got[0].ID)
	assert.True(t, got[0].Active)
	assert.True(t, got[0].Reachable)
	require.NotNil(t, got[0].LatencyMs)
	assert.GreaterOrEqual(t, *got[0].LatencyMs, int64(0))

	assert.Equal(t, "box", got[1].ID)
	assert.False(t, got[1].Active)
	assert.False(t, got[1].Reachable)
	assert.Nil(t, got[1].LatencyMs)
}

func TestDialAddr(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "explicit_port", baseURL: "http://qb:8080/qbit", want: "qb:8080"},
		{name: "http_default", baseURL: "http://box.example/transmission", want: "box.example:80"},
		{name: "https_default", baseURL: "https://box.example", want: "box.example:443"},
		{name: "ipv6", baseURL: "http://[::1]:9091", want: "[::1]:9091"},
		{name: "no_host", baseURL: "/relative", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dialAddr(tt.baseURL))
		})
	}
}
