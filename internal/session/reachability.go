// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DialDeadline bounds the whole reachability pass, not each dial.
const DialDeadline = 1200 * time.Millisecond

// MeasureServers lists the catalog like Servers and dials every entry's host
// concurrently. Entries that do not connect before the deadline are reported
// unreachable with no latency.
func (m *Manager) MeasureServers(ctx context.Context) []ServerInfo {
	out, addrs := m.catalogView()

	ctx, cancel := context.WithTimeout(ctx, DialDeadline)
	defer cancel()

	var g errgroup.Group
	for i, addr := range addrs {
		if addr == "" {
			continue
		}
		g.Go(func() error {
			latency, ok := dialLatency(ctx, addr)
			if !ok {
				log.Trace().Str("server", out[i].ID).Str("addr", addr).Msg("Server unreachable")
				return nil
			}
			ms := latency.Milliseconds()
			out[i].Reachable = true
			out[i].LatencyMs = &ms
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func dialLatency(ctx context.Context, addr string) (time.Duration, bool) {
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, false
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, true
}

// dialAddr returns host:port for a base url, using the scheme's default port.
func dialAddr(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
