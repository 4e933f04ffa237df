// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/tmsync/internal/backend"
)

func sampleTorrents() []backend.UnifiedTorrent {
	return []backend.UnifiedTorrent{
		{
			ID:       "0123456789abcdef",
			Name:     "ubuntu.iso",
			Size:     1000,
			Progress: 0.5,
			State:    backend.StateDownloading,
			DLSpeed:  2048,
			Category: "distros",
			Tags:     []string{"linux", "iso"},
		},
		{
			ID:    "feed",
			Name:  "debian.iso",
			State: backend.StatePaused,
			Tags:  []string{},
		},
	}
}

func TestWriteTorrents(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeTorrents(&buf, outputTable, sampleTorrents()))

		out := buf.String()
		assert.Contains(t, out, "01234567")
		assert.NotContains(t, out, "0123456789abcdef")
		assert.Contains(t, out, "ubuntu.iso")
		assert.Contains(t, out, "50.0%")
		assert.Contains(t, out, "downloading")
		assert.Contains(t, out, "linux,iso")
		assert.Contains(t, out, "debian.iso")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeTorrents(&buf, outputJSON, sampleTorrents()))

		var got []backend.UnifiedTorrent
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, sampleTorrents(), got)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeTorrents(&buf, outputYAML, sampleTorrents()))

		var got []map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "ubuntu.iso", got[0]["name"])
		assert.Equal(t, "distros", got[0]["category"])
		assert.Equal(t, "paused", got[1]["state"])
	})

	t.Run("unsupported", func(t *testing.T) {
		err := writeTorrents(io.Discard, "xml", sampleTorrents())
		assert.EqualError(t, err, `unsupported output "xml"`)
	})
}

func TestWriteDetail(t *testing.T) {
	detail := &backend.UnifiedTorrentDetail{
		UnifiedTorrent: sampleTorrents()[0],
		Properties: &backend.TorrentProperties{
			SavePath:   "/data/distros",
			PieceSize:  16384,
			PiecesNum:  10,
			PiecesHave: 5,
		},
		Files:    []backend.TorrentFile{{Index: 0, Name: "ubuntu.iso", Size: 1000, Progress: 0.5, Priority: 1}},
		Trackers: []backend.TorrentTracker{{URL: "udp://tracker.example:1337", Tier: 0, Status: "working"}},
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeDetail(&buf, outputTable, detail))

		out := buf.String()
		assert.Contains(t, out, "0123456789abcdef")
		assert.Contains(t, out, "/data/distros")
		assert.Contains(t, out, "5/10")
		assert.Contains(t, out, "udp://tracker.example:1337")
		assert.NotContains(t, out, "Unavailable")
	})

	t.Run("partial", func(t *testing.T) {
		partial := &backend.UnifiedTorrentDetail{
			UnifiedTorrent: sampleTorrents()[1],
			Partial:        true,
			FailedSources:  []string{"properties", "peers"},
		}

		var buf bytes.Buffer
		require.NoError(t, writeDetail(&buf, outputTable, partial))
		assert.Contains(t, buf.String(), "properties,peers")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeDetail(&buf, outputJSON, detail))

		var got map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "ubuntu.iso", got["name"])
		assert.Equal(t, false, got["partial"])
		assert.Len(t, got["files"], 1)
	})
}

func TestRate(t *testing.T) {
	assert.Equal(t, "-", rate(0))
	assert.Equal(t, "-", rate(-1))
	assert.Equal(t, "2.048kB/s", rate(2048))
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "01234567", shortHash("0123456789abcdef"))
	assert.Equal(t, "feed", shortHash("feed"))
}

func TestResolveConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "custom.conf")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	assert.Equal(t, filepath.Join(dir, "config.toml"), resolveConfigFile(dir))
	assert.Equal(t, "/etc/tmsync/box.TOML", resolveConfigFile("/etc/tmsync/box.TOML"))
	assert.Equal(t, file, resolveConfigFile(file))
}

const listMaindata = `{
	"rid": 1,
	"full_update": true,
	"torrents": {
		"h1": {"name": "ubuntu.iso", "size": 1000, "progress": 0.5, "state": "stalledDL", "tags": "linux", "category": "distros"},
		"h2": {"name": "debian.iso", "state": "stoppedUP", "tags": ""}
	},
	"categories": {"distros": {"name": "distros", "savePath": "/data/distros"}},
	"tags": ["linux"],
	"server_state": {"connection_status": "connected"}
}`

func newQbitFake(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/auth/login":
			http.SetCookie(w, &http.Cookie{Name: "SID", Value: "sid", Path: "/"})
			_, _ = io.WriteString(w, "Ok.")
		case "/api/v2/app/webapiVersion":
			_, _ = io.WriteString(w, "2.11.4")
		case "/api/v2/sync/maindata":
			_, _ = io.WriteString(w, listMaindata)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeServerConfig(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	content := fmt.Sprintf("[[servers]]\nid = \"home\"\ntype = \"qbit\"\nbaseUrl = %q\nusername = \"admin\"\npassword = \"admin\"\n", baseURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestListCommand(t *testing.T) {
	configPath := writeServerConfig(t, newQbitFake(t).URL)

	tests := []struct {
		name      string
		args      []string
		wantNames []string
		wantErr   string
	}{
		{
			name:      "all",
			args:      []string{"--config-dir", configPath, "-o", "json"},
			wantNames: []string{"ubuntu.iso", "debian.iso"},
		},
		{
			name:      "state_filter",
			args:      []string{"--config-dir", configPath, "-o", "json", "--state", "paused"},
			wantNames: []string{"debian.iso"},
		},
		{
			name:    "bad_state",
			args:    []string{"--config-dir", configPath, "--state", "sleeping"},
			wantErr: `unknown state "sleeping"`,
		},
		{
			name:    "bad_output",
			args:    []string{"--config-dir", configPath, "-o", "xml"},
			wantErr: `unsupported output "xml"`,
		},
		{
			name:    "unknown_server",
			args:    []string{"--config-dir", configPath, "--server", "nope"},
			wantErr: `unknown server "nope"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := RunListCommand()
			cmd.SetOut(&out)
			cmd.SetErr(io.Discard)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			var got []backend.UnifiedTorrent
			require.NoError(t, json.Unmarshal(out.Bytes(), &got))
			names := make([]string, 0, len(got))
			for _, torrent := range got {
				names = append(names, torrent.Name)
			}
			assert.ElementsMatch(t, tt.wantNames, names)
		})
	}
}
