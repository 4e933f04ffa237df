// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, policy SnapshotPolicy) *MergeEngine {
	t.Helper()
	m := NewMergeEngine(policy)
	t.Cleanup(m.Close)
	return m
}

func mustApply(t *testing.T, m *MergeEngine, payload map[string]any, mode Mode) *Snapshot {
	t.Helper()
	snap, err := m.Apply(payload, mode)
	require.NoError(t, err)
	return snap
}

func seedPayload() map[string]any {
	return map[string]any{
		SectionTorrents: map[string]any{
			"h1": map[string]any{
				FieldName:       "ubuntu.iso",
				FieldSize:       1000,
				FieldProgress:   0.5,
				FieldState:      "downloading",
				FieldDLSpeed:    50,
				FieldUPSpeed:    10,
				FieldTags:       []any{"linux", "iso"},
				FieldCategory:   "distros",
				FieldTotalSeeds: 20,
				FieldAddedTime:  100,
			},
			"h2": map[string]any{
				FieldName:      "debian.iso",
				FieldState:     "seeding",
				FieldAddedTime: 50,
			},
		},
		SectionCategories: map[string]any{
			"distros": map[string]any{CategorySavePath: "/data/distros"},
		},
		SectionTags: []any{"linux", "iso"},
		SectionServerState: map[string]any{
			ServerDLInfoSpeed:      500,
			ServerConnectionStatus: "connected",
		},
	}
}

func TestMergeEngine_DiffMergeExample(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	mustApply(t, m, seedPayload(), ModeSnapshot)

	snap := mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldDLSpeed: 100}},
	}, ModeDiff)

	h1, ok := snap.Torrent("h1")
	require.True(t, ok)
	assert.Equal(t, int64(100), h1.DLSpeed)
	assert.Equal(t, int64(10), h1.UPSpeed)
	assert.Equal(t, "ubuntu.iso", h1.Name)
	assert.Equal(t, []string{"iso", "linux"}, h1.Tags)
}

func TestMergeEngine_DiffIdempotent(t *testing.T) {
	diffs := []map[string]any{
		{
			SectionTorrents: map[string]any{
				"h1": map[string]any{FieldDLSpeed: 7, FieldTotalSeeds: -1, FieldConnectedSeeds: 4},
				"h3": map[string]any{FieldName: "new", FieldState: "queued", FieldNumPeers: 2},
			},
			SectionTorrentsRemoved: []any{"h2"},
			SectionServerState:     map[string]any{ServerUPInfoSpeed: 9},
		},
		{
			SectionCategories: map[string]any{"tv": map[string]any{}},
			SectionTags:       []any{"x"},
		},
		{
			SectionTorrents: map[string]any{"h1": map[string]any{FieldState: "bogus", FieldProgress: 4}},
		},
	}

	for i, diff := range diffs {
		m := newTestEngine(t, PreserveMissingSections)
		mustApply(t, m, seedPayload(), ModeSnapshot)

		first := mustApply(t, m, diff, ModeDiff)
		second := mustApply(t, m, diff, ModeDiff)

		assert.Equal(t, first.Torrents, second.Torrents, "diff %d", i)
		assert.Equal(t, first.Categories, second.Categories, "diff %d", i)
		assert.Equal(t, first.Tags, second.Tags, "diff %d", i)
		assert.Equal(t, first.ServerState, second.ServerState, "diff %d", i)
		assert.Equal(t, first.Revision+1, second.Revision)
	}
}

func TestMergeEngine_AbsentFieldsPreserved(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	before := mustApply(t, m, seedPayload(), ModeSnapshot)
	h1Before, _ := before.Torrent("h1")

	after := mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldProgress: 0.75}},
	}, ModeDiff)
	h1After, _ := after.Torrent("h1")

	h1Before.Progress = 0.75
	assert.Equal(t, h1Before, h1After)
	assert.Equal(t, before.ServerState, after.ServerState)
	assert.Equal(t, before.Categories, after.Categories)
}

func TestMergeEngine_PresentZeroOverwrites(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	mustApply(t, m, seedPayload(), ModeSnapshot)

	snap := mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{
			FieldDLSpeed:  0,
			FieldCategory: "",
			FieldTags:     "",
		}},
		SectionServerState: map[string]any{ServerDLInfoSpeed: 0},
	}, ModeDiff)

	h1, _ := snap.Torrent("h1")
	assert.Zero(t, h1.DLSpeed)
	assert.Empty(t, h1.Category)
	assert.Empty(t, h1.Tags)
	require.NotNil(t, snap.ServerState.DLInfoSpeed)
	assert.Zero(t, *snap.ServerState.DLInfoSpeed)
	require.NotNil(t, snap.ServerState.ConnectionStatus)
	assert.Equal(t, "connected", *snap.ServerState.ConnectionStatus)
}

func TestMergeEngine_SwarmCounts(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	mustApply(t, m, seedPayload(), ModeSnapshot)

	snap := mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{
			FieldTotalSeeds:     -1,
			FieldConnectedSeeds: 5,
			FieldTotalPeers:     -7,
		}},
	}, ModeDiff)

	h1, _ := snap.Torrent("h1")
	assert.Nil(t, h1.TotalSeeds)
	assert.Nil(t, h1.TotalPeers)
	require.NotNil(t, h1.ConnectedSeeds)
	assert.Equal(t, int64(5), h1.NumSeeds)

	snap = mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldTotalSeeds: 30}},
	}, ModeDiff)
	h1, _ = snap.Torrent("h1")
	assert.Equal(t, int64(30), h1.NumSeeds)

	snap = mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h9": map[string]any{FieldNumSeeds: 3}},
	}, ModeDiff)
	h9, _ := snap.Torrent("h9")
	assert.Equal(t, int64(3), h9.NumSeeds)
	assert.Nil(t, h9.TotalSeeds)
}

func TestMergeEngine_SwarmCountsFallToZeroWhenAllUnknown(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
	}{
		{name: "snapshot", mode: ModeSnapshot},
		{name: "diff", mode: ModeDiff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestEngine(t, PreserveMissingSections)
			mustApply(t, m, map[string]any{
				SectionTorrents: map[string]any{"h1": map[string]any{FieldTotalSeeds: 20, FieldTotalPeers: 7}},
			}, ModeSnapshot)

			snap := mustApply(t, m, map[string]any{
				SectionTorrents: map[string]any{"h1": map[string]any{
					FieldTotalSeeds:     -1,
					FieldTotalPeers:     -1,
					FieldConnectedSeeds: -1,
					FieldConnectedPeers: -1,
				}},
			}, tt.mode)

			h1, ok := snap.Torrent("h1")
			require.True(t, ok)
			assert.Nil(t, h1.TotalSeeds)
			assert.Nil(t, h1.ConnectedSeeds)
			assert.Equal(t, int64(0), h1.NumSeeds)
			assert.Equal(t, int64(0), h1.NumPeers)
		})
	}
}

func TestMergeEngine_LegacySwarmCountsKeptUntilReplaced(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldNumSeeds: 4, FieldNumPeers: 2, FieldTotalSeeds: 9}},
	}, ModeSnapshot)

	snap := mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldTotalSeeds: -1}},
	}, ModeDiff)
	h1, _ := snap.Torrent("h1")
	assert.Equal(t, int64(4), h1.NumSeeds)
	assert.Equal(t, int64(2), h1.NumPeers)

	snap = mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldNumSeeds: -1}},
	}, ModeDiff)
	h1, _ = snap.Torrent("h1")
	assert.Equal(t, int64(0), h1.NumSeeds)
	assert.Equal(t, int64(2), h1.NumPeers)

	// removal forgets the raw counts
	mustApply(t, m, map[string]any{SectionTorrentsRemoved: []any{"h1"}}, ModeDiff)
	snap = mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldName: "back"}},
	}, ModeDiff)
	h1, _ = snap.Torrent("h1")
	assert.Equal(t, int64(0), h1.NumPeers)
}

func TestMergeEngine_SnapshotMissingCategoriesPreserved(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	mustApply(t, m, seedPayload(), ModeSnapshot)

	snap := mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{"h1": map[string]any{FieldName: "ubuntu.iso"}},
	}, ModeSnapshot)

	assert.Equal(t, map[string]Category{"distros": {Name: "distros", SavePath: "/data/distros"}}, snap.Categories)
	assert.Equal(t, []string{"iso", "linux"}, snap.Tags)
	// torrents not listed in a snapshot are dropped
	assert.Equal(t, 1, snap.Len())
	_, ok := snap.Torrent("h2")
	assert.False(t, ok)
	// listed torrents keep fields the snapshot omitted
	h1, _ := snap.Torrent("h1")
	assert.Equal(t, int64(50), h1.DLSpeed)
}

func TestMergeEngine_ClearMissingSectionsPolicy(t *testing.T) {
	m := newTestEngine(t, ClearMissingSections)
	mustApply(t, m, seedPayload(), ModeSnapshot)

	snap := mustApply(t, m, map[string]any{SectionTorrents: map[string]any{}}, ModeSnapshot)

	assert.Empty(t, snap.Categories)
	assert.Empty(t, snap.Tags)
	assert.Nil(t, snap.ServerState.DLInfoSpeed)
	assert.Zero(t, snap.Len())
}

func TestMergeEngine_DiffCategoriesAuthoritative(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	mustApply(t, m, seedPayload(), ModeSnapshot)

	snap := mustApply(t, m, map[string]any{
		SectionCategories: map[string]any{
			"distros": map[string]any{},
			"tv":      map[string]any{CategorySavePath: "/tv"},
		},
	}, ModeDiff)

	assert.Equal(t, map[string]Category{
		"distros": {Name: "distros", SavePath: "/data/distros"},
		"tv":      {Name: "tv", SavePath: "/tv"},
	}, snap.Categories)

	snap = mustApply(t, m, map[string]any{SectionTorrents: map[string]any{}}, ModeDiff)
	assert.Len(t, snap.Categories, 2)
}

func TestMergeEngine_ValidationErrorLeavesCacheUntouched(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	before := mustApply(t, m, seedPayload(), ModeSnapshot)

	tests := []struct {
		name    string
		payload map[string]any
		section string
	}{
		{name: "nil_payload", payload: nil},
		{name: "torrents_array", payload: map[string]any{SectionTorrents: []any{}}, section: SectionTorrents},
		{name: "removed_object", payload: map[string]any{
			SectionTorrents:        map[string]any{"h1": map[string]any{FieldDLSpeed: 1}},
			SectionTorrentsRemoved: map[string]any{},
		}, section: SectionTorrentsRemoved},
		{name: "tags_string", payload: map[string]any{SectionTags: "a,b"}, section: SectionTags},
		{name: "server_state_number", payload: map[string]any{SectionServerState: 4}, section: SectionServerState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(tt.payload, ModeDiff)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.section, vErr.Section)
			assert.Equal(t, before.Torrents, m.Snapshot().Torrents)
			assert.Equal(t, before.Revision, m.Snapshot().Revision)
		})
	}
}

func TestMergeEngine_MalformedFieldsDefault(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	mustApply(t, m, seedPayload(), ModeSnapshot)

	snap := mustApply(t, m, map[string]any{
		SectionTorrents: map[string]any{
			"h1": map[string]any{
				FieldSize:     "huge",
				FieldState:    "exploded",
				FieldProgress: 1.7,
				FieldETA:      -1,
				FieldTags:     42,
			},
			"bad": "not-an-object",
		},
	}, ModeDiff)

	h1, _ := snap.Torrent("h1")
	assert.Zero(t, h1.Size)
	assert.Equal(t, StateError, h1.State)
	assert.Equal(t, 1.0, h1.Progress)
	assert.Equal(t, ETAUnbounded, h1.ETA)
	assert.Empty(t, h1.Tags)
	_, ok := snap.Torrent("bad")
	assert.False(t, ok)
}

func TestMergeEngine_SnapshotIsIsolated(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	snap := mustApply(t, m, seedPayload(), ModeSnapshot)

	snap.Torrents[0].Name = "mutated"
	snap.Torrents[1].Tags[0] = "mutated"
	snap.Categories["x"] = Category{Name: "x"}

	again := m.Snapshot()
	for _, tor := range again.Torrents {
		assert.NotEqual(t, "mutated", tor.Name)
		assert.NotContains(t, tor.Tags, "mutated")
	}
	assert.NotContains(t, again.Categories, "x")
}

func TestMergeEngine_SortedByAddedTime(t *testing.T) {
	m := newTestEngine(t, PreserveMissingSections)
	snap := mustApply(t, m, seedPayload(), ModeSnapshot)

	require.Equal(t, 2, snap.Len())
	assert.Equal(t, "h2", snap.Torrents[0].ID)
	assert.Equal(t, "h1", snap.Torrents[1].ID)
}

func TestDecodePayload(t *testing.T) {
	payload, err := DecodePayload([]byte(`{"torrents":{"h1":{"size":12345678901234}}}`))
	require.NoError(t, err)

	size := payload[SectionTorrents].(map[string]any)["h1"].(map[string]any)[FieldSize]
	assert.Equal(t, json.Number("12345678901234"), size)

	_, err = DecodePayload([]byte(`[1,2]`))
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = DecodePayload([]byte(`{`))
	assert.ErrorAs(t, err, &vErr)
}
