// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"bytes"
	"encoding/json"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mode selects how Apply interprets a payload.
type Mode int

const (
	// ModeDiff merges entries field by field and leaves unmentioned entries alone.
	ModeDiff Mode = iota
	// ModeSnapshot replaces every section present in the payload.
	ModeSnapshot
)

func (m Mode) String() string {
	if m == ModeSnapshot {
		return "snapshot"
	}
	return "diff"
}

// SnapshotPolicy controls what a snapshot does with top-level sections it omits.
type SnapshotPolicy int

const (
	PreserveMissingSections SnapshotPolicy = iota
	ClearMissingSections
)

const warnDedupeTTL = time.Hour

// Snapshot is an immutable view of the merged cache. Callers must not mutate it.
type Snapshot struct {
	Torrents    []UnifiedTorrent    `json:"torrents"`
	Categories  map[string]Category `json:"categories"`
	Tags        []string            `json:"tags"`
	ServerState ServerState         `json:"serverState"`
	Revision    uint64              `json:"revision"`

	index map[string]int
}

// Torrent looks up a torrent by id.
func (s *Snapshot) Torrent(id string) (UnifiedTorrent, bool) {
	if s == nil {
		return UnifiedTorrent{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return UnifiedTorrent{}, false
	}
	return s.Torrents[i], true
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Torrents)
}

// MergeEngine folds diff and snapshot payloads into the cached view. It is not
// safe for concurrent use; the owning SyncCache serialises calls.
type MergeEngine struct {
	policy SnapshotPolicy

	torrents    map[string]*UnifiedTorrent
	categories  map[string]Category
	tags        map[string]struct{}
	serverState ServerState
	revision    uint64

	// raw numSeeds/numPeers as last reported, kept apart from the derived counts
	legacy map[string]legacySwarm

	warned *ttlcache.Cache[string, struct{}]
	log    zerolog.Logger
}

func NewMergeEngine(policy SnapshotPolicy) *MergeEngine {
	return &MergeEngine{
		policy:     policy,
		torrents:   make(map[string]*UnifiedTorrent),
		categories: make(map[string]Category),
		tags:       make(map[string]struct{}),
		legacy:     make(map[string]legacySwarm),
		warned:     ttlcache.New(ttlcache.Options[string, struct{}]{}.SetDefaultTTL(warnDedupeTTL)),
		log:        log.With().Str("component", "merge").Logger(),
	}
}

type legacySwarm struct {
	seeds *int64
	peers *int64
}

// DecodePayload parses a JSON document into a payload, preserving number precision.
func DecodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Reason: "malformed json: " + err.Error()}
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: "payload is not an object"}
	}
	return payload, nil
}

type sections struct {
	torrents    map[string]any
	removed     []any
	categories  map[string]any
	tags        []any
	serverState map[string]any

	hasTorrents, hasRemoved, hasCategories, hasTags, hasServerState bool
}

func parseSections(payload map[string]any) (*sections, error) {
	if payload == nil {
		return nil, &ValidationError{Reason: "payload is not an object"}
	}

	s := &sections{}
	var ok bool

	if v := payload[SectionTorrents]; v != nil {
		if s.torrents, ok = v.(map[string]any); !ok {
			return nil, &ValidationError{Section: SectionTorrents, Reason: "expected object"}
		}
		s.hasTorrents = true
	}
	if v := payload[SectionTorrentsRemoved]; v != nil {
		if s.removed, ok = asList(v); !ok {
			return nil, &ValidationError{Section: SectionTorrentsRemoved, Reason: "expected array"}
		}
		s.hasRemoved = true
	}
	if v := payload[SectionCategories]; v != nil {
		if s.categories, ok = v.(map[string]any); !ok {
			return nil, &ValidationError{Section: SectionCategories, Reason: "expected object"}
		}
		s.hasCategories = true
	}
	if v := payload[SectionTags]; v != nil {
		if s.tags, ok = asList(v); !ok {
			return nil, &ValidationError{Section: SectionTags, Reason: "expected array"}
		}
		s.hasTags = true
	}
	if v := payload[SectionServerState]; v != nil {
		if s.serverState, ok = v.(map[string]any); !ok {
			return nil, &ValidationError{Section: SectionServerState, Reason: "expected object"}
		}
		s.hasServerState = true
	}
	return s, nil
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Apply folds payload into the cache and returns a fresh snapshot. The payload is
// validated up front; a ValidationError leaves the cache untouched.
func (m *MergeEngine) Apply(payload map[string]any, mode Mode) (*Snapshot, error) {
	s, err := parseSections(payload)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeSnapshot:
		m.applySnapshot(s)
	default:
		m.applyDiff(s)
	}

	m.revision++
	return m.Snapshot(), nil
}

func (m *MergeEngine) applySnapshot(s *sections) {
	clearMissing := m.policy == ClearMissingSections

	if s.hasTorrents {
		next := make(map[string]*UnifiedTorrent, len(s.torrents))
		for id, raw := range s.torrents {
			patch, ok := raw.(map[string]any)
			if !ok {
				m.warnOnce("torrent:"+id+":not-object", "Skipping malformed torrent entry", id)
				continue
			}
			t := m.torrents[id]
			if t == nil {
				t = newTorrent(id)
			}
			m.storeLegacy(id, m.patchTorrent(t, patch, m.legacy[id]))
			next[id] = t
		}
		m.torrents = next
		for id := range m.legacy {
			if _, ok := next[id]; !ok {
				delete(m.legacy, id)
			}
		}
	} else if clearMissing {
		m.torrents = make(map[string]*UnifiedTorrent)
		m.legacy = make(map[string]legacySwarm)
	}

	if s.hasRemoved {
		m.removeTorrents(s.removed)
	}

	if s.hasCategories {
		m.replaceCategories(s.categories)
	} else if clearMissing {
		m.categories = make(map[string]Category)
	}

	if s.hasTags {
		m.replaceTags(s.tags)
	} else if clearMissing {
		m.tags = make(map[string]struct{})
	}

	if s.hasServerState {
		m.patchServerState(s.serverState)
	} else if clearMissing {
		m.serverState = ServerState{}
	}
}

func (m *MergeEngine) applyDiff(s *sections) {
	if s.hasTorrents {
		for id, raw := range s.torrents {
			patch, ok := raw.(map[string]any)
			if !ok {
				m.warnOnce("torrent:"+id+":not-object", "Skipping malformed torrent entry", id)
				continue
			}
			t := m.torrents[id]
			if t == nil {
				t = newTorrent(id)
				m.torrents[id] = t
			}
			m.storeLegacy(id, m.patchTorrent(t, patch, m.legacy[id]))
		}
	}

	if s.hasRemoved {
		m.removeTorrents(s.removed)
	}
	if s.hasCategories {
		m.replaceCategories(s.categories)
	}
	if s.hasTags {
		m.replaceTags(s.tags)
	}
	if s.hasServerState {
		m.patchServerState(s.serverState)
	}
}

func (m *MergeEngine) removeTorrents(ids []any) {
	for _, raw := range ids {
		id, ok := SafeString(raw)
		if !ok {
			m.warnOnce("field:torrents_removed:type", "Ignoring non-string removal id", "")
			continue
		}
		delete(m.torrents, id)
		delete(m.legacy, id)
	}
}

func (m *MergeEngine) replaceCategories(raw map[string]any) {
	next := make(map[string]Category, len(raw))
	for name, entry := range raw {
		patch, ok := entry.(map[string]any)
		if !ok {
			m.warnOnce("field:categories:not-object", "Skipping malformed category entry", name)
			continue
		}
		cat, exists := m.categories[name]
		if !exists {
			cat = Category{Name: name}
		}
		if HasKey(patch, CategorySavePath) {
			cat.SavePath = m.stringField(CategorySavePath, patch[CategorySavePath])
		}
		cat.Name = name
		next[name] = cat
	}
	m.categories = next
}

func (m *MergeEngine) replaceTags(raw []any) {
	next := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		tag, ok := item.(string)
		if !ok {
			m.warnOnce("field:tags:type", "Ignoring non-string tag", "")
			continue
		}
		if tag != "" {
			next[tag] = struct{}{}
		}
	}
	m.tags = next
}

// patchTorrent applies p to t and returns the updated legacy swarm counts.
func (m *MergeEngine) patchTorrent(t *UnifiedTorrent, p map[string]any, legacy legacySwarm) legacySwarm {
	if HasKey(p, FieldName) {
		t.Name = m.stringField(FieldName, p[FieldName])
	}
	if HasKey(p, FieldSize) {
		t.Size = nonNegative(m.intField(FieldSize, p[FieldSize], 0))
	}
	if HasKey(p, FieldProgress) {
		t.Progress = ClampProgress(m.numField(FieldProgress, p[FieldProgress], 0))
	}
	if HasKey(p, FieldState) {
		t.State = m.stateField(p[FieldState])
	}
	if HasKey(p, FieldDLSpeed) {
		t.DLSpeed = nonNegative(m.intField(FieldDLSpeed, p[FieldDLSpeed], 0))
	}
	if HasKey(p, FieldUPSpeed) {
		t.UPSpeed = nonNegative(m.intField(FieldUPSpeed, p[FieldUPSpeed], 0))
	}
	if HasKey(p, FieldRatio) {
		t.Ratio = math.Max(0, m.numField(FieldRatio, p[FieldRatio], 0))
	}
	if HasKey(p, FieldETA) {
		t.ETA = NormalizeETA(m.intField(FieldETA, p[FieldETA], ETAUnbounded))
	}
	if HasKey(p, FieldTotalSeeds) {
		t.TotalSeeds = ResolveSwarmCount(p[FieldTotalSeeds])
	}
	if HasKey(p, FieldTotalPeers) {
		t.TotalPeers = ResolveSwarmCount(p[FieldTotalPeers])
	}
	if HasKey(p, FieldConnectedSeeds) {
		t.ConnectedSeeds = ResolveSwarmCount(p[FieldConnectedSeeds])
	}
	if HasKey(p, FieldConnectedPeers) {
		t.ConnectedPeers = ResolveSwarmCount(p[FieldConnectedPeers])
	}
	if HasKey(p, FieldCategory) {
		t.Category = m.stringField(FieldCategory, p[FieldCategory])
	}
	if HasKey(p, FieldTags) {
		tags, ok := NormalizeTags(p[FieldTags])
		if !ok {
			m.warnOnce("field:tags:type", "Malformed tags value, treating as empty", t.ID)
			tags = []string{}
		}
		t.Tags = tags
	}
	if HasKey(p, FieldAddedTime) {
		t.AddedTime = nonNegative(m.intField(FieldAddedTime, p[FieldAddedTime], 0))
	}
	if HasKey(p, FieldSavePath) {
		t.SavePath = m.stringField(FieldSavePath, p[FieldSavePath])
	}
	if HasKey(p, FieldDownloaded) {
		t.Downloaded = nonNegative(m.intField(FieldDownloaded, p[FieldDownloaded], 0))
	}
	if HasKey(p, FieldUploaded) {
		t.Uploaded = nonNegative(m.intField(FieldUploaded, p[FieldUploaded], 0))
	}
	if HasKey(p, FieldDLLimit) {
		t.DLLimit = nonNegative(m.intField(FieldDLLimit, p[FieldDLLimit], 0))
	}
	if HasKey(p, FieldUPLimit) {
		t.UPLimit = nonNegative(m.intField(FieldUPLimit, p[FieldUPLimit], 0))
	}
	if HasKey(p, FieldForceStart) {
		t.ForceStart = SafeBool(p[FieldForceStart])
	}
	if HasKey(p, FieldTracker) {
		t.Tracker = m.stringField(FieldTracker, p[FieldTracker])
	}
	if HasKey(p, FieldCompletionTime) {
		t.CompletionTime = nonNegative(m.intField(FieldCompletionTime, p[FieldCompletionTime], 0))
	}

	if HasKey(p, FieldNumSeeds) {
		legacy.seeds = ResolveSwarmCount(p[FieldNumSeeds])
	}
	if HasKey(p, FieldNumPeers) {
		legacy.peers = ResolveSwarmCount(p[FieldNumPeers])
	}
	t.NumSeeds = PickBestAvailable(t.TotalSeeds, t.ConnectedSeeds, legacy.seeds)
	t.NumPeers = PickBestAvailable(t.TotalPeers, t.ConnectedPeers, legacy.peers)
	return legacy
}

func (m *MergeEngine) storeLegacy(id string, legacy legacySwarm) {
	if legacy.seeds == nil && legacy.peers == nil {
		delete(m.legacy, id)
		return
	}
	m.legacy[id] = legacy
}

func (m *MergeEngine) patchServerState(p map[string]any) {
	s := &m.serverState
	intFields := map[string]**int64{
		ServerDLInfoSpeed:     &s.DLInfoSpeed,
		ServerUPInfoSpeed:     &s.UPInfoSpeed,
		ServerDLInfoData:      &s.DLInfoData,
		ServerUPInfoData:      &s.UPInfoData,
		ServerDLRateLimit:     &s.DLRateLimit,
		ServerUPRateLimit:     &s.UPRateLimit,
		ServerFreeSpaceOnDisk: &s.FreeSpaceOnDisk,
		ServerDHTNodes:        &s.DHTNodes,
		ServerAllTimeDL:       &s.AllTimeDL,
		ServerAllTimeUL:       &s.AllTimeUL,
	}
	for key, dst := range intFields {
		if !HasKey(p, key) {
			continue
		}
		v := nonNegative(m.intField(key, p[key], 0))
		*dst = &v
	}

	if HasKey(p, ServerUseAltSpeedLimits) {
		v := SafeBool(p[ServerUseAltSpeedLimits])
		s.UseAltSpeedLimits = &v
	}
	if HasKey(p, ServerConnectionStatus) {
		v := m.stringField(ServerConnectionStatus, p[ServerConnectionStatus])
		s.ConnectionStatus = &v
	}
}

func (m *MergeEngine) numField(name string, raw any, fallback float64) float64 {
	v := SafeNum(raw, math.NaN())
	if math.IsNaN(v) {
		m.warnOnce("field:"+name+":non-numeric", "Non-numeric field value, using default", "")
		return fallback
	}
	return v
}

func (m *MergeEngine) intField(name string, raw any, fallback int64) int64 {
	v := m.numField(name, raw, math.NaN())
	if math.IsNaN(v) {
		return fallback
	}
	return SafeInt(v, fallback)
}

func (m *MergeEngine) stringField(name string, raw any) string {
	if raw == nil {
		return ""
	}
	s, ok := SafeString(raw)
	if !ok {
		m.warnOnce("field:"+name+":non-string", "Non-string field value, using empty string", "")
	}
	return s
}

func (m *MergeEngine) stateField(raw any) State {
	s, ok := raw.(string)
	if !ok {
		m.warnOnce("field:state:non-string", "Non-string state, marking as error", "")
		return StateError
	}
	st, ok := ParseState(s)
	if !ok {
		m.warnOnce("field:state:unknown:"+s, "Unknown torrent state, marking as error", "")
		return StateError
	}
	return st
}

func (m *MergeEngine) warnOnce(key, msg, id string) {
	if _, seen := m.warned.Get(key); seen {
		return
	}
	m.warned.Set(key, struct{}{}, ttlcache.DefaultTTL)

	ev := m.log.Warn().Str("key", key)
	if id != "" {
		ev = ev.Str("hash", id)
	}
	ev.Msg(msg)
}

// Snapshot returns a deep copy of the current cache.
func (m *MergeEngine) Snapshot() *Snapshot {
	snap := &Snapshot{
		Torrents:    make([]UnifiedTorrent, 0, len(m.torrents)),
		Categories:  maps.Clone(m.categories),
		Tags:        slices.Sorted(maps.Keys(m.tags)),
		ServerState: m.serverState.clone(),
		Revision:    m.revision,
		index:       make(map[string]int, len(m.torrents)),
	}
	if snap.Categories == nil {
		snap.Categories = map[string]Category{}
	}
	if snap.Tags == nil {
		snap.Tags = []string{}
	}

	for _, t := range m.torrents {
		snap.Torrents = append(snap.Torrents, *t.Clone())
	}
	slices.SortFunc(snap.Torrents, func(a, b UnifiedTorrent) int {
		if a.AddedTime != b.AddedTime {
			if a.AddedTime < b.AddedTime {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for i := range snap.Torrents {
		snap.index[snap.Torrents[i].ID] = i
	}
	return snap
}

// Cached returns a copy of the cached torrent.
func (m *MergeEngine) Cached(id string) (*UnifiedTorrent, bool) {
	t, ok := m.torrents[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Close releases the warn-once dedupe set.
func (m *MergeEngine) Close() {
	m.warned.Close()
}
