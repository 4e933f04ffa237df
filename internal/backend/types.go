// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"slices"
)

// Kind identifies a backend family.
type Kind string

const (
	KindQbit  Kind = "qbit"
	KindTrans Kind = "trans"
)

func (k Kind) Valid() bool {
	return k == KindQbit || k == KindTrans
}

// State is the unified torrent state shared by every backend family.
type State string

const (
	StateDownloading State = "downloading"
	StateSeeding     State = "seeding"
	StatePaused      State = "paused"
	StateQueued      State = "queued"
	StateChecking    State = "checking"
	StateError       State = "error"
)

// ParseState reports whether raw is one of the unified states.
func ParseState(raw string) (State, bool) {
	switch s := State(raw); s {
	case StateDownloading, StateSeeding, StatePaused, StateQueued, StateChecking, StateError:
		return s, true
	default:
		return "", false
	}
}

// ETAUnbounded marks a torrent that will never finish at the current rate.
const ETAUnbounded int64 = 8640000

// Unified torrent field keys. Adapters rename backend keys to these before handing
// a payload to the MergeEngine.
const (
	FieldName           = "name"
	FieldSize           = "size"
	FieldProgress       = "progress"
	FieldState          = "state"
	FieldDLSpeed        = "dlspeed"
	FieldUPSpeed        = "upspeed"
	FieldRatio          = "ratio"
	FieldETA            = "eta"
	FieldNumSeeds       = "numSeeds"
	FieldNumPeers       = "numPeers"
	FieldTotalSeeds     = "totalSeeds"
	FieldTotalPeers     = "totalPeers"
	FieldConnectedSeeds = "connectedSeeds"
	FieldConnectedPeers = "connectedPeers"
	FieldCategory       = "category"
	FieldTags           = "tags"
	FieldAddedTime      = "addedTime"
	FieldSavePath       = "savePath"
	FieldDownloaded     = "downloaded"
	FieldUploaded       = "uploaded"
	FieldDLLimit        = "dlLimit"
	FieldUPLimit        = "upLimit"
	FieldForceStart     = "forceStart"
	FieldTracker        = "tracker"
	FieldCompletionTime = "completionTime"
)

// Unified payload section keys.
const (
	SectionTorrents        = "torrents"
	SectionTorrentsRemoved = "torrents_removed"
	SectionCategories      = "categories"
	SectionTags            = "tags"
	SectionServerState     = "server_state"
)

// Unified server state keys.
const (
	ServerDLInfoSpeed       = "dlInfoSpeed"
	ServerUPInfoSpeed       = "upInfoSpeed"
	ServerDLInfoData        = "dlInfoData"
	ServerUPInfoData        = "upInfoData"
	ServerDLRateLimit       = "dlRateLimit"
	ServerUPRateLimit       = "upRateLimit"
	ServerUseAltSpeedLimits = "useAltSpeedLimits"
	ServerConnectionStatus  = "connectionStatus"
	ServerFreeSpaceOnDisk   = "freeSpaceOnDisk"
	ServerDHTNodes          = "dhtNodes"
	ServerAllTimeDL         = "allTimeDL"
	ServerAllTimeUL         = "allTimeUL"
)

// Unified category keys.
const (
	CategoryName     = "name"
	CategorySavePath = "savePath"
)

// UnifiedTorrent is the backend-agnostic torrent row. Only the MergeEngine mutates
// cached instances; everything handed to callers is a copy.
type UnifiedTorrent struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Size           int64    `json:"size" yaml:"size"`
	Progress       float64  `json:"progress" yaml:"progress"`
	State          State    `json:"state" yaml:"state"`
	DLSpeed        int64    `json:"dlspeed" yaml:"dlspeed"`
	UPSpeed        int64    `json:"upspeed" yaml:"upspeed"`
	Ratio          float64  `json:"ratio" yaml:"ratio"`
	ETA            int64    `json:"eta" yaml:"eta"`
	NumSeeds       int64    `json:"numSeeds" yaml:"numSeeds"`
	NumPeers       int64    `json:"numPeers" yaml:"numPeers"`
	TotalSeeds     *int64   `json:"totalSeeds,omitempty" yaml:"totalSeeds,omitempty"`
	TotalPeers     *int64   `json:"totalPeers,omitempty" yaml:"totalPeers,omitempty"`
	ConnectedSeeds *int64   `json:"connectedSeeds,omitempty" yaml:"connectedSeeds,omitempty"`
	ConnectedPeers *int64   `json:"connectedPeers,omitempty" yaml:"connectedPeers,omitempty"`
	Category       string   `json:"category,omitempty" yaml:"category,omitempty"`
	Tags           []string `json:"tags" yaml:"tags"`
	AddedTime      int64    `json:"addedTime" yaml:"addedTime"`
	SavePath       string   `json:"savePath,omitempty" yaml:"savePath,omitempty"`
	Downloaded     int64    `json:"downloaded" yaml:"downloaded"`
	Uploaded       int64    `json:"uploaded" yaml:"uploaded"`
	DLLimit        int64    `json:"dlLimit" yaml:"dlLimit"`
	UPLimit        int64    `json:"upLimit" yaml:"upLimit"`
	ForceStart     bool     `json:"forceStart" yaml:"forceStart"`
	Tracker        string   `json:"tracker,omitempty" yaml:"tracker,omitempty"`
	CompletionTime int64    `json:"completionTime,omitempty" yaml:"completionTime,omitempty"`
}

func newTorrent(id string) *UnifiedTorrent {
	return &UnifiedTorrent{
		ID:    id,
		State: StateQueued,
		Tags:  []string{},
	}
}

// Clone returns a deep copy.
func (t *UnifiedTorrent) Clone() *UnifiedTorrent {
	if t == nil {
		return nil
	}
	c := *t
	c.TotalSeeds = cloneInt(t.TotalSeeds)
	c.TotalPeers = cloneInt(t.TotalPeers)
	c.ConnectedSeeds = cloneInt(t.ConnectedSeeds)
	c.ConnectedPeers = cloneInt(t.ConnectedPeers)
	c.Tags = slices.Clone(t.Tags)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c
}

// HasTag reports whether the torrent carries tag.
func (t *UnifiedTorrent) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

type Category struct {
	Name     string `json:"name" yaml:"name"`
	SavePath string `json:"savePath" yaml:"savePath"`
}

// ServerState is the global aggregate. Every field is independently absent (nil)
// until a payload supplies it, after which the last known value is retained.
type ServerState struct {
	DLInfoSpeed       *int64  `json:"dlInfoSpeed,omitempty" yaml:"dlInfoSpeed,omitempty"`
	UPInfoSpeed       *int64  `json:"upInfoSpeed,omitempty" yaml:"upInfoSpeed,omitempty"`
	DLInfoData        *int64  `json:"dlInfoData,omitempty" yaml:"dlInfoData,omitempty"`
	UPInfoData        *int64  `json:"upInfoData,omitempty" yaml:"upInfoData,omitempty"`
	DLRateLimit       *int64  `json:"dlRateLimit,omitempty" yaml:"dlRateLimit,omitempty"`
	UPRateLimit       *int64  `json:"upRateLimit,omitempty" yaml:"upRateLimit,omitempty"`
	UseAltSpeedLimits *bool   `json:"useAltSpeedLimits,omitempty" yaml:"useAltSpeedLimits,omitempty"`
	ConnectionStatus  *string `json:"connectionStatus,omitempty" yaml:"connectionStatus,omitempty"`
	FreeSpaceOnDisk   *int64  `json:"freeSpaceOnDisk,omitempty" yaml:"freeSpaceOnDisk,omitempty"`
	DHTNodes          *int64  `json:"dhtNodes,omitempty" yaml:"dhtNodes,omitempty"`
	AllTimeDL         *int64  `json:"allTimeDL,omitempty" yaml:"allTimeDL,omitempty"`
	AllTimeUL         *int64  `json:"allTimeUL,omitempty" yaml:"allTimeUL,omitempty"`
}

func (s ServerState) clone() ServerState {
	c := s
	c.DLInfoSpeed = cloneInt(s.DLInfoSpeed)
	c.UPInfoSpeed = cloneInt(s.UPInfoSpeed)
	c.DLInfoData = cloneInt(s.DLInfoData)
	c.UPInfoData = cloneInt(s.UPInfoData)
	c.DLRateLimit = cloneInt(s.DLRateLimit)
	c.UPRateLimit = cloneInt(s.UPRateLimit)
	c.FreeSpaceOnDisk = cloneInt(s.FreeSpaceOnDisk)
	c.DHTNodes = cloneInt(s.DHTNodes)
	c.AllTimeDL = cloneInt(s.AllTimeDL)
	c.AllTimeUL = cloneInt(s.AllTimeUL)
	if s.UseAltSpeedLimits != nil {
		v := *s.UseAltSpeedLimits
		c.UseAltSpeedLimits = &v
	}
	if s.ConnectionStatus != nil {
		v := *s.ConnectionStatus
		c.ConnectionStatus = &v
	}
	return c
}

// TransferSettings is composed from one or more backend endpoints. Partial is set
// when any constituent failed and a default was substituted.
type TransferSettings struct {
	DownloadLimit    int64 `json:"downloadLimit" yaml:"downloadLimit"`
	UploadLimit      int64 `json:"uploadLimit" yaml:"uploadLimit"`
	AltDownloadLimit int64 `json:"altDownloadLimit" yaml:"altDownloadLimit"`
	AltUploadLimit   int64 `json:"altUploadLimit" yaml:"altUploadLimit"`
	AltEnabled       bool  `json:"altEnabled" yaml:"altEnabled"`
	Partial          bool  `json:"partial" yaml:"partial"`
}

// TransferSettingsPatch carries the settings to change; nil fields are left alone.
// Limits are bytes per second, 0 meaning unlimited.
type TransferSettingsPatch struct {
	DownloadLimit    *int64 `json:"downloadLimit,omitempty"`
	UploadLimit      *int64 `json:"uploadLimit,omitempty"`
	AltDownloadLimit *int64 `json:"altDownloadLimit,omitempty"`
	AltUploadLimit   *int64 `json:"altUploadLimit,omitempty"`
	AltEnabled       *bool  `json:"altEnabled,omitempty"`
}

func (p TransferSettingsPatch) Empty() bool {
	return p.DownloadLimit == nil && p.UploadLimit == nil && p.AltDownloadLimit == nil &&
		p.AltUploadLimit == nil && p.AltEnabled == nil
}

type TorrentProperties struct {
	SavePath        string  `json:"savePath,omitempty" yaml:"savePath,omitempty"`
	Comment         string  `json:"comment,omitempty" yaml:"comment,omitempty"`
	CreatedBy       string  `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreationDate    int64   `json:"creationDate,omitempty" yaml:"creationDate,omitempty"`
	PieceSize       int64   `json:"pieceSize" yaml:"pieceSize"`
	PiecesNum       int64   `json:"piecesNum" yaml:"piecesNum"`
	PiecesHave      int64   `json:"piecesHave" yaml:"piecesHave"`
	TotalWasted     int64   `json:"totalWasted" yaml:"totalWasted"`
	TotalDownloaded int64   `json:"totalDownloaded" yaml:"totalDownloaded"`
	TotalUploaded   int64   `json:"totalUploaded" yaml:"totalUploaded"`
	TimeElapsed     int64   `json:"timeElapsed" yaml:"timeElapsed"`
	SeedingTime     int64   `json:"seedingTime" yaml:"seedingTime"`
	ShareRatio      float64 `json:"shareRatio" yaml:"shareRatio"`
	Connections     int64   `json:"connections" yaml:"connections"`
	NextAnnounce    int64   `json:"nextAnnounce" yaml:"nextAnnounce"`
}

type TorrentFile struct {
	Index    int     `json:"index" yaml:"index"`
	Name     string  `json:"name" yaml:"name"`
	Size     int64   `json:"size" yaml:"size"`
	Progress float64 `json:"progress" yaml:"progress"`
	Priority int     `json:"priority" yaml:"priority"`
	Wanted   bool    `json:"wanted" yaml:"wanted"`
}

type TorrentTracker struct {
	URL      string `json:"url" yaml:"url"`
	Tier     int    `json:"tier" yaml:"tier"`
	Status   string `json:"status" yaml:"status"`
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`
	Seeds    *int64 `json:"seeds,omitempty" yaml:"seeds,omitempty"`
	Leechers *int64 `json:"leechers,omitempty" yaml:"leechers,omitempty"`
	Peers    *int64 `json:"peers,omitempty" yaml:"peers,omitempty"`
}

type TorrentPeer struct {
	Address  string  `json:"address" yaml:"address"`
	Client   string  `json:"client,omitempty" yaml:"client,omitempty"`
	Progress float64 `json:"progress" yaml:"progress"`
	DLSpeed  int64   `json:"dlspeed" yaml:"dlspeed"`
	UPSpeed  int64   `json:"upspeed" yaml:"upspeed"`
	Flags    string  `json:"flags,omitempty" yaml:"flags,omitempty"`
	Country  string  `json:"country,omitempty" yaml:"country,omitempty"`
}

// UnifiedTorrentDetail always carries the torrent row. Optional sections are nil
// when their source failed, which is distinct from a confirmed empty slice.
type UnifiedTorrentDetail struct {
	UnifiedTorrent `yaml:",inline"`
	Properties     *TorrentProperties `json:"properties,omitempty" yaml:"properties,omitempty"`
	Files          []TorrentFile      `json:"files" yaml:"files"`
	Trackers       []TorrentTracker   `json:"trackers" yaml:"trackers"`
	Peers          []TorrentPeer      `json:"peers" yaml:"peers"`
	Partial        bool               `json:"partial" yaml:"partial"`
	// FailedSources names the sources that could not be read.
	FailedSources []string `json:"failedSources,omitempty" yaml:"failedSources,omitempty"`
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Int64Ptr is a convenience for building patches and fixtures.
func Int64Ptr(v int64) *int64 {
	return &v
}

func BoolPtr(v bool) *bool {
	return &v
}
