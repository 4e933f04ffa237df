// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// SafeNum coerces raw into a finite float64. Booleans, nil, NaN, Inf and strings
// that do not parse as numbers yield fallback.
func SafeNum(raw any, fallback float64) float64 {
	var (
		v   float64
		err error
	)

	switch n := raw.(type) {
	case nil, bool:
		return fallback
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return fallback
		}
		v, err = strconv.ParseFloat(s, 64)
	case json.Number:
		v, err = n.Float64()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		v, err = cast.ToFloat64E(n)
	default:
		return fallback
	}

	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// SafeInt is SafeNum truncated toward zero.
func SafeInt(raw any, fallback int64) int64 {
	v := SafeNum(raw, math.NaN())
	if math.IsNaN(v) {
		return fallback
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	if v <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(v)
}

// SafeBool treats true, 1, "1" and "true" as true and everything else as false.
func SafeBool(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s == "1" || s == "true"
	case nil:
		return false
	}
	return SafeNum(raw, 0) == 1
}

// ResolveSwarmCount maps the backend's swarm count encoding to a known count or
// nil. -1 is the "unknown" sentinel; any other negative is malformed.
func ResolveSwarmCount(raw any) *int64 {
	v := SafeNum(raw, math.NaN())
	if math.IsNaN(v) || v < 0 {
		return nil
	}
	n := int64(v)
	return &n
}

// HasKey reports key presence regardless of the value, including explicit nulls.
func HasKey(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	_, ok := payload[key]
	return ok
}

// PickBestAvailable returns the first known count among total, connected and legacy.
func PickBestAvailable(total, connected, legacy *int64) int64 {
	for _, v := range []*int64{total, connected, legacy} {
		if v != nil {
			return *v
		}
	}
	return 0
}

// SafeString accepts strings and formats numbers. Anything else is rejected.
func SafeString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool, nil:
		return "", false
	}
	f := SafeNum(raw, math.NaN())
	if math.IsNaN(f) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// NormalizeTags accepts either an array of strings or a comma separated string and
// returns a sorted, de-duplicated set with blank entries dropped.
func NormalizeTags(raw any) ([]string, bool) {
	var parts []string

	switch v := raw.(type) {
	case nil:
		return []string{}, true
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []any:
		parts = make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			parts = append(parts, s)
		}
	default:
		return nil, false
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), true
}

// ClampProgress keeps progress inside [0, 1].
func ClampProgress(p float64) float64 {
	return math.Min(1, math.Max(0, p))
}

// NormalizeETA maps negative values to ETAUnbounded.
func NormalizeETA(eta int64) int64 {
	if eta < 0 || eta > ETAUnbounded {
		return ETAUnbounded
	}
	return eta
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
