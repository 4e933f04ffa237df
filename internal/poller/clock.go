// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so the driver can be stepped deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is backed by the time package.
var RealClock Clock = realClock{}
