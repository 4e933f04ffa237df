// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

// Set via ldflags.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

var UserAgent = "tmsync/" + Version

// String renders the version line printed by the version command.
func String() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, Commit, Date)
}
