// SPDX-License-Identifier: MIT

// Package version carries the build identity, populated by ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of this build.
	Version = "v0.1.0"

	// Commit is the git short hash of the build.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identity.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
