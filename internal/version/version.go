// Package version holds build-time identifiers, overridden via -ldflags at
// build time.
package version

var (
	Version = "dev"
	Commit  = "none"
)
