// Package version holds build-time identifiers injected via -ldflags.
package version

var (
	// Version is the semantic version or "dev" for local builds.
	Version = "dev"
	// Commit is the short git SHA the binary was built from.
	Commit = "unknown"
)
