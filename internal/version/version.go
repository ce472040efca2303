// Package version carries build metadata injected with -ldflags, e.g.
// -X pricestore/internal/version.Version=v1.2.0.
package version

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
