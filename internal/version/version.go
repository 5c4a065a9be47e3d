// Package version holds build metadata injected with -ldflags, e.g.
//
//	-X sharerepo/internal/version.Version=v0.3.0 -X sharerepo/internal/version.CommitHash=abc123
package version

import "fmt"

var (
	Version    = "devel"
	CommitHash = "unknown"
)

func GetVersionString() string {
	return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
}
