// Package version exposes build metadata set with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/realtime-client/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/realtime-client/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/realtime-client/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "fmt"

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the build metadata reported by the health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

// String returns a formatted version string.
func String() string {
	return fmt.Sprintf("%s (%s) built %s", Version, Commit, BuildTime)
}

// UserAgent identifies the client in handshake and token requests.
func UserAgent(product string) string {
	return fmt.Sprintf("%s/%s (%s)", product, Version, Commit)
}
