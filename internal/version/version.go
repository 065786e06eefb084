// Package version reports build information of the gateway binary.
//
// Version, Commit and BuildTime are set with ldflags:
//
//	go build -ldflags "-X github.com/marketcalls/openalgo-sub010/internal/version.Version=1.2.0 \
//	                   -X github.com/marketcalls/openalgo-sub010/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/marketcalls/openalgo-sub010/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	    ./cmd/gateway
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the build information served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime + " with " + runtime.Version()
}
