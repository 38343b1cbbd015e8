// Package version holds build information for the k8s-cache binary.
// Values are set at build time via ldflags, e.g.
//
//	go build -ldflags "-X github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/version.Version=1.0.0"
package version

import "os"

// EnvUserAgent overrides the User-Agent sent to Kubernetes API servers
const EnvUserAgent = "K8S_CACHE_USER_AGENT"

var (
	Version   = "0.1.0"
	Commit    = "none"
	BuildDate = "unknown"
	Tag       = "none"
)

// UserAgent returns K8S_CACHE_USER_AGENT when set, otherwise "renku-k8s-cache/<version>"
func UserAgent() string {
	if ua := os.Getenv(EnvUserAgent); ua != "" {
		return ua
	}
	return "renku-k8s-cache/" + Version
}

// Info returns all version information as a struct
func Info() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		Tag:       Tag,
	}
}

type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
	Tag       string
}
