// Package version exposes build information for the shipper binary.
//
// Values are injected with ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/shipper/internal/version.Version=1.0.0 \
//	                   -X github.com/jmylchreest/shipper/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/shipper/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "shipper"

// Info is the structured form reported by the version command and the health API.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// vcs falls back to the revision and time the Go toolchain stamps into
// binaries built from a checkout, for builds without ldflags.
var vcs = sync.OnceValues(func() (revision, built string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			built = s.Value
		}
	}
	return revision, built
})

func commit() string {
	if Commit != "unknown" {
		return Commit
	}
	if rev, _ := vcs(); rev != "" {
		return rev
	}
	return Commit
}

func date() string {
	if Date != "unknown" {
		return Date
	}
	if _, built := vcs(); built != "" {
		return built
	}
	return Date
}

// GetInfo returns the build information of the running binary.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    commit(),
		Date:      date(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// shortCommit trims the commit to 8 characters, or returns "" when unknown.
func shortCommit() string {
	c := commit()
	if c == "unknown" || len(c) < 8 {
		return ""
	}
	return c[:8]
}

// String returns a human-readable version line.
func String() string {
	info := GetInfo()
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns a compact version for --version output.
func Short() string {
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, Version, c)
	}
	return fmt.Sprintf("%s %s", ApplicationName, Version)
}

// UserAgent returns the User-Agent sent by the HTTP object store.
func UserAgent() string {
	return ApplicationName + "/" + Version
}
