// Package version exposes the release version and build information of the
// pipeline binaries.
package version

import (
	"runtime/debug"
)

// Version is the release version, overridable at build time via
// -ldflags "-X docproc.evalgo.org/version.Version=v1.2.3".
var Version = "v0.1.0"

// BuildInfo contains build-time information embedded by the Go toolchain.
type BuildInfo struct {
	Version    string `json:"version"`
	GoVersion  string `json:"goVersion"`
	MainModule string `json:"mainModule"`
	VCSCommit  string `json:"vcsCommit,omitempty"`
	VCSTime    string `json:"vcsTime,omitempty"`
}

// GetBuildInfo extracts build information from the running binary.
func GetBuildInfo() *BuildInfo {
	out := &BuildInfo{Version: Version}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		out.GoVersion = "unknown"
		out.MainModule = "unknown"
		return out
	}

	out.GoVersion = info.GoVersion
	out.MainModule = info.Path
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.VCSCommit = setting.Value
		case "vcs.time":
			out.VCSTime = setting.Value
		}
	}
	return out
}
