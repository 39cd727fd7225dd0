// Package buildinfo provides build-time properties injected via ldflags.
//
// When the binary was built without ldflags the VCS settings recorded by
// the Go toolchain are used instead.
package buildinfo

import "runtime/debug"

const unknown = "unknown"

// Properties holds build-time properties injected via ldflags.
type Properties struct {
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version,omitempty"`
}

// Package-level variables for ldflags injection (unexported).
var (
	buildTime = unknown
	gitCommit = unknown
)

// Get returns the current build properties.
func Get() Properties {
	props := Properties{
		BuildTime: buildTime,
		GitCommit: gitCommit,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return props
	}
	props.GoVersion = info.GoVersion
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && props.GitCommit == unknown:
			props.GitCommit = s.Value
		case s.Key == "vcs.time" && props.BuildTime == unknown:
			props.BuildTime = s.Value
		}
	}
	return props
}
