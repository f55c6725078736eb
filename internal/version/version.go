// Package version carries build information set with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetInfo returns the current version info.
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String returns "mailbridge <version> (<commit>)".
func String() string {
	return fmt.Sprintf("mailbridge %s (%s)", Version, GitCommit)
}

// Full adds the build date and Go version to String.
func Full() string {
	return fmt.Sprintf("%s built %s with %s", String(), BuildDate, runtime.Version())
}
