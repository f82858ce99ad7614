package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/ramiqadoumi/tbwo/internal/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info is the build metadata reported by the CLI and the API.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: GoVersion(),
	}
}

// String renders the metadata on one line.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", i.Version, i.GitCommit, i.BuildTime, i.GoVersion)
}

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
