// Package version carries build information set at link time.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/NERVsystems/tilestream/pkg/version.BuildVersion=..."
var (
	BuildVersion = "0.1.0"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)

// Commit returns the linked commit, falling back to the VCS stamp embedded by
// the go tool.
func Commit() string {
	if BuildCommit != "unknown" {
		return BuildCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				return s.Value[:7]
			}
		}
	}
	return BuildCommit
}

// Info returns the build information as labels.
func Info() map[string]string {
	return map[string]string{
		"version":    BuildVersion,
		"commit":     Commit(),
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}

// String formats the build information for -version.
func String() string {
	return fmt.Sprintf("tilestream %s (commit %s, built %s, %s)",
		BuildVersion, Commit(), BuildDate, runtime.Version())
}
