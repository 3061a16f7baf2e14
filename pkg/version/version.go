// Package version reports build information for codesearch.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time:
//
//	-X github.com/Aman-CERP/codesearch/pkg/version.Version=$(VERSION)
var Version = "dev"

// Commit and Date are set at build time the same way as Version.
var (
	Commit = "unknown"
	Date   = "unknown" // RFC3339
)

// BuildInfo is the JSON form of the version command.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a one-line description of the build.
func String() string {
	return fmt.Sprintf("codesearch %s (commit: %s, built: %s, go: %s, %s/%s)",
		Version, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
