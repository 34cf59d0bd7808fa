package version

import (
	"fmt"
	"runtime"
)

// Name is the application name reported by /version and in User-Agent headers.
const Name = "rndc-batch-server"

// Build metadata, set with -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns build information for the /version endpoint.
func Info() map[string]string {
	return map[string]string{
		"name":      Name,
		"version":   Version,
		"gitCommit": GitCommit,
		"buildTime": BuildTime,
		"goVersion": runtime.Version(),
	}
}

// String returns a one-line version banner.
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", Name, Version, GitCommit, BuildTime)
}

// UserAgent returns the User-Agent sent to the registry and to the batch API.
func UserAgent() string {
	return Name + "/" + Version
}
