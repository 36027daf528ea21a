// Package version provides build-time version information for the application.
package version

import "runtime"

// Set with -ldflags "-X lessongen/internal/version.Version=..." at build time
var (
	Version   = "dev"
	Commit    = "dev"
	BuildTime = "unknown"
)

// Info describes the running build
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// Get returns the build information for service
func Get(service string) Info {
	return Info{
		Service:   service,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// String renders the build as "service dev (commit dev, built unknown)"
func (i Info) String() string {
	return i.Service + " " + i.Version + " (commit " + i.Commit + ", built " + i.BuildTime + ")"
}
