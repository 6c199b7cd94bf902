// Package version holds build-time identifying information, overridable
// via -ldflags at release build time.
package version

// Version and Commit default to "dev"/"none" for local builds and are set
// by the release build pipeline via -ldflags "-X ...".
var (
	Version = "dev"
	Commit  = "none"
)
