// Package version holds the build version string.
package version

// Version is overridden at link time via
// -ldflags "-X geopop/pkg/version.Version=v1.2.3".
var Version = "dev"
