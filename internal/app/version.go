// Package app holds build information.
package app

// Set at build time with -ldflags "-X".
var (
	Version     = "dev"
	BuildCommit = "unknown"
)
