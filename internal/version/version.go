package version

// Overridden at build time via -ldflags "-X".
var (
	Version = "dev"
	Commit  = "none"
)
