package version

// Set at build time via -ldflags "-X github.com/mykhaliev/mcp-chaos-harness/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
