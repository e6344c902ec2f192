package version

var (
	// Version contains the current version of reachd
	Version = "dev"

	// CommitHash contains the current git commit hash
	CommitHash = "unknown"

	// BuildTime contains the time of build
	BuildTime = "unknown"
)

// ProtocolVersion is the reachability stream protocol this build speaks.
const ProtocolVersion = "1.0.0"
