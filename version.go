package flex

// Version information for the Flex orchestrator.
const (
	// Version is the current release version
	Version = "development"

	// APIVersion is the current API version
	APIVersion = "v1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
