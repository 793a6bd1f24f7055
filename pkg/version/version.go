package version

// Build variables set through ldflags:
// -X 'github.com/compozy/taskengine/pkg/version.Version=v1.0.0'
// -X 'github.com/compozy/taskengine/pkg/version.CommitHash=abc123'
// -X 'github.com/compozy/taskengine/pkg/version.BuildDate=2024-01-01T00:00:00Z'
var (
	Version    = "unknown"
	CommitHash = "unknown"
	// BuildDate is RFC3339.
	BuildDate = "unknown"
)

// Info is the build information of the binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildDate  string `json:"build_date"`
}

func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildDate:  BuildDate,
	}
}
