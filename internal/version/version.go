package version

// Set via -ldflags "-X github.com/throw-if-null/catalyst/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
)

// String renders the version for banners and --version output.
func String() string {
	return Version + " (" + Commit + ")"
}
