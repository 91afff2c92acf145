// Package version carries build metadata injected with -ldflags, e.g.
// -X tranche-ledger/internal/version.Version=v1.2.0.
package version

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders the three fields on one line.
func String() string {
	return Version + " (" + Commit + ", " + BuildDate + ")"
}
