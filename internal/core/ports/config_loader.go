package ports

// RepoLocator resolves the repository root directory per the discovery
// order: explicit flag, E3_REPO env var, walking cwd and its
// ancestors looking for a repo marker, falling back to ~/.e3.
//
//go:generate go run go.uber.org/mock/mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type RepoLocator interface {
	// Locate resolves the repository root for the given explicit flag
	// value (empty if not passed) and starting working directory.
	Locate(explicit, cwd string) (string, error)
}
