// Package discovery implements the repository locator,
// finding a repo root the way a version-control tool finds its working
// tree: an explicit argument first, then environment, then walking
// upward from cwd, then a fixed fallback under the user's home.
package discovery

import (
	"os"
	"path/filepath"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
)

const (
	repoEnvVar  = "E3_REPO"
	fallbackDir = ".e3"
)

// requiredDirs are the five directories that make a repository valid
// per the repository layout.
var requiredDirs = [...]string{"objects", "packages", "executions", "workspaces", "tmp"}

var _ ports.RepoLocator = (*Locator)(nil)

// Locator implements ports.RepoLocator.
type Locator struct {
	homeDir func() (string, error)
}

// New creates a Locator using os.UserHomeDir for the fallback directory.
func New() *Locator {
	return &Locator{homeDir: os.UserHomeDir}
}

// NewWithHome creates a Locator using homeDir in place of os.UserHomeDir,
// for tests that need a deterministic fallback location.
func NewWithHome(homeDir func() (string, error)) *Locator {
	return &Locator{homeDir: homeDir}
}

// Locate resolves the repository root, trying in order: explicit, the
// E3_REPO environment variable, cwd and its ancestors, then ~/.e3.
// Ancestor-walking and the env var candidate both require a *valid*
// repository (all five directories present); the explicit argument and
// the home fallback are accepted even if not yet initialized, so `e3
// init`-style first use has somewhere to create them.
func (l *Locator) Locate(explicit, cwd string) (string, error) {
	if explicit != "" {
		return filepath.Clean(explicit), nil
	}
	if env := os.Getenv(repoEnvVar); env != "" {
		if IsValidRepo(env) {
			return filepath.Clean(env), nil
		}
	}
	if found, ok := l.walkAncestors(cwd); ok {
		return found, nil
	}
	home, err := l.homeDir()
	if err != nil {
		return "", domain.WithField(domain.ErrNotFound, "cause", err.Error())
	}
	return filepath.Join(home, fallbackDir), nil
}

func (l *Locator) walkAncestors(cwd string) (string, bool) {
	dir := filepath.Clean(cwd)
	for {
		if IsValidRepo(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// IsValidRepo reports whether dir contains all five directories the repository layout
// requires of a repository.
func IsValidRepo(dir string) bool {
	for _, name := range requiredDirs {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// Init creates the five required directories under dir, making it a
// valid repository.
func Init(dir string) error {
	for _, name := range requiredDirs {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o750); err != nil {
			return domain.WithField(domain.ErrInvalid, "cause", err.Error())
		}
	}
	return nil
}
