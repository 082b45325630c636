package nix

import "go.trai.ch/e3/internal/core/ports"

// NewEnvFactory creates a new EnvironmentFactory with the default cache directory.
// This is a convenience wrapper for dependency injection that uses the standard cache path.
func NewEnvFactory(
	resolver ports.DependencyResolver,
	telem ports.Telemetry,
) *EnvFactory {
	return NewEnvFactoryWithCache(resolver, telem, ".e3/cache/environments")
}
