package nix

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/e3/internal/adapters/telemetry/progrock"
	"go.trai.ch/e3/internal/core/ports"
)

const (
	// ResolverNodeID is the unique identifier for the Nix dependency resolver Graft node.
	ResolverNodeID graft.ID = "adapter.nix.resolver"
	// EnvFactoryNodeID is the unique identifier for the Nix environment factory Graft node.
	EnvFactoryNodeID graft.ID = "adapter.nix.env_factory"
)

func init() {
	// Dependency Resolver Node
	graft.Register(graft.Node[ports.DependencyResolver]{
		ID:        ResolverNodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.DependencyResolver, error) {
			resolver, err := NewResolver()
			if err != nil {
				return nil, err
			}
			return resolver, nil
		},
	})

	// Environment Factory Node
	graft.Register(graft.Node[ports.EnvironmentFactory]{
		ID:        EnvFactoryNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{ResolverNodeID, progrock.NodeID},
		Run: func(ctx context.Context) (ports.EnvironmentFactory, error) {
			resolver, err := graft.Dep[ports.DependencyResolver](ctx)
			if err != nil {
				return nil, err
			}
			telem, err := graft.Dep[ports.Telemetry](ctx)
			if err != nil {
				return nil, err
			}
			return NewEnvFactory(resolver, telem), nil
		},
	})
}
