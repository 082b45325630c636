package hashutil

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/e3/internal/core/ports"
)

const NodeID graft.ID = "adapter.hasher"

func init() {
	graft.Register(graft.Node[ports.Hasher]{
		ID:        NodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.Hasher, error) {
			return New(), nil
		},
	})
}
