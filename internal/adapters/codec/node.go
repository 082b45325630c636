package codec

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/e3/internal/core/ports"
)

const NodeID graft.ID = "adapter.codec"

func init() {
	graft.Register(graft.Node[ports.Codec]{
		ID:        NodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.Codec, error) {
			return New(), nil
		},
	})
}
