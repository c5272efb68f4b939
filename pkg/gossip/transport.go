package gossip

import (
	"context"

	"github.com/ryandielhenn/zephyrcast/pkg/proto"
)

// Caller issues a request to another node and waits for its reply.
// *rpc.Correlator satisfies it; tests swap in fakes.
type Caller interface {
	Call(ctx context.Context, to string, body proto.Body) (proto.Body, error)
}
