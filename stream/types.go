// Package stream implements the synchronous SSE token stream and its async
// fallback (spec §4.10), grounded on api/handlers/chat.go's HandleStream.
package stream

import (
	"context"

	"github.com/noderouter/noderouter/proto"
)

// ModelIntent is the canonical intent /complete and /stream route through:
// the router and providercfg layers both key "model.*" intents on this
// prefix, so every node serving generation capabilities claims a capability
// named with it.
const ModelIntent = "model.generate"

// Chunk is one unit of token output from a streaming node.
type Chunk struct {
	Text string
	Err  *proto.Message
}

// StreamDispatcher is the optional streaming extension a node's handler may
// implement alongside registry.Dispatcher. Nodes that only implement
// Dispatch still serve /stream: their whole response is sent as a single
// token event.
type StreamDispatcher interface {
	DispatchStream(ctx context.Context, msg *proto.Message) (<-chan Chunk, error)
}
