package flow

import (
	"context"

	"github.com/teslamotors/ble-flowcontrol/pkg/capability"
)

// Endpoint is a transport-level channel, typically a remote characteristic. Endpoints are owned
// by the transport; the engine only holds a reference while a transfer is active.
type Endpoint interface {
	// ID uniquely identifies the endpoint. Inbound data is routed by this value.
	ID() string

	// Capabilities returns what the endpoint supports.
	Capabilities() capability.Set

	// MaxChunkSize returns the largest payload a single write may carry. It must not change while
	// the endpoint is in use.
	MaxChunkSize() int
}

// Transport performs physical writes.
type Transport interface {
	// WriteChunk writes chunk to endpoint using mode. The engine never passes a chunk longer than
	// endpoint.MaxChunkSize().
	//
	// Implementations must be thread safe, and must deliver the receiver's replies to
	// HandleInbound from another goroutine; a reply may arrive before WriteChunk returns.
	WriteChunk(ctx context.Context, endpoint Endpoint, chunk []byte, mode capability.WriteMode) error
}
