// Package gateway defines the interface for user-facing entry points.
package gateway

import "context"

// Gateway is a network entry point to the sandbox (HTTP API, MCP over stdio).
type Gateway interface {
	// Start serves until ctx is canceled or the gateway fails. It returns
	// an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
