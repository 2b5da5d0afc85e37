// Package gateway defines the interface for sandboxd entry points that run
// alongside the engine.
package gateway

import "context"

// Gateway is a long-running listener started by the serve command.
type Gateway interface {
	// Start blocks until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
