// Package gateway defines the contract for Omni's inbound surfaces.
package gateway

import "context"

// Gateway accepts traffic from outside the process and feeds it to the
// event bus or the management services.
type Gateway interface {
	// Start serves until ctx is canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Stop stops intake and waits for in-flight requests until the
	// context deadline.
	Stop(ctx context.Context) error
}
