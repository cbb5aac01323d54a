package transport

import (
	"context"
	"errors"

	"Bitvault/internal/protocol"
)

var (
	// ErrUnreachable is returned when a request cannot be handed to the addressed pillar.
	ErrUnreachable = errors.New("pillar unreachable")

	// ErrIdentityMismatch is returned when a pillar presents a key other than the pinned one.
	ErrIdentityMismatch = errors.New("pillar identity mismatch")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport delivers request envelopes to pillars and reports reply envelopes.
// Delivery is point-to-point; env.To names the destination pillar.
type Transport interface {
	// Send hands env to its destination. It does not wait for a reply.
	Send(ctx context.Context, env *protocol.Envelope) error

	// OnReply sets the callback receiving every reply envelope.
	OnReply(fn func(env *protocol.Envelope))

	// Close releases connections. Replies are no longer reported afterwards.
	Close() error
}
