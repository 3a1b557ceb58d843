// Package bus carries operator commands from external intake (web UI, chat
// bot, CLI) into the engine. The wire format is one JSON-encoded command per
// message.
package bus

import (
	"context"

	"helmsman/internal/domain"
)

// Bus is a point-to-point command queue. Publish enqueues a command;
// Consume blocks delivering commands to the handler until ctx is cancelled.
type Bus interface {
	// Publish enqueues a command for the engine.
	Publish(ctx context.Context, cmd *domain.Command) error

	// Consume blocks, invoking handle for each received command, until ctx
	// is cancelled. Messages that fail to decode are dropped with a log
	// entry; they never stop the consumer.
	Consume(ctx context.Context, handle func(*domain.Command)) error

	// Close releases the underlying connection.
	Close() error
}
