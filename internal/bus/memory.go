package bus

import (
	"context"

	"helmsman/internal/domain"
)

// Compile-time interface check.
var _ Bus = (*MemoryBus)(nil)

// MemoryBus implements Bus over a buffered channel. It backs tests and
// single-process deployments that run without Redis.
type MemoryBus struct {
	ch chan *domain.Command
}

// NewMemoryBus creates an in-process bus with the given queue capacity.
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryBus{ch: make(chan *domain.Command, capacity)}
}

// Publish enqueues a command, failing if the queue is full.
func (b *MemoryBus) Publish(ctx context.Context, cmd *domain.Command) error {
	select {
	case b.ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers commands to handle until ctx is cancelled.
func (b *MemoryBus) Consume(ctx context.Context, handle func(*domain.Command)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-b.ch:
			handle(cmd)
		}
	}
}

// Close is a no-op for the in-process bus.
func (b *MemoryBus) Close() error {
	return nil
}
