// Package store defines the persistence interfaces for the engine's state:
// orders, fills, positions, protection links, and commands. The engine is
// the only writer; the control plane reads through the same interfaces.
package store

import (
	"context"

	"helmsman/internal/domain"
)

// OrderFilter narrows ListOrders. A zero filter returns the most recent
// orders up to Limit.
type OrderFilter struct {
	Status domain.OrderStatus
	Symbol string
	Open   bool // only non-terminal orders
	Limit  int
}

// OrderStore persists and retrieves order records. Lookups return (nil, nil)
// when no record exists.
type OrderStore interface {
	// SaveOrder inserts a new order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves an order by its engine-issued id.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderByBrokerID retrieves an order by the broker-assigned id.
	GetOrderByBrokerID(ctx context.Context, brokerID string) (*domain.Order, error)

	// ListOrders returns orders matching the filter, newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// FillStore persists executions. Fills are append-only and keyed by
// (order id, sequence number) so replays are no-ops.
type FillStore interface {
	// RecordFill inserts the fill if its key is unseen. It reports whether a
	// row was inserted.
	RecordFill(ctx context.Context, fill domain.Fill) (bool, error)

	// ListFills returns all fills for an order in sequence order.
	ListFills(ctx context.Context, orderID string) ([]domain.Fill, error)
}

// PositionStore holds the broker-authoritative position snapshot.
type PositionStore interface {
	// ReplacePositions swaps the whole snapshot for the given one.
	ReplacePositions(ctx context.Context, positions []domain.Position) error

	// GetPosition retrieves the position for a symbol, (nil, nil) if flat.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns the current snapshot.
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// ProtectionStore persists entry-to-protective-order links.
type ProtectionStore interface {
	// SaveLink inserts a new link. Inserting a second active link for the
	// same entry order fails.
	SaveLink(ctx context.Context, link *domain.ProtectionLink) error

	// ActiveLink returns the non-detached link for an entry order, or
	// (nil, nil) when the entry is unprotected.
	ActiveLink(ctx context.Context, entryOrderID string) (*domain.ProtectionLink, error)

	// UpdateLink persists changes to the active link for its entry order.
	UpdateLink(ctx context.Context, link *domain.ProtectionLink) error

	// ListLinks returns all links, newest first.
	ListLinks(ctx context.Context) ([]domain.ProtectionLink, error)
}

// CommandStore persists operator commands and their results. Commands are
// never deleted; every result stays queryable by id.
type CommandStore interface {
	// SaveCommand inserts a newly received command.
	SaveCommand(ctx context.Context, cmd *domain.Command) error

	// GetCommand retrieves a command by id, (nil, nil) when unknown.
	GetCommand(ctx context.Context, id string) (*domain.Command, error)

	// UpdateCommand persists a status/result change.
	UpdateCommand(ctx context.Context, cmd *domain.Command) error

	// ListCommands returns recent commands, newest first.
	ListCommands(ctx context.Context, limit int) ([]domain.Command, error)
}

// StateStore is the full persistence surface used by the engine.
type StateStore interface {
	OrderStore
	FillStore
	PositionStore
	ProtectionStore
	CommandStore

	Close() error
}
