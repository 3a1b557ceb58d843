// Package broker defines the Gateway interface over the brokerage API and
// provides the Alpaca implementation plus an in-memory simulator used for
// paper sessions and tests.
package broker

import (
	"context"

	"helmsman/internal/domain"
)

// OrderListFilter narrows ListOrders calls against the broker.
type OrderListFilter struct {
	// Open restricts results to non-terminal orders.
	Open bool
	// Limit caps the number of returned orders; 0 means the broker default.
	Limit int
}

// Gateway abstracts the brokerage. Order snapshots returned by Gateway
// methods carry the broker's view: BrokerOrderID, Status, FilledQty and
// FilledAvgPrice reflect broker truth, and ID holds the client order id the
// engine issued at submission.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetAccount returns a snapshot of account metrics.
	GetAccount(ctx context.Context) (*domain.Account, error)

	// ListPositions returns all currently held positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// ListOrders returns order snapshots matching the filter.
	ListOrders(ctx context.Context, f OrderListFilter) ([]domain.Order, error)

	// GetOrderByClientID returns the order snapshot for a client order id,
	// or (nil, nil) when the broker has no such order.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// SubmitOrder places an order and returns the broker's initial snapshot.
	SubmitOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by broker order id.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// StreamEvents blocks delivering normalized order-lifecycle events to
	// onEvent until the stream fails or ctx is cancelled. A nil return means
	// ctx ended the stream.
	StreamEvents(ctx context.Context, onEvent func(domain.OrderEvent)) error

	// Session reports the current trading session.
	Session(ctx context.Context) (domain.Session, error)
}
