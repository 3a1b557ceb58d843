package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"helmsman/internal/domain"
	"helmsman/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// AlpacaGateway implements Gateway against the Alpaca trading API.
type AlpacaGateway struct {
	client  *alpacaapi.Client
	limiter *util.RateLimiter
}

// NewAlpacaGateway creates a gateway configured with the given credentials
// and API endpoint. REST calls share a rate limiter sized to the account's
// per-minute request allowance.
func NewAlpacaGateway(apiKey, apiSecret, baseURL string, requestsPerMin int) *AlpacaGateway {
	return &AlpacaGateway{
		client: alpacaapi.NewClient(alpacaapi.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		limiter: util.NewRateLimiter(requestsPerMin),
	}
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string {
	return "alpaca"
}

// GetAccount returns a snapshot of account metrics.
func (g *AlpacaGateway) GetAccount(ctx context.Context) (*domain.Account, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	acct, err := g.client.GetAccount()
	if err != nil {
		return nil, classify(err)
	}
	return &domain.Account{
		ID:          acct.ID,
		Cash:        acct.Cash,
		Equity:      acct.Equity,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// ListPositions returns all currently held positions.
func (g *AlpacaGateway) ListPositions(ctx context.Context) ([]domain.Position, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := g.client.GetPositions()
	if err != nil {
		return nil, classify(err)
	}
	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		if p.Side == "short" {
			qty = qty.Neg()
		}
		positions = append(positions, domain.Position{
			Symbol:        p.Symbol,
			Qty:           qty,
			AvgEntryPrice: p.AvgEntryPrice,
			MarketValue:   p.MarketValue,
			UnrealizedPL:  p.UnrealizedPL,
			UpdatedAt:     now,
		})
	}
	return positions, nil
}

// ListOrders returns order snapshots matching the filter.
func (g *AlpacaGateway) ListOrders(ctx context.Context, f OrderListFilter) ([]domain.Order, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	status := "all"
	if f.Open {
		status = "open"
	}
	raw, err := g.client.GetOrders(alpacaapi.GetOrdersRequest{
		Status: status,
		Limit:  f.Limit,
	})
	if err != nil {
		return nil, classify(err)
	}
	orders := make([]domain.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, *fromAlpacaOrder(&raw[i]))
	}
	return orders, nil
}

// GetOrderByClientID returns the order snapshot for a client order id.
func (g *AlpacaGateway) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := g.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		var apiErr *alpacaapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, classify(err)
	}
	return fromAlpacaOrder(raw), nil
}

// SubmitOrder places an order and returns the broker's initial snapshot.
func (g *AlpacaGateway) SubmitOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	qty := spec.Qty
	raw, err := g.client.PlaceOrder(alpacaapi.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &qty,
		Side:          alpacaapi.Side(spec.Side),
		Type:          alpacaapi.OrderType(spec.Type),
		TimeInForce:   alpacaapi.TimeInForce(spec.TimeInForce),
		LimitPrice:    spec.LimitPrice,
		StopPrice:     spec.StopPrice,
		TrailPercent:  spec.TrailPercent,
		ClientOrderID: spec.ClientOrderID,
		ExtendedHours: spec.ExtendedHours,
	})
	if err != nil {
		return nil, classify(err)
	}
	return fromAlpacaOrder(raw), nil
}

// CancelOrder requests cancellation by broker order id.
func (g *AlpacaGateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := g.client.CancelOrder(brokerOrderID); err != nil {
		return classify(err)
	}
	return nil
}

// StreamEvents blocks delivering trade updates until the stream fails or ctx
// is cancelled.
func (g *AlpacaGateway) StreamEvents(ctx context.Context, onEvent func(domain.OrderEvent)) error {
	err := g.client.StreamTradeUpdates(ctx, func(tu alpacaapi.TradeUpdate) {
		ev, ok := fromTradeUpdate(tu)
		if !ok {
			return
		}
		onEvent(ev)
	}, alpacaapi.StreamTradeUpdatesRequest{})
	if err != nil && ctx.Err() == nil {
		return domain.E(domain.KindTransient, err)
	}
	return nil
}

// Session reports the current trading session from the market clock.
func (g *AlpacaGateway) Session(ctx context.Context) (domain.Session, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	clk, err := g.client.GetClock()
	if err != nil {
		return "", classify(err)
	}
	if clk.IsOpen {
		return domain.SessionRegular, nil
	}
	return domain.SessionClosed, nil
}

// fromAlpacaOrder converts a broker order snapshot to the domain view. The
// result's ID carries the client order id the engine issued.
func fromAlpacaOrder(o *alpacaapi.Order) *domain.Order {
	out := &domain.Order{
		ID:                 o.ClientOrderID,
		BrokerOrderID:      o.ID,
		Symbol:             o.Symbol,
		Side:               domain.Side(o.Side),
		Type:               domain.OrderType(o.Type),
		TimeInForce:        domain.TimeInForce(o.TimeInForce),
		Status:             mapOrderStatus(o.Status),
		FilledQty:          o.FilledQty,
		FilledAvgPrice:     o.FilledAvgPrice,
		LimitPrice:         o.LimitPrice,
		StopPrice:          o.StopPrice,
		TrailPercent:       o.TrailPercent,
		CreatedAt:          o.CreatedAt,
		LastBrokerUpdateAt: o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = *o.Qty
	}
	return out
}

// mapOrderStatus collapses Alpaca's order states onto the engine's lifecycle.
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new":
		return domain.OrderStatusAccepted
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "pending_cancel", "done_for_day":
		return domain.OrderStatusCanceled
	case "rejected":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	case "replaced", "pending_replace":
		return domain.OrderStatusOpen
	default:
		return domain.OrderStatusOpen
	}
}

// fromTradeUpdate normalizes a stream trade update. Updates without a usable
// event type are dropped. The sequence number is derived from the update
// timestamp so replays of the same execution carry the same sequence.
func fromTradeUpdate(tu alpacaapi.TradeUpdate) (domain.OrderEvent, bool) {
	var kind domain.EventKind
	switch tu.Event {
	case "new", "pending_new":
		kind = domain.EventNew
	case "accepted":
		kind = domain.EventAccepted
	case "partial_fill":
		kind = domain.EventPartialFill
	case "fill":
		kind = domain.EventFill
	case "canceled":
		kind = domain.EventCanceled
	case "rejected":
		kind = domain.EventRejected
	case "expired":
		kind = domain.EventExpired
	case "replaced":
		kind = domain.EventReplaced
	default:
		return domain.OrderEvent{}, false
	}

	at := tu.At
	if tu.Timestamp != nil {
		at = *tu.Timestamp
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	ev := domain.OrderEvent{
		Kind:          kind,
		SequenceNo:    at.UnixNano(),
		BrokerOrderID: tu.Order.ID,
		ClientOrderID: tu.Order.ClientOrderID,
		Symbol:        tu.Order.Symbol,
		Side:          domain.Side(tu.Order.Side),
		Status:        mapOrderStatus(tu.Order.Status),
		Order:         fromAlpacaOrder(&tu.Order),
		At:            at,
	}
	if kind == domain.EventFill || kind == domain.EventPartialFill {
		ev.FillQty = tu.Qty
		ev.FillPrice = tu.Price
	}
	return ev, true
}

// classify maps broker API failures onto the engine's error taxonomy.
// 4xx responses are rejections the engine should not retry; everything
// else (5xx, timeouts, transport failures) is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return domain.E(domain.KindTransient, err)
		case apiErr.StatusCode == http.StatusUnprocessableEntity:
			return domain.E(domain.KindRejected, fmt.Errorf("broker rejected request: %w", err))
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return domain.E(domain.KindRejected, err)
		default:
			return domain.E(domain.KindTransient, err)
		}
	}
	return domain.E(domain.KindTransient, err)
}
