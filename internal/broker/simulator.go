package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"helmsman/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*Simulator)(nil)

// Simulator implements Gateway in memory. It backs paper sessions and tests:
// orders are accepted immediately, and fills are produced on demand through
// SimulateFill. Stream subscribers receive the same normalized events the
// Alpaca gateway would deliver.
type Simulator struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order // keyed by broker order id
	byClient  map[string]string        // client order id -> broker order id
	positions map[string]domain.Position
	account   domain.Account
	session   domain.Session
	seq       int64
	subs      map[int]chan domain.OrderEvent
	nextSub   int

	// submitErr, when set, fails the next SubmitOrder call once.
	submitErr error
}

// NewSimulator creates an empty simulator in the regular session.
func NewSimulator() *Simulator {
	return &Simulator{
		orders:    make(map[string]*domain.Order),
		byClient:  make(map[string]string),
		positions: make(map[string]domain.Position),
		account: domain.Account{
			ID:          "sim",
			Cash:        decimal.NewFromInt(100000),
			Equity:      decimal.NewFromInt(100000),
			BuyingPower: decimal.NewFromInt(200000),
		},
		session: domain.SessionRegular,
		subs:    make(map[int]chan domain.OrderEvent),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// GetAccount returns the simulated account snapshot.
func (s *Simulator) GetAccount(_ context.Context) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.account
	return &acct, nil
}

// ListPositions returns the simulated positions.
func (s *Simulator) ListPositions(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

// ListOrders returns simulated order snapshots.
func (s *Simulator) ListOrders(_ context.Context, f OrderListFilter) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if f.Open && o.Status.Terminal() {
			continue
		}
		out = append(out, *o)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// GetOrderByClientID returns the order for a client order id, or (nil, nil).
func (s *Simulator) GetOrderByClientID(_ context.Context, clientOrderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	brokerID, ok := s.byClient[clientOrderID]
	if !ok {
		return nil, nil
	}
	o := *s.orders[brokerID]
	return &o, nil
}

// SubmitOrder accepts the order and emits an accepted event.
func (s *Simulator) SubmitOrder(_ context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	s.mu.Lock()
	if s.submitErr != nil {
		err := s.submitErr
		s.submitErr = nil
		s.mu.Unlock()
		return nil, err
	}
	if _, dup := s.byClient[spec.ClientOrderID]; dup {
		s.mu.Unlock()
		return nil, domain.E(domain.KindRejected, fmt.Errorf("client order id %q already used", spec.ClientOrderID))
	}

	now := time.Now().UTC()
	o := &domain.Order{
		ID:                 spec.ClientOrderID,
		BrokerOrderID:      uuid.NewString(),
		Symbol:             spec.Symbol,
		Side:               spec.Side,
		Type:               spec.Type,
		Qty:                spec.Qty,
		TimeInForce:        spec.TimeInForce,
		LimitPrice:         spec.LimitPrice,
		StopPrice:          spec.StopPrice,
		TrailPercent:       spec.TrailPercent,
		Status:             domain.OrderStatusAccepted,
		FilledQty:          decimal.Zero,
		CreatedAt:          now,
		LastBrokerUpdateAt: now,
	}
	s.orders[o.BrokerOrderID] = o
	s.byClient[o.ID] = o.BrokerOrderID
	snapshot := *o
	s.mu.Unlock()

	s.emit(domain.EventAccepted, &snapshot, nil, nil)
	return &snapshot, nil
}

// CancelOrder cancels an open order and emits a canceled event.
func (s *Simulator) CancelOrder(_ context.Context, brokerOrderID string) error {
	s.mu.Lock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		s.mu.Unlock()
		return domain.E(domain.KindRejected, fmt.Errorf("unknown order %q", brokerOrderID))
	}
	if o.Status.Terminal() {
		s.mu.Unlock()
		return domain.E(domain.KindRejected, fmt.Errorf("order %q is %s", brokerOrderID, o.Status))
	}
	o.Status = domain.OrderStatusCanceled
	o.LastBrokerUpdateAt = time.Now().UTC()
	snapshot := *o
	s.mu.Unlock()

	s.emit(domain.EventCanceled, &snapshot, nil, nil)
	return nil
}

// StreamEvents delivers events to onEvent until ctx is cancelled.
func (s *Simulator) StreamEvents(ctx context.Context, onEvent func(domain.OrderEvent)) error {
	ch := make(chan domain.OrderEvent, 64)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			onEvent(ev)
		}
	}
}

// Subscribers reports the number of attached stream subscribers. Callers
// that need delivery guarantees wait for the subscriber to attach before
// driving the simulator.
func (s *Simulator) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Session reports the configured session.
func (s *Simulator) Session(_ context.Context) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

// SetSession switches the simulated trading session.
func (s *Simulator) SetSession(session domain.Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

// FailNextSubmit makes the next SubmitOrder call return err.
func (s *Simulator) FailNextSubmit(err error) {
	s.mu.Lock()
	s.submitErr = err
	s.mu.Unlock()
}

// SimulateFill fills qty of the order at price, emitting a partial_fill or
// fill event and updating the simulated position.
func (s *Simulator) SimulateFill(clientOrderID string, qty, price decimal.Decimal) error {
	s.mu.Lock()
	brokerID, ok := s.byClient[clientOrderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown client order id %q", clientOrderID)
	}
	o := s.orders[brokerID]
	if o.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("order %q is %s", clientOrderID, o.Status)
	}

	o.FilledQty = o.FilledQty.Add(qty)
	if o.FilledQty.GreaterThan(o.Qty) {
		o.FilledQty = o.Qty
	}
	o.FilledAvgPrice = &price
	kind := domain.EventPartialFill
	if o.FilledQty.Equal(o.Qty) {
		kind = domain.EventFill
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.LastBrokerUpdateAt = time.Now().UTC()

	signed := qty
	if o.Side == domain.SideSell {
		signed = qty.Neg()
	}
	pos := s.positions[o.Symbol]
	pos.Symbol = o.Symbol
	pos.Qty = pos.Qty.Add(signed)
	pos.AvgEntryPrice = price
	pos.UpdatedAt = o.LastBrokerUpdateAt
	if pos.Qty.IsZero() {
		delete(s.positions, o.Symbol)
	} else {
		s.positions[o.Symbol] = pos
	}
	snapshot := *o
	s.mu.Unlock()

	s.emit(kind, &snapshot, &qty, &price)
	return nil
}

// CancelSilently cancels an order without emitting an event, simulating a
// state change the stream missed.
func (s *Simulator) CancelSilently(clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	brokerID, ok := s.byClient[clientOrderID]
	if !ok {
		return fmt.Errorf("unknown client order id %q", clientOrderID)
	}
	o := s.orders[brokerID]
	o.Status = domain.OrderStatusCanceled
	o.LastBrokerUpdateAt = time.Now().UTC()
	return nil
}

func (s *Simulator) emit(kind domain.EventKind, o *domain.Order, fillQty, fillPrice *decimal.Decimal) {
	s.mu.Lock()
	s.seq++
	ev := domain.OrderEvent{
		Kind:          kind,
		SequenceNo:    s.seq,
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Status:        o.Status,
		Order:         o,
		FillQty:       fillQty,
		FillPrice:     fillPrice,
		At:            time.Now().UTC(),
	}
	chans := make([]chan domain.OrderEvent, 0, len(s.subs))
	for _, ch := range s.subs {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; the engine recovers via snapshot resync.
		}
	}
}
