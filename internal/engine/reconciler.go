package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"helmsman/internal/domain"
	"helmsman/internal/store"
	"helmsman/internal/util"
)

// Reconciler merges streamed order events and polled broker snapshots into
// the state store. Events are deduplicated by per-order sequence number, and
// the broker snapshot is authoritative wherever the two views disagree.
type Reconciler struct {
	store   store.StateStore
	locks   *lockTable
	logger  *slog.Logger
	alerter util.Alerter

	retryAttempts int
	retryBase     time.Duration

	// lookup fetches the broker's view of an order absent from a snapshot.
	// Left nil in tests that don't exercise snapshot reconciliation.
	lookup func(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// onFilled fires exactly once per order when its cumulative fills reach
	// the order quantity (guarded by the persisted ProtectionTriggered flag).
	onFilled func(order *domain.Order)

	// onFatal is invoked when store writes fail past the retry budget.
	onFatal func(err error)
}

// ReconcilerOptions wires the reconciler's collaborators.
type ReconcilerOptions struct {
	Store         store.StateStore
	Locks         *lockTable
	Logger        *slog.Logger
	Alerter       util.Alerter
	RetryAttempts int
	RetryBase     time.Duration
	Lookup        func(ctx context.Context, clientOrderID string) (*domain.Order, error)
	OnFilled      func(order *domain.Order)
	OnFatal       func(err error)
}

// NewReconciler creates a Reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		store:         opts.Store,
		locks:         opts.Locks,
		logger:        opts.Logger,
		alerter:       opts.Alerter,
		retryAttempts: opts.RetryAttempts,
		retryBase:     opts.RetryBase,
		lookup:        opts.Lookup,
		onFilled:      opts.OnFilled,
		onFatal:       opts.OnFatal,
	}
	if r.retryAttempts <= 0 {
		r.retryAttempts = 3
	}
	if r.retryBase <= 0 {
		r.retryBase = 100 * time.Millisecond
	}
	return r
}

// ApplyEvent folds one normalized broker event into the store. Malformed
// events are logged and dropped. An event whose sequence number is at or
// below the last applied sequence for its order is a no-op.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev domain.OrderEvent) error {
	if ev.ClientOrderID == "" && ev.BrokerOrderID == "" {
		r.logger.Warn("dropping event without order ids", "kind", ev.Kind, "symbol", ev.Symbol)
		return nil
	}
	if ev.IsFill() && (ev.FillQty == nil || ev.FillQty.IsZero()) {
		r.logger.Warn("dropping fill event without quantity", "order", ev.ClientOrderID, "seq", ev.SequenceNo)
		return nil
	}

	key := ev.ClientOrderID
	if key == "" {
		key = ev.BrokerOrderID
	}
	unlock := r.locks.Lock(key)
	defer unlock()

	order, err := r.loadOrder(ctx, ev.ClientOrderID, ev.BrokerOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		// An order the engine never issued: adopt the broker's snapshot so
		// externally placed orders still reconcile. Without a snapshot there
		// is nothing to record.
		if ev.Order == nil {
			r.logger.Warn("dropping event for unknown order", "order", ev.ClientOrderID, "broker_order", ev.BrokerOrderID)
			return nil
		}
		adopted := *ev.Order
		adopted.Source = "external"
		adopted.LastSeq = ev.SequenceNo
		if err := r.writeWithRetry(ctx, func() error {
			return r.store.SaveOrder(ctx, &adopted)
		}); err != nil {
			return err
		}
		r.logger.Info("adopted external order", "order", adopted.ID, "symbol", adopted.Symbol, "status", adopted.Status)
		return r.maybeTriggerProtection(ctx, &adopted)
	}

	if ev.SequenceNo <= order.LastSeq {
		return nil
	}

	if ev.IsFill() {
		// A fill that would push the cumulative past the order quantity is
		// malformed; it is dropped before any fill row is recorded, so the
		// recorded fills always sum to at most the order quantity.
		if order.FilledQty.Add(*ev.FillQty).GreaterThan(order.Qty) {
			r.logger.Warn("dropping fill exceeding order quantity",
				"order", order.ID, "filled", order.FilledQty, "fill_qty", ev.FillQty, "qty", order.Qty, "seq", ev.SequenceNo)
			return nil
		}
		inserted, err := r.recordFill(ctx, order, ev)
		if err != nil {
			return err
		}
		if inserted {
			order.FilledQty = order.FilledQty.Add(*ev.FillQty)
		}
		// The event's order snapshot carries the broker's cumulative filled
		// quantity, which restores convergence when earlier fill events were
		// missed or arrive late.
		if ev.Order != nil && ev.Order.FilledQty.GreaterThan(order.FilledQty) {
			order.FilledQty = ev.Order.FilledQty
			if order.FilledQty.GreaterThan(order.Qty) {
				order.FilledQty = order.Qty
			}
		}
		if ev.Order != nil && ev.Order.FilledAvgPrice != nil {
			order.FilledAvgPrice = ev.Order.FilledAvgPrice
		} else if order.FilledAvgPrice == nil {
			order.FilledAvgPrice = ev.FillPrice
		}
	}

	next := ev.ImpliedStatus()
	if ev.IsFill() {
		if order.FilledQty.Equal(order.Qty) {
			next = domain.OrderStatusFilled
		} else {
			next = domain.OrderStatusPartiallyFilled
		}
	}
	if next != "" && next != order.Status {
		if order.Status.CanTransition(next) {
			order.Status = next
		} else {
			r.logger.Warn("ignoring backward status transition",
				"order", order.ID, "from", order.Status, "to", next, "seq", ev.SequenceNo)
		}
	}

	if order.BrokerOrderID == "" && ev.BrokerOrderID != "" {
		order.BrokerOrderID = ev.BrokerOrderID
	}
	order.LastSeq = ev.SequenceNo
	if !ev.At.IsZero() {
		order.LastBrokerUpdateAt = ev.At
	}

	if err := r.writeWithRetry(ctx, func() error {
		return r.store.UpdateOrder(ctx, order)
	}); err != nil {
		return err
	}

	return r.maybeTriggerProtection(ctx, order)
}

// ApplySnapshot diffs the broker's full order and position snapshot against
// the store. Orders the broker reports are merged with broker truth winning;
// local open orders missing from the snapshot are looked up individually and
// closed per the broker's answer. Positions are replaced wholesale.
func (r *Reconciler) ApplySnapshot(ctx context.Context, orders []domain.Order, positions []domain.Position) error {
	seen := make(map[string]bool, len(orders))
	for i := range orders {
		snap := &orders[i]
		if snap.ID == "" {
			continue
		}
		seen[snap.ID] = true
		if err := r.mergeSnapshotOrder(ctx, snap); err != nil {
			return err
		}
	}

	// Local open orders the snapshot no longer mentions.
	open, err := r.store.ListOrders(ctx, store.OrderFilter{Open: true})
	if err != nil {
		r.degrade(fmt.Errorf("listing open orders for snapshot diff: %w", err))
		return err
	}
	for i := range open {
		o := &open[i]
		if seen[o.ID] {
			continue
		}
		if err := r.resolveMissing(ctx, o); err != nil {
			return err
		}
	}

	if err := r.writeWithRetry(ctx, func() error {
		return r.store.ReplacePositions(ctx, positions)
	}); err != nil {
		return err
	}
	return nil
}

func (r *Reconciler) mergeSnapshotOrder(ctx context.Context, snap *domain.Order) error {
	unlock := r.locks.Lock(snap.ID)
	defer unlock()

	local, err := r.loadOrder(ctx, snap.ID, snap.BrokerOrderID)
	if err != nil {
		return err
	}
	if local == nil {
		adopted := *snap
		adopted.Source = "external"
		if err := r.writeWithRetry(ctx, func() error {
			return r.store.SaveOrder(ctx, &adopted)
		}); err != nil {
			return err
		}
		return r.maybeTriggerProtection(ctx, &adopted)
	}

	changed := false
	if local.BrokerOrderID == "" && snap.BrokerOrderID != "" {
		local.BrokerOrderID = snap.BrokerOrderID
		changed = true
	}
	// The snapshot carries no sequence numbers; rank ordering keeps a stale
	// poll from rewinding a status the stream already advanced.
	if snap.Status != local.Status && snap.Status.Rank() >= local.Status.Rank() {
		local.Status = snap.Status
		changed = true
	}
	if snap.FilledQty.GreaterThan(local.FilledQty) {
		local.FilledQty = snap.FilledQty
		if snap.FilledAvgPrice != nil {
			local.FilledAvgPrice = snap.FilledAvgPrice
		}
		changed = true
	}
	if changed {
		if !snap.LastBrokerUpdateAt.IsZero() {
			local.LastBrokerUpdateAt = snap.LastBrokerUpdateAt
		}
		if err := r.writeWithRetry(ctx, func() error {
			return r.store.UpdateOrder(ctx, local)
		}); err != nil {
			return err
		}
	}
	return r.maybeTriggerProtection(ctx, local)
}

// resolveMissing handles a local open order the snapshot omitted: the broker
// is asked directly, and its answer (including "no such order") is applied.
func (r *Reconciler) resolveMissing(ctx context.Context, o *domain.Order) error {
	if r.lookup == nil {
		return nil
	}
	remote, err := r.lookup(ctx, o.ID)
	if err != nil {
		r.logger.Warn("order lookup failed during snapshot diff", "order", o.ID, "error", err)
		return nil
	}
	if remote != nil {
		return r.mergeSnapshotOrder(ctx, remote)
	}
	if o.BrokerOrderID == "" {
		// Never acknowledged by the broker; submission may still be in
		// flight. Leave it for the next pass.
		return nil
	}

	unlock := r.locks.Lock(o.ID)
	defer unlock()
	o.Status = domain.OrderStatusCanceled
	r.logger.Info("order vanished from broker, marking canceled", "order", o.ID, "broker_order", o.BrokerOrderID)
	return r.writeWithRetry(ctx, func() error {
		return r.store.UpdateOrder(ctx, o)
	})
}

// maybeTriggerProtection fires the fill-completion hook once per order. The
// ProtectionTriggered flag is persisted before the hook runs so a restart
// between the two cannot double-fire.
func (r *Reconciler) maybeTriggerProtection(ctx context.Context, o *domain.Order) error {
	if o.Status != domain.OrderStatusFilled || o.ProtectionTriggered || r.onFilled == nil {
		return nil
	}
	o.ProtectionTriggered = true
	if err := r.writeWithRetry(ctx, func() error {
		return r.store.UpdateOrder(ctx, o)
	}); err != nil {
		return err
	}
	r.onFilled(o)
	return nil
}

func (r *Reconciler) recordFill(ctx context.Context, o *domain.Order, ev domain.OrderEvent) (bool, error) {
	fill := domain.Fill{
		OrderID:    o.ID,
		SequenceNo: ev.SequenceNo,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        *ev.FillQty,
		FilledAt:   ev.At,
	}
	if ev.FillPrice != nil {
		fill.Price = *ev.FillPrice
	}
	var inserted bool
	err := r.writeWithRetry(ctx, func() error {
		var err error
		inserted, err = r.store.RecordFill(ctx, fill)
		return err
	})
	return inserted, err
}

func (r *Reconciler) loadOrder(ctx context.Context, clientID, brokerID string) (*domain.Order, error) {
	if clientID != "" {
		o, err := r.store.GetOrder(ctx, clientID)
		if err != nil {
			r.degrade(fmt.Errorf("loading order %s: %w", clientID, err))
			return nil, err
		}
		if o != nil {
			return o, nil
		}
	}
	if brokerID != "" {
		o, err := r.store.GetOrderByBrokerID(ctx, brokerID)
		if err != nil {
			r.degrade(fmt.Errorf("loading order by broker id %s: %w", brokerID, err))
			return nil, err
		}
		return o, nil
	}
	return nil, nil
}

// writeWithRetry retries a store write with backoff; exhaustion degrades the
// engine rather than risking divergence from broker truth.
func (r *Reconciler) writeWithRetry(ctx context.Context, fn func() error) error {
	err := util.Retry(ctx, r.retryAttempts, r.retryBase, fn)
	if err != nil {
		r.degrade(err)
	}
	return err
}

func (r *Reconciler) degrade(err error) {
	r.alerter.Alert(util.SeverityCritical, "state store write failed, entering degraded mode", "error", err)
	if r.onFatal != nil {
		r.onFatal(domain.E(domain.KindFatal, err))
	}
}
