package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"helmsman/internal/broker"
	"helmsman/internal/clock"
	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/store"
	"helmsman/internal/util"
)

// protectPrefix tags protective orders so the engine recognises its own
// exits in the event stream and never protects a protection.
const protectPrefix = "auto-protect-"

// TrailPolicy computes the trailing distance, in percent, for a protective
// exit on the given symbol. Injected so sizing can react to volatility
// without the manager knowing how.
type TrailPolicy func(ctx context.Context, symbol string) (decimal.Decimal, error)

// FixedTrailPolicy returns the configured trail percentage regardless of
// symbol.
func FixedTrailPolicy(percent float64) TrailPolicy {
	return func(context.Context, string) (decimal.Decimal, error) {
		return decimal.NewFromFloat(percent), nil
	}
}

// ProtectionManager attaches protective exit orders to filled entries. A
// filled BUY gets a trailing-stop SELL for the filled quantity; if the
// session doesn't support trailing stops the manager walks the configured
// fallback chain. Failures after the retry budget leave the entry
// unprotected, which is the engine's highest-severity alert.
type ProtectionManager struct {
	store   store.StateStore
	gateway broker.Gateway
	locks   *lockTable
	logger  *slog.Logger
	alerter util.Alerter
	clk     clock.Clock
	policy  TrailPolicy
	cfg     config.Protection
	caps    config.Capabilities
}

// ProtectionOptions wires the manager's collaborators.
type ProtectionOptions struct {
	Store   store.StateStore
	Gateway broker.Gateway
	Locks   *lockTable
	Logger  *slog.Logger
	Alerter util.Alerter
	Clock   clock.Clock
	Policy  TrailPolicy
	Config  config.Protection
	Caps    config.Capabilities
}

// NewProtectionManager creates a ProtectionManager. A nil Policy falls back
// to the configured fixed trail percentage.
func NewProtectionManager(opts ProtectionOptions) *ProtectionManager {
	p := &ProtectionManager{
		store:   opts.Store,
		gateway: opts.Gateway,
		locks:   opts.Locks,
		logger:  opts.Logger,
		alerter: opts.Alerter,
		clk:     opts.Clock,
		policy:  opts.Policy,
		cfg:     opts.Config,
		caps:    opts.Caps,
	}
	if p.policy == nil {
		p.policy = FixedTrailPolicy(opts.Config.TrailPercent)
	}
	return p
}

// ProtectionClientID derives the protective order's client order id from its
// entry order id.
func ProtectionClientID(entryOrderID string) string {
	trimmed := entryOrderID
	if len(trimmed) > 20 {
		trimmed = trimmed[:20]
	}
	return protectPrefix + trimmed
}

// IsProtectionOrder reports whether a client order id names one of the
// engine's own protective exits.
func IsProtectionOrder(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, protectPrefix)
}

// OnEntryFilled reacts to a completed entry fill. Re-invocation while a
// non-detached link exists is a no-op, unless resize-on-fill is enabled and
// the entry's filled quantity has grown past the protected quantity.
func (p *ProtectionManager) OnEntryFilled(ctx context.Context, entry *domain.Order) error {
	if entry.Side != domain.SideBuy || IsProtectionOrder(entry.ID) {
		return nil
	}
	if entry.FilledQty.IsZero() {
		return nil
	}

	// A distinct lock namespace: the reconciler invokes this hook while
	// holding the entry order's own lock.
	unlock := p.locks.Lock("protect/" + entry.ID)
	defer unlock()

	link, err := p.store.ActiveLink(ctx, entry.ID)
	if err != nil {
		return err
	}
	if link != nil {
		if p.cfg.ResizeOnFill && link.Status == domain.ProtectionPlaced && entry.FilledQty.GreaterThan(link.Qty) {
			return p.resize(ctx, entry, link)
		}
		return nil
	}

	now := p.clk.Now().UTC()
	link = &domain.ProtectionLink{
		EntryOrderID: entry.ID,
		Status:       domain.ProtectionPending,
		Qty:          entry.FilledQty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.SaveLink(ctx, link); err != nil {
		// A concurrent invocation won the unique-active-link race.
		p.logger.Warn("protection link already exists", "entry", entry.ID, "error", err)
		return nil
	}
	return p.place(ctx, entry, link, ProtectionClientID(entry.ID))
}

// resize replaces an undersized protective order after additional fills
// landed on the same entry. The old exit is cancelled, its link detached,
// and a fresh protective order covers the full filled quantity.
func (p *ProtectionManager) resize(ctx context.Context, entry *domain.Order, old *domain.ProtectionLink) error {
	prev, err := p.gateway.GetOrderByClientID(ctx, old.ProtectionOrderID)
	if err == nil && prev != nil && !prev.Status.Terminal() {
		if err := p.gateway.CancelOrder(ctx, prev.BrokerOrderID); err != nil {
			p.logger.Warn("cancel of undersized protective order failed", "entry", entry.ID, "error", err)
			return err
		}
	}

	old.Status = domain.ProtectionDetached
	old.UpdatedAt = p.clk.Now().UTC()
	if err := p.store.UpdateLink(ctx, old); err != nil {
		return err
	}

	now := p.clk.Now().UTC()
	link := &domain.ProtectionLink{
		EntryOrderID: entry.ID,
		Status:       domain.ProtectionPending,
		Qty:          entry.FilledQty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.SaveLink(ctx, link); err != nil {
		return err
	}
	p.logger.Info("resizing protective order", "entry", entry.ID, "qty", entry.FilledQty)
	return p.place(ctx, entry, link, fmt.Sprintf("%s-r%d", ProtectionClientID(entry.ID), now.Unix()))
}

// place submits the protective order with bounded, kind-aware retries: only
// transient failures are repeated. A transient failure is resolved by asking
// the broker whether the order actually landed before any resubmission, so a
// timed-out submit can never be duplicated.
func (p *ProtectionManager) place(ctx context.Context, entry *domain.Order, link *domain.ProtectionLink, clientOrderID string) error {
	backoff := util.Backoff{Base: p.cfg.RetryBase(), Max: p.cfg.RetryMax()}
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	attempts := 0
	err := util.RetryTransient(ctx, maxAttempts, backoff, func() error {
		if attempts > 0 {
			// The previous attempt may have landed despite the error.
			placed, lerr := p.gateway.GetOrderByClientID(ctx, clientOrderID)
			if lerr == nil && placed != nil && placed.Status != domain.OrderStatusRejected {
				return nil
			}
		}
		attempts++
		link.Attempts = attempts

		spec, serr := p.buildSpec(ctx, entry, clientOrderID)
		if serr != nil {
			return serr
		}
		if _, serr := p.gateway.SubmitOrder(ctx, spec); serr != nil {
			p.logger.Warn("protective order submission failed",
				"entry", entry.ID, "attempt", attempts, "kind", domain.Kind(serr).String(), "error", serr)
			return serr
		}
		return nil
	})
	if err == nil {
		return p.markPlaced(ctx, link, clientOrderID, attempts)
	}

	link.Status = domain.ProtectionFailed
	link.LastError = err.Error()
	link.UpdatedAt = p.clk.Now().UTC()
	if uerr := p.store.UpdateLink(ctx, link); uerr != nil {
		return uerr
	}
	p.alerter.Alert(util.SeverityCritical, "entry filled but protective order could not be placed",
		"entry", entry.ID, "symbol", entry.Symbol, "qty", entry.FilledQty, "error", link.LastError)
	return err
}

func (p *ProtectionManager) markPlaced(ctx context.Context, link *domain.ProtectionLink, clientOrderID string, attempts int) error {
	link.ProtectionOrderID = clientOrderID
	link.Status = domain.ProtectionPlaced
	link.Attempts = attempts
	link.UpdatedAt = p.clk.Now().UTC()
	if err := p.store.UpdateLink(ctx, link); err != nil {
		return err
	}
	p.logger.Info("protective order placed", "entry", link.EntryOrderID, "protection", clientOrderID, "attempts", attempts)
	return nil
}

// buildSpec resolves trail policy, session capabilities and the fallback
// chain into a concrete submittable order.
func (p *ProtectionManager) buildSpec(ctx context.Context, entry *domain.Order, clientOrderID string) (domain.OrderSpec, error) {
	trail, err := p.policy(ctx, entry.Symbol)
	if err != nil {
		return domain.OrderSpec{}, fmt.Errorf("trail policy for %s: %w", entry.Symbol, err)
	}

	session, err := p.gateway.Session(ctx)
	if err != nil {
		// Capability checks degrade to the regular-session matrix.
		p.logger.Warn("session lookup failed, assuming regular", "error", err)
		session = domain.SessionRegular
	}

	chain := append([]string{string(domain.OrderTypeTrailingStop)}, p.cfg.Fallbacks...)
	for _, typ := range chain {
		tif, ok := p.pickTIF(session, typ, entry)
		if !ok {
			continue
		}
		spec := domain.OrderSpec{
			Symbol:        entry.Symbol,
			Side:          domain.SideSell,
			Type:          domain.OrderType(typ),
			Qty:           entry.FilledQty,
			TimeInForce:   tif,
			ClientOrderID: clientOrderID,
		}
		switch spec.Type {
		case domain.OrderTypeTrailingStop:
			spec.TrailPercent = &trail
		case domain.OrderTypeStop, domain.OrderTypeStopLimit:
			if entry.FilledAvgPrice == nil {
				continue
			}
			// Stop placed at the trail distance below the entry price.
			stop := entry.FilledAvgPrice.Mul(decimal.NewFromInt(100).Sub(trail)).Div(decimal.NewFromInt(100)).Round(2)
			spec.StopPrice = &stop
			if spec.Type == domain.OrderTypeStopLimit {
				spec.LimitPrice = &stop
			}
		default:
			continue
		}
		return spec, nil
	}
	return domain.OrderSpec{}, domain.Errorf(domain.KindCapability,
		"no protective order type available in %s session for %s", session, entry.Symbol)
}

// pickTIF selects a time-in-force the session supports for the order type.
// Fractional quantities coerce GTC down to DAY, which the broker requires.
func (p *ProtectionManager) pickTIF(session domain.Session, orderType string, entry *domain.Order) (domain.TimeInForce, bool) {
	desired := domain.TimeInForce(p.cfg.TimeInForce)
	if desired == "" {
		desired = domain.TimeInForceGTC
	}
	if entry.Fractional() && desired == domain.TimeInForceGTC {
		desired = domain.TimeInForceDay
	}
	if p.caps.Supports(string(session), orderType, string(desired)) {
		return desired, true
	}
	if desired != domain.TimeInForceDay && p.caps.Supports(string(session), orderType, string(domain.TimeInForceDay)) {
		return domain.TimeInForceDay, true
	}
	return "", false
}
