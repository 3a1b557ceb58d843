package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"helmsman/internal/broker"
	"helmsman/internal/clock"
	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/store"
)

// DraftPayload describes an order the operator wants staged for review.
type DraftPayload struct {
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`
	Type        string           `json:"type"`
	Qty         decimal.Decimal  `json:"qty"`
	TimeInForce string           `json:"time_in_force,omitempty"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	ClientTag   string           `json:"client_tag,omitempty"`
}

// ConfirmPayload names the drafted order to submit.
type ConfirmPayload struct {
	OrderID string `json:"order_id"`
}

// CancelPayload targets either a pending command or a live broker order.
type CancelPayload struct {
	CommandID string `json:"command_id,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

// KillSwitchPayload carries the liquidation confirmation token.
type KillSwitchPayload struct {
	ConfirmToken string `json:"confirm_token,omitempty"`
}

// SymbolOutcome records one symbol's result within a kill-switch run.
type SymbolOutcome struct {
	Symbol string `json:"symbol"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// KillSwitchResult is the queryable outcome of a kill-switch command.
type KillSwitchResult struct {
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Outcomes  []SymbolOutcome `json:"outcomes"`
}

// CommandProcessor executes operator commands exactly once. Command state is
// persisted before side effects, so replays of a finished command return the
// cached result without touching the broker.
type CommandProcessor struct {
	store   store.StateStore
	gateway broker.Gateway
	locks   *lockTable
	logger  *slog.Logger
	clk     clock.Clock
	cfg     config.Engine

	queue chan string // command ids awaiting execution

	// degraded reports whether the engine has halted command intake.
	degraded func() bool
	// refresh requests a position resync after a state-changing command.
	refresh func()
}

// CommandProcessorOptions wires the processor's collaborators.
type CommandProcessorOptions struct {
	Store    store.StateStore
	Gateway  broker.Gateway
	Locks    *lockTable
	Logger   *slog.Logger
	Clock    clock.Clock
	Config   config.Engine
	Degraded func() bool
	Refresh  func()
}

// NewCommandProcessor creates a CommandProcessor.
func NewCommandProcessor(opts CommandProcessorOptions) *CommandProcessor {
	return &CommandProcessor{
		store:    opts.Store,
		gateway:  opts.Gateway,
		locks:    opts.Locks,
		logger:   opts.Logger,
		clk:      opts.Clock,
		cfg:      opts.Config,
		queue:    make(chan string, 256),
		degraded: opts.Degraded,
		refresh:  opts.Refresh,
	}
}

// Run consumes the execution queue with a small worker pool until ctx is
// cancelled.
func (p *CommandProcessor) Run(ctx context.Context) {
	workers := p.cfg.CommandWorkers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.queue:
					p.process(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
}

// Submit is the idempotent intake boundary. A new command is persisted as
// Received and queued. Replays return the stored command: finished commands
// come back with their cached result, and an Executing command is re-queued
// so reconciliation can settle its true outcome. A replayed id with a
// different payload is a Conflict.
func (p *CommandProcessor) Submit(ctx context.Context, cmd *domain.Command) (*domain.Command, error) {
	if p.degraded != nil && p.degraded() {
		return nil, domain.Errorf(domain.KindFatal, "engine is degraded, command intake halted")
	}
	if cmd.ID == "" {
		return nil, domain.Errorf(domain.KindRejected, "command id is required")
	}

	hash := domain.HashPayload(cmd.Kind, cmd.Payload)

	unlock := p.locks.Lock("cmd/" + cmd.ID)
	defer unlock()

	existing, err := p.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		return nil, domain.E(domain.KindFatal, err)
	}
	if existing != nil {
		if existing.PayloadHash != hash {
			return nil, domain.Errorf(domain.KindConflict, "command %s replayed with a different payload", cmd.ID)
		}
		if existing.Status == domain.CommandExecuting {
			p.enqueue(existing.ID)
		}
		return existing, nil
	}

	now := p.clk.Now().UTC()
	cmd.PayloadHash = hash
	cmd.Status = domain.CommandReceived
	cmd.SubmittedAt = now
	cmd.UpdatedAt = now
	if err := p.store.SaveCommand(ctx, cmd); err != nil {
		return nil, domain.E(domain.KindFatal, err)
	}
	p.enqueue(cmd.ID)
	return cmd, nil
}

func (p *CommandProcessor) enqueue(id string) {
	select {
	case p.queue <- id:
	default:
		p.logger.Warn("command queue full, relying on redelivery", "command", id)
	}
}

// process drives one command through Received → Validated → Executing →
// Succeeded/Failed.
func (p *CommandProcessor) process(ctx context.Context, id string) {
	unlock := p.locks.Lock("cmd/" + id)
	cmd, err := p.store.GetCommand(ctx, id)
	if err != nil || cmd == nil {
		unlock()
		p.logger.Error("cannot load queued command", "command", id, "error", err)
		return
	}
	if cmd.Status.Done() {
		unlock()
		return
	}

	if cmd.Status == domain.CommandExecuting {
		// A prior run died or timed out mid-execution. Reconcile the true
		// outcome before any retry; never blindly resubmit.
		p.recoverExecuting(ctx, cmd)
		unlock()
		return
	}

	if err := p.validate(ctx, cmd); err != nil {
		p.finish(ctx, cmd, nil, err)
		unlock()
		return
	}
	p.setStatus(ctx, cmd, domain.CommandValidated)
	p.setStatus(ctx, cmd, domain.CommandExecuting)
	unlock()

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout())
	result, err := p.execute(execCtx, cmd)
	cancel()

	unlock = p.locks.Lock("cmd/" + id)
	defer unlock()
	if err != nil && domain.IsTransient(err) && cmd.Kind == domain.CommandConfirm {
		// Timed out against the broker. Leave the command Executing; the
		// order may have landed, and the next replay reconciles it.
		p.logger.Warn("command timed out, leaving executing for reconciliation", "command", cmd.ID, "error", err)
		return
	}
	p.finish(ctx, cmd, result, err)
}

// recoverExecuting settles a command stuck in Executing by asking the broker
// what actually happened.
func (p *CommandProcessor) recoverExecuting(ctx context.Context, cmd *domain.Command) {
	switch cmd.Kind {
	case domain.CommandConfirm:
		var payload ConfirmPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			p.finish(ctx, cmd, nil, domain.E(domain.KindRejected, err))
			return
		}
		remote, err := p.gateway.GetOrderByClientID(ctx, payload.OrderID)
		if err != nil {
			p.logger.Warn("executing-command reconciliation failed, will retry", "command", cmd.ID, "error", err)
			return
		}
		if remote != nil {
			// The submission landed before the crash/timeout.
			p.adoptSubmitted(ctx, payload.OrderID, remote)
			result, _ := json.Marshal(map[string]string{
				"order_id":        payload.OrderID,
				"broker_order_id": remote.BrokerOrderID,
			})
			p.finish(ctx, cmd, result, nil)
			return
		}
		// Never reached the broker: safe to execute afresh.
		execCtx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout())
		result, err := p.execute(execCtx, cmd)
		cancel()
		if err != nil && domain.IsTransient(err) {
			return
		}
		p.finish(ctx, cmd, result, err)
	default:
		// Draft and cancel are cheap to re-run; kill-switch liquidation
		// orders carry per-symbol idempotency keys, so re-execution cannot
		// double-sell.
		execCtx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout())
		result, err := p.execute(execCtx, cmd)
		cancel()
		p.finish(ctx, cmd, result, err)
	}
}

// validate rejects commands referencing unknown entities, stale drafts, or a
// Confirm without a matching prior Draft.
func (p *CommandProcessor) validate(ctx context.Context, cmd *domain.Command) error {
	switch cmd.Kind {
	case domain.CommandDraft:
		var payload DraftPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return domain.E(domain.KindRejected, fmt.Errorf("malformed draft payload: %w", err))
		}
		if payload.Symbol == "" {
			return domain.Errorf(domain.KindRejected, "draft requires a symbol")
		}
		if !payload.Qty.IsPositive() {
			return domain.Errorf(domain.KindRejected, "draft quantity must be positive")
		}
		switch domain.Side(payload.Side) {
		case domain.SideBuy, domain.SideSell:
		default:
			return domain.Errorf(domain.KindRejected, "unknown side %q", payload.Side)
		}
		switch domain.OrderType(payload.Type) {
		case domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStop, domain.OrderTypeStopLimit:
		default:
			return domain.Errorf(domain.KindRejected, "unsupported draft order type %q", payload.Type)
		}
		if domain.OrderType(payload.Type) == domain.OrderTypeLimit && payload.LimitPrice == nil {
			return domain.Errorf(domain.KindRejected, "limit draft requires limit_price")
		}
		return nil

	case domain.CommandConfirm:
		var payload ConfirmPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return domain.E(domain.KindRejected, fmt.Errorf("malformed confirm payload: %w", err))
		}
		order, err := p.store.GetOrder(ctx, payload.OrderID)
		if err != nil {
			return domain.E(domain.KindFatal, err)
		}
		if order == nil || order.Status != domain.OrderStatusPending {
			return domain.Errorf(domain.KindConflict, "confirm %s has no matching pending draft", payload.OrderID)
		}
		if p.clk.Now().Sub(order.CreatedAt) > p.cfg.DraftTTL() {
			return domain.Errorf(domain.KindConflict, "draft %s is stale", payload.OrderID)
		}
		return nil

	case domain.CommandCancel:
		var payload CancelPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return domain.E(domain.KindRejected, fmt.Errorf("malformed cancel payload: %w", err))
		}
		if payload.CommandID == "" && payload.OrderID == "" {
			return domain.Errorf(domain.KindRejected, "cancel requires a command_id or order_id")
		}
		return nil

	case domain.CommandKillSwitch:
		var payload KillSwitchPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return domain.E(domain.KindRejected, fmt.Errorf("malformed kill-switch payload: %w", err))
		}
		if p.cfg.KillSwitchRequireConfirm && payload.ConfirmToken != p.cfg.KillSwitchConfirmToken {
			return domain.Errorf(domain.KindRejected, "kill switch requires a valid confirmation token")
		}
		return nil

	default:
		return domain.Errorf(domain.KindRejected, "unknown command kind %q", cmd.Kind)
	}
}

func (p *CommandProcessor) execute(ctx context.Context, cmd *domain.Command) (json.RawMessage, error) {
	switch cmd.Kind {
	case domain.CommandDraft:
		return p.executeDraft(ctx, cmd)
	case domain.CommandConfirm:
		return p.executeConfirm(ctx, cmd)
	case domain.CommandCancel:
		return p.executeCancel(ctx, cmd)
	case domain.CommandKillSwitch:
		return p.executeKillSwitch(ctx, cmd)
	default:
		return nil, domain.Errorf(domain.KindRejected, "unknown command kind %q", cmd.Kind)
	}
}

// executeDraft stages an order without submitting it. The order id derives
// from the command id, so a re-run cannot create a second draft.
func (p *CommandProcessor) executeDraft(ctx context.Context, cmd *domain.Command) (json.RawMessage, error) {
	var payload DraftPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, domain.E(domain.KindRejected, err)
	}

	orderID := "ord-" + cmd.ID
	unlock := p.locks.Lock(orderID)
	defer unlock()

	existing, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, domain.E(domain.KindFatal, err)
	}
	if existing == nil {
		tif := domain.TimeInForce(payload.TimeInForce)
		if tif == "" {
			tif = domain.TimeInForceDay
		}
		order := &domain.Order{
			ID:          orderID,
			Symbol:      payload.Symbol,
			Side:        domain.Side(payload.Side),
			Type:        domain.OrderType(payload.Type),
			Qty:         payload.Qty,
			TimeInForce: tif,
			LimitPrice:  payload.LimitPrice,
			StopPrice:   payload.StopPrice,
			Status:      domain.OrderStatusPending,
			FilledQty:   decimal.Zero,
			ClientTag:   payload.ClientTag,
			Source:      "operator",
			CreatedAt:   p.clk.Now().UTC(),
		}
		if err := p.store.SaveOrder(ctx, order); err != nil {
			return nil, domain.E(domain.KindFatal, err)
		}
	}
	return json.Marshal(map[string]string{"order_id": orderID})
}

// executeConfirm submits a drafted order to the broker.
func (p *CommandProcessor) executeConfirm(ctx context.Context, cmd *domain.Command) (json.RawMessage, error) {
	var payload ConfirmPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, domain.E(domain.KindRejected, err)
	}

	unlock := p.locks.Lock(payload.OrderID)
	order, err := p.store.GetOrder(ctx, payload.OrderID)
	if err != nil {
		unlock()
		return nil, domain.E(domain.KindFatal, err)
	}
	if order == nil {
		unlock()
		return nil, domain.Errorf(domain.KindConflict, "draft %s not found", payload.OrderID)
	}
	// A draft stuck in submitted with no broker id is a prior confirm
	// attempt that died before reaching the broker; it is safe to submit.
	resuming := order.Status == domain.OrderStatusSubmitted && order.BrokerOrderID == ""
	if order.Status != domain.OrderStatusPending && !resuming {
		unlock()
		return nil, domain.Errorf(domain.KindConflict, "order %s is %s, not a pending draft", order.ID, order.Status)
	}

	spec := domain.OrderSpec{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Qty:           order.Qty,
		TimeInForce:   order.TimeInForce,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		ClientOrderID: order.ID,
	}
	// Fractional orders cannot rest good-till-canceled.
	if order.Fractional() && spec.TimeInForce == domain.TimeInForceGTC {
		spec.TimeInForce = domain.TimeInForceDay
	}

	order.Status = domain.OrderStatusSubmitted
	order.TimeInForce = spec.TimeInForce
	if err := p.store.UpdateOrder(ctx, order); err != nil {
		unlock()
		return nil, domain.E(domain.KindFatal, err)
	}
	unlock()

	ack, err := p.gateway.SubmitOrder(ctx, spec)
	if err != nil {
		if domain.Kind(err) == domain.KindRejected {
			unlock = p.locks.Lock(order.ID)
			order.Status = domain.OrderStatusRejected
			if uerr := p.store.UpdateOrder(ctx, order); uerr != nil {
				p.logger.Error("cannot record rejection", "order", order.ID, "error", uerr)
			}
			unlock()
		}
		return nil, err
	}

	p.adoptSubmitted(ctx, order.ID, ack)
	if p.refresh != nil {
		p.refresh()
	}
	return json.Marshal(map[string]string{
		"order_id":        order.ID,
		"broker_order_id": ack.BrokerOrderID,
	})
}

// adoptSubmitted folds the broker's submission ack into the stored order.
func (p *CommandProcessor) adoptSubmitted(ctx context.Context, orderID string, ack *domain.Order) {
	unlock := p.locks.Lock(orderID)
	defer unlock()
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil || order == nil {
		p.logger.Error("cannot load order for ack", "order", orderID, "error", err)
		return
	}
	if order.BrokerOrderID == "" {
		order.BrokerOrderID = ack.BrokerOrderID
	}
	if order.Status.CanTransition(ack.Status) {
		order.Status = ack.Status
	}
	order.LastBrokerUpdateAt = ack.LastBrokerUpdateAt
	if err := p.store.UpdateOrder(ctx, order); err != nil {
		p.logger.Error("cannot persist ack", "order", orderID, "error", err)
	}
}

// executeCancel cancels a pending command or a live broker order.
func (p *CommandProcessor) executeCancel(ctx context.Context, cmd *domain.Command) (json.RawMessage, error) {
	var payload CancelPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, domain.E(domain.KindRejected, err)
	}

	if payload.CommandID != "" {
		unlock := p.locks.Lock("cmd/" + payload.CommandID)
		defer unlock()
		target, err := p.store.GetCommand(ctx, payload.CommandID)
		if err != nil {
			return nil, domain.E(domain.KindFatal, err)
		}
		if target == nil {
			return nil, domain.Errorf(domain.KindRejected, "command %s not found", payload.CommandID)
		}
		switch target.Status {
		case domain.CommandReceived, domain.CommandValidated:
			target.Status = domain.CommandFailed
			target.Error = "canceled by operator"
			target.UpdatedAt = p.clk.Now().UTC()
			if err := p.store.UpdateCommand(ctx, target); err != nil {
				return nil, domain.E(domain.KindFatal, err)
			}
			return json.Marshal(map[string]string{"command_id": target.ID, "status": "canceled"})
		default:
			// Executing or finished: the side effect may already be in
			// flight, so cancellation is rejected.
			return nil, domain.Errorf(domain.KindConflict, "command %s is %s and cannot be canceled", target.ID, target.Status)
		}
	}

	unlock := p.locks.Lock(payload.OrderID)
	defer unlock()
	order, err := p.store.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return nil, domain.E(domain.KindFatal, err)
	}
	if order == nil {
		return nil, domain.Errorf(domain.KindRejected, "order %s not found", payload.OrderID)
	}
	if order.Status == domain.OrderStatusPending {
		// Draft never submitted: expire it locally.
		order.Status = domain.OrderStatusCanceled
		if err := p.store.UpdateOrder(ctx, order); err != nil {
			return nil, domain.E(domain.KindFatal, err)
		}
		return json.Marshal(map[string]string{"order_id": order.ID, "status": "canceled"})
	}
	if order.BrokerOrderID == "" {
		return nil, domain.Errorf(domain.KindConflict, "order %s has no broker id yet", order.ID)
	}
	if err := p.gateway.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		return nil, err
	}
	if p.refresh != nil {
		p.refresh()
	}
	return json.Marshal(map[string]string{"order_id": order.ID, "status": "cancel_requested"})
}

// executeKillSwitch liquidates every open position. Symbols are processed
// one at a time under their own lock; each liquidation order carries an
// idempotency key derived from the command and symbol so a re-run cannot
// double-sell. Any failed symbol makes the whole command Failed, with
// per-symbol outcomes recorded for the operator's retry.
func (p *CommandProcessor) executeKillSwitch(ctx context.Context, cmd *domain.Command) (json.RawMessage, error) {
	// Open orders are pulled first so resting entries can't fill mid-flush.
	open, err := p.store.ListOrders(ctx, store.OrderFilter{Open: true})
	if err != nil {
		return nil, domain.E(domain.KindFatal, err)
	}
	for i := range open {
		o := &open[i]
		if o.BrokerOrderID == "" {
			continue
		}
		if err := p.gateway.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			p.logger.Warn("kill switch could not cancel open order", "order", o.ID, "error", err)
		}
	}

	positions, err := p.store.ListPositions(ctx)
	if err != nil {
		return nil, domain.E(domain.KindFatal, err)
	}

	result := KillSwitchResult{Outcomes: make([]SymbolOutcome, 0, len(positions))}
	for _, pos := range positions {
		outcome := p.liquidate(ctx, cmd.ID, pos)
		if outcome.OK {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	payload, merr := json.Marshal(result)
	if merr != nil {
		return nil, merr
	}
	if result.Failed > 0 {
		return payload, domain.Errorf(domain.KindRejected,
			"kill switch incomplete: %d of %d symbols failed", result.Failed, len(positions))
	}
	if p.refresh != nil {
		p.refresh()
	}
	return payload, nil
}

func (p *CommandProcessor) liquidate(ctx context.Context, cmdID string, pos domain.Position) SymbolOutcome {
	unlock := p.locks.Lock(pos.Symbol)
	defer unlock()

	side := domain.SideSell
	qty := pos.Qty
	if qty.IsNegative() {
		side = domain.SideBuy
		qty = qty.Neg()
	}
	if qty.IsZero() {
		return SymbolOutcome{Symbol: pos.Symbol, OK: true}
	}

	clientID := fmt.Sprintf("kill-%s-%s", cmdID, pos.Symbol)
	spec := domain.OrderSpec{
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Qty:           qty,
		TimeInForce:   domain.TimeInForceDay,
		ClientOrderID: clientID,
	}
	_, err := p.gateway.SubmitOrder(ctx, spec)
	if err != nil {
		// An idempotency-key rejection means a previous run already
		// liquidated this symbol.
		if domain.Kind(err) == domain.KindRejected {
			if prev, lerr := p.gateway.GetOrderByClientID(ctx, clientID); lerr == nil && prev != nil {
				return SymbolOutcome{Symbol: pos.Symbol, OK: true}
			}
		}
		return SymbolOutcome{Symbol: pos.Symbol, OK: false, Error: err.Error()}
	}
	return SymbolOutcome{Symbol: pos.Symbol, OK: true}
}

func (p *CommandProcessor) setStatus(ctx context.Context, cmd *domain.Command, status domain.CommandStatus) {
	cmd.Status = status
	cmd.UpdatedAt = p.clk.Now().UTC()
	if err := p.store.UpdateCommand(ctx, cmd); err != nil {
		p.logger.Error("cannot persist command status", "command", cmd.ID, "status", status, "error", err)
	}
}

func (p *CommandProcessor) finish(ctx context.Context, cmd *domain.Command, result json.RawMessage, err error) {
	if err != nil {
		cmd.Status = domain.CommandFailed
		cmd.Error = err.Error()
		p.logger.Warn("command failed", "command", cmd.ID, "kind", cmd.Kind, "error", err)
	} else {
		cmd.Status = domain.CommandSucceeded
		p.logger.Info("command succeeded", "command", cmd.ID, "kind", cmd.Kind)
	}
	cmd.Result = result
	cmd.UpdatedAt = p.clk.Now().UTC()
	if uerr := p.store.UpdateCommand(ctx, cmd); uerr != nil {
		p.logger.Error("cannot persist command result", "command", cmd.ID, "error", uerr)
	}
}
