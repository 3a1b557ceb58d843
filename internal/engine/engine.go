// Package engine implements the execution and state synchronization core:
// reconciliation of broker events and snapshots into the state store,
// automatic protection of filled entries, supervised streaming, and
// exactly-once operator command execution.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/bus"
	"helmsman/internal/clock"
	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/store"
	"helmsman/internal/util"
)

// Engine wires the reconciler, protection manager, connection supervisor and
// command processor over the shared state store, and exposes the read and
// command-intake boundaries the control plane consumes.
type Engine struct {
	cfg     *config.Config
	store   store.StateStore
	gateway broker.Gateway
	cmdBus  bus.Bus
	logger  *slog.Logger
	alerter util.Alerter
	clk     clock.Clock

	locks      *lockTable
	reconciler *Reconciler
	protection *ProtectionManager
	supervisor *Supervisor
	processor  *CommandProcessor

	refreshCh chan struct{}
	healthy   atomic.Bool
	degraded  atomic.Bool

	syncMu   sync.Mutex
	lastSync time.Time
}

// Options configures New. Bus and Policy may be nil: commands then arrive
// only through SubmitCommand, and protection uses the fixed configured trail.
type Options struct {
	Config  *config.Config
	Store   store.StateStore
	Gateway broker.Gateway
	Bus     bus.Bus
	Logger  *slog.Logger
	Alerter util.Alerter
	Clock   clock.Clock
	Policy  TrailPolicy
}

// New assembles an Engine from its collaborators.
func New(opts Options) *Engine {
	e := &Engine{
		cfg:       opts.Config,
		store:     opts.Store,
		gateway:   opts.Gateway,
		cmdBus:    opts.Bus,
		logger:    opts.Logger,
		alerter:   opts.Alerter,
		clk:       opts.Clock,
		locks:     newLockTable(),
		refreshCh: make(chan struct{}, 1),
	}
	if e.clk == nil {
		e.clk = clock.New()
	}
	if e.alerter == nil {
		e.alerter = &util.LogAlerter{Log: e.logger}
	}

	e.protection = NewProtectionManager(ProtectionOptions{
		Store:   e.store,
		Gateway: e.gateway,
		Locks:   e.locks,
		Logger:  e.logger,
		Alerter: e.alerter,
		Clock:   e.clk,
		Policy:  opts.Policy,
		Config:  e.cfg.Protection,
		Caps:    e.cfg.Capabilities,
	})

	e.reconciler = NewReconciler(ReconcilerOptions{
		Store:         e.store,
		Locks:         e.locks,
		Logger:        e.logger,
		Alerter:       e.alerter,
		RetryAttempts: e.cfg.Engine.StoreRetryAttempts,
		RetryBase:     e.cfg.Engine.StoreRetryBase(),
		Lookup:        e.gateway.GetOrderByClientID,
		OnFilled: func(order *domain.Order) {
			if err := e.protection.OnEntryFilled(context.Background(), order); err != nil {
				e.logger.Error("protection placement failed", "order", order.ID, "error", err)
			}
		},
		OnFatal: func(err error) {
			if e.degraded.CompareAndSwap(false, true) {
				e.logger.Error("engine entering degraded read-only mode", "error", err)
			}
		},
	})

	e.supervisor = NewSupervisor(SupervisorOptions{
		Gateway: e.gateway,
		Logger:  e.logger,
		Clock:   e.clk,
		Backoff: util.NewBackoff(e.cfg.Engine.ReconnectBase(), e.cfg.Engine.ReconnectMax()),
		OnEvent: func(ev domain.OrderEvent) {
			if err := e.reconciler.ApplyEvent(context.Background(), ev); err != nil {
				e.logger.Error("event reconciliation failed", "order", ev.ClientOrderID, "error", err)
			}
			if ev.IsFill() || ev.Kind == domain.EventCanceled {
				e.Refresh()
			}
		},
		OnResync: func(ctx context.Context) {
			if err := e.resync(ctx, true); err != nil {
				e.logger.Error("post-reconnect resync failed", "error", err)
			}
		},
	})

	e.processor = NewCommandProcessor(CommandProcessorOptions{
		Store:    e.store,
		Gateway:  e.gateway,
		Locks:    e.locks,
		Logger:   e.logger,
		Clock:    e.clk,
		Config:   e.cfg.Engine,
		Degraded: e.degraded.Load,
		Refresh:  e.Refresh,
	})

	return e
}

// Run starts the engine and blocks until ctx is cancelled. Startup order:
// the initial snapshot reconciliation completes before workers start and
// before the engine reports itself healthy.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "gateway", e.gateway.Name())

	if err := util.Retry(ctx, 5, time.Second, func() error {
		return e.resync(ctx, true)
	}); err != nil {
		return fmt.Errorf("initial snapshot reconciliation: %w", err)
	}
	e.healthy.Store(true)
	e.logger.Info("initial snapshot reconciled, engine healthy")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.supervisor.Run(ctx); err != nil {
			e.logger.Error("stream supervisor stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.processor.Run(ctx)
	}()

	if e.cmdBus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.cmdBus.Consume(ctx, func(cmd *domain.Command) {
				if _, err := e.processor.Submit(ctx, cmd); err != nil {
					e.logger.Warn("bus command rejected", "command", cmd.ID, "error", err)
				}
			})
			if err != nil {
				e.logger.Error("command bus consumer stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.pollLoop(ctx)
	}()

	wg.Wait()
	e.healthy.Store(false)
	e.logger.Info("engine stopped")
	return nil
}

// pollLoop runs the periodic snapshot reconciliation, plus on-demand passes
// requested through Refresh, rate-limited by the sync cooldown.
func (e *Engine) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(e.cfg.Engine.PollInterval()):
			if err := e.resync(ctx, false); err != nil {
				e.logger.Warn("periodic snapshot failed", "error", err)
			}
		case <-e.refreshCh:
			if err := e.resync(ctx, false); err != nil {
				e.logger.Warn("requested snapshot failed", "error", err)
			}
		}
	}
}

// Refresh requests an out-of-band snapshot pass. Non-blocking; coalesces
// with an already pending request.
func (e *Engine) Refresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}

// resync pulls the full broker snapshot and reconciles it. Unforced passes
// honour the minimum sync interval so a burst of fill events cannot hammer
// the broker API.
func (e *Engine) resync(ctx context.Context, force bool) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	now := e.clk.Now()
	if !force && !e.lastSync.IsZero() && now.Sub(e.lastSync) < e.cfg.Engine.SyncMinInterval() {
		return nil
	}

	orders, err := e.gateway.ListOrders(ctx, broker.OrderListFilter{})
	if err != nil {
		return fmt.Errorf("listing broker orders: %w", err)
	}
	positions, err := e.gateway.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("listing broker positions: %w", err)
	}
	if err := e.reconciler.ApplySnapshot(ctx, orders, positions); err != nil {
		return err
	}
	e.lastSync = now
	return nil
}

// ---------------------------------------------------------------------------
// Read boundary (always served from the state store, never the broker)
// ---------------------------------------------------------------------------

// Positions returns the reconciled position snapshot.
func (e *Engine) Positions(ctx context.Context) ([]domain.Position, error) {
	return e.store.ListPositions(ctx)
}

// Orders returns stored orders matching the filter.
func (e *Engine) Orders(ctx context.Context, f store.OrderFilter) ([]domain.Order, error) {
	return e.store.ListOrders(ctx, f)
}

// Order returns one order by engine-issued id, or (nil, nil).
func (e *Engine) Order(ctx context.Context, id string) (*domain.Order, error) {
	return e.store.GetOrder(ctx, id)
}

// Protections returns all protection links.
func (e *Engine) Protections(ctx context.Context) ([]domain.ProtectionLink, error) {
	return e.store.ListLinks(ctx)
}

// Command returns a command by id, or (nil, nil). Results stay queryable
// indefinitely.
func (e *Engine) Command(ctx context.Context, id string) (*domain.Command, error) {
	return e.store.GetCommand(ctx, id)
}

// Commands returns recent commands, newest first.
func (e *Engine) Commands(ctx context.Context, limit int) ([]domain.Command, error) {
	return e.store.ListCommands(ctx, limit)
}

// Fills returns the fill history for an order.
func (e *Engine) Fills(ctx context.Context, orderID string) ([]domain.Fill, error) {
	return e.store.ListFills(ctx, orderID)
}

// ---------------------------------------------------------------------------
// Command intake boundary
// ---------------------------------------------------------------------------

// SubmitCommand accepts an operator command and queues it for execution,
// returning immediately with the persisted command state.
func (e *Engine) SubmitCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error) {
	return e.processor.Submit(ctx, cmd)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Healthy reports whether the initial snapshot reconciliation has completed.
func (e *Engine) Healthy() bool {
	return e.healthy.Load()
}

// Degraded reports whether the engine has halted writes after a fatal store
// failure. Reads continue from last-known state.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// StreamState reports the connection supervisor's state.
func (e *Engine) StreamState() ConnState {
	return e.supervisor.State()
}
