package engine

import (
	"context"
	"log/slog"
	"sync"

	"helmsman/internal/broker"
	"helmsman/internal/clock"
	"helmsman/internal/domain"
	"helmsman/internal/util"
)

// ConnState is the supervisor's position in the connection lifecycle.
type ConnState string

const (
	ConnDisconnected  ConnState = "disconnected"
	ConnConnecting    ConnState = "connecting"
	ConnAuthenticated ConnState = "authenticated"
	ConnSubscribed    ConnState = "subscribed"
	ConnStreaming     ConnState = "streaming"
)

// Supervisor owns the broker event stream: it connects, delivers events, and
// on any failure schedules a reconnect with exponential backoff and jitter.
// After a reconnect it requests a forced snapshot pass, since events are not
// gap-free across disconnects. Only one Run loop may be live at a time.
type Supervisor struct {
	gateway broker.Gateway
	logger  *slog.Logger
	clk     clock.Clock
	backoff util.Backoff

	// onEvent receives every normalized stream event.
	onEvent func(domain.OrderEvent)
	// onResync is called after the stream is re-established following a
	// disconnect, to close the event gap.
	onResync func(ctx context.Context)

	mu      sync.Mutex
	state   ConnState
	running bool
}

// SupervisorOptions wires the supervisor's collaborators.
type SupervisorOptions struct {
	Gateway  broker.Gateway
	Logger   *slog.Logger
	Clock    clock.Clock
	Backoff  util.Backoff
	OnEvent  func(domain.OrderEvent)
	OnResync func(ctx context.Context)
}

// NewSupervisor creates a Supervisor in the disconnected state.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	return &Supervisor{
		gateway:  opts.Gateway,
		logger:   opts.Logger,
		clk:      opts.Clock,
		backoff:  opts.Backoff,
		onEvent:  opts.OnEvent,
		onResync: opts.OnResync,
		state:    ConnDisconnected,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the connection lifecycle until ctx is cancelled. A second
// concurrent Run is rejected, not queued.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return domain.Errorf(domain.KindConflict, "stream supervisor already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.state = ConnDisconnected
		s.mu.Unlock()
	}()

	attempt := 0
	hadSession := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setState(ConnConnecting)
		// A session probe doubles as the authentication check: it fails
		// fast on bad credentials or an unreachable endpoint.
		if _, err := s.gateway.Session(ctx); err != nil {
			s.logger.Warn("stream connect failed", "attempt", attempt+1, "error", err)
			if !s.waitReconnect(ctx, &attempt) {
				return nil
			}
			continue
		}
		s.setState(ConnAuthenticated)

		s.setState(ConnSubscribed)
		if hadSession {
			// Events may have been missed while disconnected; reconcile
			// against broker truth alongside the fresh stream.
			go s.onResync(ctx)
		}

		streamed := false
		err := s.gateway.StreamEvents(ctx, func(ev domain.OrderEvent) {
			if !streamed {
				streamed = true
				s.setState(ConnStreaming)
			}
			s.onEvent(ev)
		})
		hadSession = true
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("stream disconnected", "error", err)
		} else {
			s.logger.Warn("stream closed by broker")
		}
		if streamed {
			attempt = 0
		}
		s.setState(ConnDisconnected)
		if !s.waitReconnect(ctx, &attempt) {
			return nil
		}
	}
}

// waitReconnect sleeps the backoff delay for the attempt. It returns false
// when ctx was cancelled during the wait.
func (s *Supervisor) waitReconnect(ctx context.Context, attempt *int) bool {
	s.setState(ConnDisconnected)
	delay := s.backoff.Delay(*attempt)
	*attempt++
	s.logger.Info("scheduling stream reconnect", "attempt", *attempt, "delay", delay)
	return clock.Sleep(ctx, s.clk, delay) == nil
}
