// Package service orchestrates the sync core: the request coordinator, the
// event applier, and the terminal stream manager, all mutating shared state
// through one run loop.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/hostsync/internal/domain"
	"github.com/pairlink/hostsync/internal/runloop"
	"github.com/pairlink/hostsync/internal/store"
	"github.com/pairlink/hostsync/internal/terminal"
	"github.com/pairlink/hostsync/internal/transport"
)

// Core owns the job store and terminal manager and feeds them from the
// transport's event, frame, and connectivity streams.
type Core struct {
	loop      *runloop.Loop
	client    transport.Client
	store     *store.Store
	coord     *Coordinator
	applier   *Applier
	terminals *terminal.Manager
	logger    *slog.Logger

	mu            sync.Mutex
	activeSession string
	lastDevice    string
	wasConnected  bool

	wg sync.WaitGroup
}

type CoreConfig struct {
	Client      transport.Client
	Logger      *slog.Logger
	RingBytes   int
	UnbindGrace time.Duration
}

func NewCore(cfg CoreConfig) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loop := runloop.New()
	st := store.New(loop, logger)
	coord := NewCoordinator(loop, st, cfg.Client, logger)

	c := &Core{
		loop:   loop,
		client: cfg.Client,
		store:  st,
		coord:  coord,
		logger: logger,
	}
	c.applier = NewApplier(loop, st, coord, c.ActiveSession, logger)
	c.terminals = terminal.NewManager(terminal.ManagerConfig{
		Loop:        loop,
		Client:      cfg.Client,
		Logger:      logger,
		RingBytes:   cfg.RingBytes,
		UnbindGrace: cfg.UnbindGrace,
	})
	return c
}

// Run consumes the transport feeds until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		events := c.client.Events()
		frames := c.client.BinaryFrames()
		states := c.client.ConnStates()
		for {
			select {
			case env := <-events:
				c.applier.HandleEnvelope(env)
			case frame := <-frames:
				c.terminals.HandleFrame(frame)
			case state := <-states:
				c.terminals.HandleConnState(state)
				c.handleConnState(ctx, state)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// handleConnState drives recovery: a reconnect reconciles job state and
// re-hydrates the terminal session list; a device switch resets everything
// first.
func (c *Core) handleConnState(ctx context.Context, state transport.ConnState) {
	c.mu.Lock()
	wasConnected := c.wasConnected
	switched := c.lastDevice != "" && state.DeviceID != "" && state.DeviceID != c.lastDevice
	if state.DeviceID != "" {
		c.lastDevice = state.DeviceID
	}
	c.wasConnected = state.Connected
	c.mu.Unlock()

	if !state.Connected {
		return
	}
	if switched {
		c.logger.Info("active device changed, resetting sync state", "device", state.DeviceID)
		c.reset()
	} else if wasConnected {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.coord.Reconcile(ctx, ReasonReconnect); err != nil {
			c.logger.Warn("reconnect reconciliation failed", "error", err)
		}
		if err := c.terminals.Bootstrap(ctx); err != nil {
			c.logger.Warn("terminal bootstrap failed", "error", err)
		}
	}()
}

// reset discards all local projections. The terminal manager resets itself
// on the device transition it observes via HandleConnState.
func (c *Core) reset() {
	c.applier.CancelPending()
	c.coord.ResetCache()
	c.loop.Call(func() { c.store.Reset() })
}

// Stop shuts the core down after Run's context is cancelled.
func (c *Core) Stop() {
	c.wg.Wait()
	c.loop.Stop()
}

// DerivedState returns the observable job projection surface.
func (c *Core) DerivedState() *store.Cell { return c.store.Cell() }

// Job looks up one job by id.
func (c *Core) Job(id string) (domain.Job, bool) {
	var (
		job domain.Job
		ok  bool
	)
	c.loop.Call(func() {
		job, ok = c.store.Get(id)
		if ok {
			job = job.Clone()
		}
	})
	return job, ok
}

func (c *Core) ListJobs(ctx context.Context, filter ListFilter, opts FetchOptions) ([]domain.Job, error) {
	return c.coord.ListJobs(ctx, filter, opts)
}

func (c *Core) Reconcile(ctx context.Context, reason ReconcileReason) error {
	return c.coord.Reconcile(ctx, reason)
}

func (c *Core) CancelJob(ctx context.Context, id string) error {
	return c.coord.CancelJob(ctx, id)
}

func (c *Core) DeleteJob(ctx context.Context, id string) error {
	return c.coord.DeleteJob(ctx, id)
}

// Terminals exposes the terminal stream manager.
func (c *Core) Terminals() *terminal.Manager { return c.terminals }

// SetActiveSession scopes the applier's coalesced resync.
func (c *Core) SetActiveSession(sessionID string) {
	c.mu.Lock()
	c.activeSession = sessionID
	c.mu.Unlock()
}

func (c *Core) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSession
}
