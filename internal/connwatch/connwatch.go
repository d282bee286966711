// Package connwatch tracks the reachability of backends the assistant
// depends on, such as the LLM provider and the MQTT broker.
//
// A Watcher probes one service. Until the first success it retries with
// exponential backoff (2s, 4s, 8s, capped at 60s); after that, or once
// the startup retries run out, it polls at a fixed interval and reports
// each up/down transition through callbacks and the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/albertojacini/vemorize/internal/events"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds the startup phase.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to 60s over 10 startup
// attempts, then 60s polling with a 10s probe timeout.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// WatcherConfig configures one watched service.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the JSON view of a watcher for /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	bus    *events.Bus
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last transition was to reachable.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe error.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot for health reporting.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.cfg.Name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher exits.
func (w *Watcher) Wait() { <-w.done }

// Stop cancels the watcher and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("service connected", "service", w.cfg.Name, "after_attempts", attempt)
			break
		}
		if attempt == b.MaxRetries {
			w.logger.Info("service unreachable at startup, polling in background",
				"service", w.cfg.Name, "attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("service probe failed, retrying",
			"service", w.cfg.Name, "attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once and reports a transition if readiness changed.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case !was && err == nil:
		w.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": w.cfg.Name})
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case was && err != nil:
		w.logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.cfg.Name,
			"error":   err.Error(),
		})
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{bus: bus, logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop.
// An empty Name or nil Probe is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		bus:    m.bus,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		old.cancel()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns every watcher's status keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
