// Package connwatch tracks the health of the services parley depends
// on: the signal-cli subprocess and, when configured, the MQTT broker.
//
// A Watcher checks one service in a single loop. While the service is
// down it retries with exponential backoff (2s, 4s, 8s, ... capped at
// 60s); once it is up it polls at a steady interval. Transitions in
// either direction are logged and reported through optional callbacks.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc checks whether a service is reachable. Return nil if healthy.
type CheckFunc func(ctx context.Context) error

// BackoffConfig controls check timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed check
	// (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// PollInterval is the check interval while the service is up
	// (default: 60s).
	PollInterval time.Duration

	// CheckTimeout bounds each check call (default: 10s).
	CheckTimeout time.Duration
}

// DefaultBackoffConfig returns 2s..60s backoff with 60-second polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		CheckTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.CheckTimeout <= 0 {
		b.CheckTimeout = d.CheckTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g. "signal-cli").
	Name string

	// Check reports service health. Must be safe for concurrent use.
	Check CheckFunc

	Backoff BackoffConfig

	// OnReady is called on every down → up transition, including the
	// first successful check. Runs in its own goroutine. Optional.
	OnReady func()

	// OnDown is called on every up → down transition. Runs in its own
	// goroutine. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"failures"` // consecutive failed checks
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last check succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent check error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger
	delay := cfg.InitialDelay

	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.recordResult(err)
		wasReady := w.ready.Load()

		var next time.Duration
		switch {
		case err == nil:
			if !wasReady {
				w.ready.Store(true)
				logger.Info("service ready", "service", w.config.Name)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			}
			delay = cfg.InitialDelay
			next = cfg.PollInterval

		case wasReady:
			w.ready.Store(false)
			logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
			next = delay

		default:
			logger.Debug("service still unreachable",
				"service", w.config.Name,
				"failures", failures,
				"next_delay", delay.String(),
				"error", err,
			)
			next = delay
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		if !sleepCtx(ctx, next) {
			return
		}
	}
}

func (w *Watcher) check(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.CheckTimeout)
	defer cancel()
	return w.config.Check(checkCtx)
}

// recordResult stores the check outcome and returns the consecutive
// failure count.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Panics if Name is empty or Check is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Check == nil {
		panic("connwatch: WatcherConfig.Check must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
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

// Status returns the health of every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		status = append(status, w.Status())
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
