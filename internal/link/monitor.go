package link

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the link is usable. Return nil if it is.
type ProbeFunc func(ctx context.Context) error

// MonitorConfig configures a [Monitor].
type MonitorConfig struct {
	// Name identifies the link in logs (e.g. "wlan0").
	Name  string
	Probe ProbeFunc

	// Interval is the probe period (default 30s).
	Interval time.Duration
	// ProbeTimeout bounds each probe (default 5s).
	ProbeTimeout time.Duration

	// OnDown and OnUp are called on transitions, on the monitor's
	// goroutine, with the status after the transition. They must not
	// block. Optional.
	OnDown func(Status)
	OnUp   func(Status)

	Logger *slog.Logger
}

// Monitor polls a link probe in the background and tracks whether the
// link is up. It starts optimistic: the link is reported up until a
// probe fails, since the node only starts after association succeeded.
type Monitor struct {
	cfg    MonitorConfig
	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Status is a point-in-time view of a monitored link.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// StartMonitor probes immediately, then every Interval, until ctx is
// cancelled or Stop is called. It panics if Probe is nil.
func StartMonitor(ctx context.Context, cfg MonitorConfig) *Monitor {
	if cfg.Probe == nil {
		panic("link: MonitorConfig.Probe must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.up.Store(true)
	go m.run(ctx)
	return m
}

// Up reports whether the link was up at the last probe.
func (m *Monitor) Up() bool {
	return m.up.Load()
}

// Status returns the current link status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Name:      m.cfg.Name,
		Up:        m.up.Load(),
		LastCheck: m.lastCheck,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Stop cancels the monitor and waits for its goroutine to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	m.lastErr = err
	m.lastCheck = time.Now()
	m.mu.Unlock()

	logger := m.cfg.Logger
	wasUp := m.up.Load()
	switch {
	case wasUp && err != nil:
		m.up.Store(false)
		logger.Warn("link down", "link", m.cfg.Name, "error", err)
		if m.cfg.OnDown != nil {
			m.cfg.OnDown(m.Status())
		}
	case !wasUp && err == nil:
		m.up.Store(true)
		logger.Info("link recovered", "link", m.cfg.Name)
		if m.cfg.OnUp != nil {
			m.cfg.OnUp(m.Status())
		}
	case !wasUp:
		logger.Debug("link still down", "link", m.cfg.Name, "error", err)
	}
}
