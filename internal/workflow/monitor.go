package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"radiolink/internal/config"
	"radiolink/internal/logging"
	"radiolink/internal/session"
)

// dispatcher is satisfied by *Dispatcher and by test doubles.
type dispatcher interface {
	Dispatch(ctx context.Context, patientID string) Outcome
}

// MonitorOption configures optional Monitor behavior.
type MonitorOption func(*Monitor)

// WithIntervals overrides the configured poll interval and idle threshold.
func WithIntervals(poll, idle time.Duration) MonitorOption {
	return func(m *Monitor) {
		if poll > 0 {
			m.pollInterval = poll
		}
		if idle > 0 {
			m.idleThreshold = idle
		}
	}
}

// WithWorkers overrides the number of concurrent dispatches per tick.
func WithWorkers(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.workers = n
		}
	}
}

// TickResult summarizes one monitor iteration.
type TickResult struct {
	Selected []string        `json:"selected"`
	Outcomes map[Outcome]int `json:"-"`
}

// Count returns how many dispatches in the tick ended with outcome o.
func (r TickResult) Count(o Outcome) int {
	return r.Outcomes[o]
}

// MonitorStatus reports monitor diagnostics.
type MonitorStatus struct {
	Running       bool          `json:"running"`
	PollInterval  time.Duration `json:"poll_interval"`
	IdleThreshold time.Duration `json:"idle_threshold"`
	Ticks         int64         `json:"ticks"`
	LastTick      time.Time     `json:"last_tick"`
	LastError     string        `json:"last_error,omitempty"`
	Sessions      int           `json:"sessions"`
}

// Monitor periodically dispatches idle patients.
type Monitor struct {
	registry      *session.Registry
	dispatch      dispatcher
	logger        *slog.Logger
	pollInterval  time.Duration
	idleThreshold time.Duration
	workers       int

	tickMu sync.Mutex

	mu       sync.RWMutex
	running  bool
	stopLoop context.CancelFunc
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ticks    int64
	lastTick time.Time
	lastErr  error
}

// NewMonitor constructs a monitor using the [workflow] config section.
func NewMonitor(cfg *config.Config, registry *session.Registry, d dispatcher, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:      registry,
		dispatch:      d,
		logger:        logging.NewComponentLogger(logger, "monitor"),
		pollInterval:  cfg.PollInterval(),
		idleThreshold: cfg.IdleThreshold(),
		workers:       max(cfg.Workflow.DispatchWorkers, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the polling loop. It returns an error if already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor already running")
	}
	workCtx, cancel := context.WithCancel(ctx)
	loopCtx, stopLoop := context.WithCancel(workCtx)
	m.cancel, m.stopLoop = cancel, stopLoop
	m.running = true
	m.wg.Add(1)
	go m.run(loopCtx, workCtx)

	m.logger.Info("monitor started",
		logging.Duration("poll_interval", m.pollInterval),
		logging.Duration("idle_threshold", m.idleThreshold),
		logging.Int("workers", m.workers),
	)
	return nil
}

// Stop cancels the loop and any in-flight dispatches, then waits for them to
// wind down.
func (m *Monitor) Stop() {
	m.Drain(0)
}

// Drain stops scheduling ticks and gives a running tick up to grace to
// finish. After that, in-flight dispatches are cancelled and abandoned.
// Drain reports whether the loop wound down within grace.
func (m *Monitor) Drain(grace time.Duration) bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	stopLoop, cancel := m.stopLoop, m.cancel
	m.running = false
	m.stopLoop, m.cancel = nil, nil
	m.mu.Unlock()

	defer cancel()
	if grace <= 0 {
		cancel()
		m.wg.Wait()
		return true
	}
	stopLoop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		m.logger.Warn("drain grace elapsed; cancelling in-flight dispatches",
			logging.Duration("grace", grace))
		cancel()
		<-done
		return false
	}
}

// run ticks until loopCtx ends. Dispatches run under workCtx so a stopped
// loop can still finish the tick in progress.
func (m *Monitor) run(loopCtx, workCtx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			m.Tick(workCtx)
		}
	}
}

// Tick runs one scan-and-dispatch iteration and waits for its dispatches.
// Ticks never overlap; a manual flush waits for a running tick to finish.
func (m *Monitor) Tick(ctx context.Context) (result TickResult) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	result.Outcomes = make(map[Outcome]int)
	var tickErr error
	defer func() {
		if r := recover(); r != nil {
			tickErr = fmt.Errorf("monitor tick panic: %v", r)
			logging.ErrorWithContext(m.logger, "monitor tick panicked", "monitor_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
		}
		m.recordTick(tickErr)
	}()

	if ctx.Err() != nil {
		return result
	}
	now := m.registry.Now()
	result.Selected = m.registry.SnapshotIdle(m.idleThreshold, now)
	if len(result.Selected) == 0 {
		return result
	}
	m.logger.Debug("idle patients selected", logging.Int("count", len(result.Selected)))

	var outcomesMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, id := range result.Selected {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("dispatch %s panic: %v", id, r)
					logging.ErrorWithContext(m.logger, "dispatch panicked", "dispatch_panic",
						logging.Patient(id),
						logging.Any("panic", r),
					)
				}
			}()
			outcome := m.dispatch.Dispatch(ctx, id)
			outcomesMu.Lock()
			result.Outcomes[outcome]++
			outcomesMu.Unlock()
			return nil
		})
	}
	tickErr = g.Wait()
	return result
}

func (m *Monitor) recordTick(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
	m.lastTick = m.registry.Now()
	m.lastErr = err
}

// Status returns monitor diagnostics.
func (m *Monitor) Status() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := MonitorStatus{
		Running:       m.running,
		PollInterval:  m.pollInterval,
		IdleThreshold: m.idleThreshold,
		Ticks:         m.ticks,
		LastTick:      m.lastTick,
		Sessions:      m.registry.Len(),
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}
