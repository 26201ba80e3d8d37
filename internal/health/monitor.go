// Package health implements per-source health monitoring: a buffer
// probe records frame arrivals on the streaming thread without
// blocking, and a periodic tick evaluates stall/frame-rate thresholds
// against a sliding window to decide whether the source is unhealthy.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reason names why a source was declared unhealthy.
type Reason string

const (
	// ReasonStalled means no frame has arrived within StallThreshold.
	ReasonStalled Reason = "stalled"
	// ReasonLowFrameRate means the sliding-window frame rate dropped
	// below MinFPS.
	ReasonLowFrameRate Reason = "low_frame_rate"
)

// Event is emitted to the RecoveryManager when health changes.
type Event struct {
	SourceID string
	Healthy  bool
	Reason   Reason
	FPS      float64
}

// Config holds health-monitor thresholds.
type Config struct {
	MinFPS         float64
	StallThreshold time.Duration
	Window         time.Duration
	TickInterval   time.Duration
}

// DefaultConfig returns the defaults named in the configuration surface.
func DefaultConfig() Config {
	return Config{
		MinFPS:         1.0,
		StallThreshold: 5 * time.Second,
		Window:         5 * time.Second,
		TickInterval:   500 * time.Millisecond,
	}
}

// Monitor tracks the health of a single source.
type Monitor struct {
	sourceID string
	config   Config
	logger   *slog.Logger
	onEvent  func(Event)

	mu            sync.Mutex
	lastFrameTS   time.Time
	framesInWindow []time.Time
	framesObserved uint64
	healthy       bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a health monitor for sourceID. onEvent is invoked from the
// monitor's own tick goroutine whenever health transitions; it must not
// block or re-enter the monitor.
func New(sourceID string, config Config, logger *slog.Logger, onEvent func(Event)) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sourceID: sourceID,
		config:   config,
		logger:   logger,
		onEvent:  onEvent,
		healthy:  true,
	}
}

// OnBuffer is the probe callback: call it from the muxer src-pad probe
// on every buffer. It only records state and must return immediately —
// it never runs the threshold evaluation itself.
func (m *Monitor) OnBuffer(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastFrameTS = now
	m.framesObserved++
	m.framesInWindow = append(m.framesInWindow, now)
	m.trimWindowLocked(now)
}

func (m *Monitor) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-m.config.Window)
	kept := m.framesInWindow[:0]
	for _, ts := range m.framesInWindow {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.framesInWindow = kept
}

// Start begins the periodic evaluation tick. Stop must be called to
// release the goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	interval := m.config.TickInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.evaluate(now)
			}
		}
	}()
}

// Stop halts the periodic tick and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Monitor) evaluate(now time.Time) {
	m.mu.Lock()
	m.trimWindowLocked(now)

	var stalled bool
	if !m.lastFrameTS.IsZero() && now.Sub(m.lastFrameTS) > m.config.StallThreshold {
		stalled = true
	}

	fps := m.fpsLocked(now)
	lowRate := !stalled && !m.lastFrameTS.IsZero() && fps < m.config.MinFPS

	wasHealthy := m.healthy
	healthyNow := !stalled && !lowRate

	var reason Reason
	switch {
	case stalled:
		reason = ReasonStalled
	case lowRate:
		reason = ReasonLowFrameRate
	}
	m.healthy = healthyNow
	m.mu.Unlock()

	if wasHealthy == healthyNow {
		return
	}

	m.logger.Info("health state changed",
		slog.String("source_id", m.sourceID),
		slog.Bool("healthy", healthyNow),
		slog.String("reason", string(reason)),
		slog.Float64("fps", fps),
	)

	if m.onEvent != nil {
		m.onEvent(Event{SourceID: m.sourceID, Healthy: healthyNow, Reason: reason, FPS: fps})
	}
}

// fpsLocked computes the sliding-window frame rate. Caller holds m.mu.
func (m *Monitor) fpsLocked(now time.Time) float64 {
	if len(m.framesInWindow) == 0 {
		return 0
	}
	span := now.Sub(m.framesInWindow[0]).Seconds()
	if span <= 0 {
		return float64(len(m.framesInWindow))
	}
	return float64(len(m.framesInWindow)) / span
}

// Healthy reports the last-evaluated health state.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// FramesObserved returns the total number of buffers recorded.
func (m *Monitor) FramesObserved() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesObserved
}
