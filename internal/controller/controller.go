// Package controller implements SourceController, the public add/remove/
// modify/list/inspect surface wrapping SourceManager, VideoSource,
// HealthMonitor, CircuitBreaker and RecoveryManager into one fault-
// tolerant API. Every externally observable operation is serialized per
// SourceId; operations on distinct ids proceed in parallel.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kjanssen/vidcore/internal/backend"
	"github.com/kjanssen/vidcore/internal/breaker"
	"github.com/kjanssen/vidcore/internal/health"
	"github.com/kjanssen/vidcore/internal/pipeline"
	"github.com/kjanssen/vidcore/internal/recovery"
	"github.com/kjanssen/vidcore/internal/source"
)

// ErrUnsupportedProperty is returned by Modify for a property name
// outside the runtime-modifiable set (overlay flags, inference
// threshold). Format changes require remove+add per spec.md §4.6.
type ErrUnsupportedProperty struct {
	Property string
}

func (e *ErrUnsupportedProperty) Error() string {
	return fmt.Sprintf("controller: property %q is not runtime-modifiable; remove and re-add the source instead", e.Property)
}

// Overlay is the subset of *pipeline.Pipeline Modify needs: runtime
// overlay/threshold mutation. *pipeline.Pipeline satisfies it directly.
type Overlay interface {
	SetOverlay(cfg pipeline.OverlayConfig)
	Overlay() pipeline.OverlayConfig
	SetInferenceThreshold(v float64)
	InferenceThreshold() float64
}

// Policy configures per-source fault tolerance for Add.
type Policy struct {
	LinkTimeout time.Duration
	Health      health.Config
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// DefaultPolicy returns the defaults cmd/vidcore wires when a caller
// doesn't override them.
func DefaultPolicy() Policy {
	return Policy{
		LinkTimeout: 10 * time.Second,
		Health:      health.DefaultConfig(),
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		CapDelay:    30 * time.Second,
	}
}

// SourceInfo is the external snapshot List/Inspect returns.
type SourceInfo struct {
	ID             source.ID
	URI            string
	Label          string
	State          source.LifecycleState
	Healthy        bool
	FramesObserved uint64
	Breaker        breaker.Stats
	RetryAttempts  int
	Quarantined    bool
}

type entry struct {
	vs      *source.VideoSource
	monitor *health.Monitor
	cancel  context.CancelFunc
}

// Controller is the public API surface described by spec.md §4.6.
type Controller struct {
	manager  *source.Manager
	pipeline source.Pipeline
	back     backend.Backend
	breakers *breaker.Registry
	recov    *recovery.Manager
	policy   Policy
	overlay  Overlay
	logger   *slog.Logger
	bus      *eventBus

	mu      sync.Mutex
	entries map[source.ID]*entry
	locks   map[source.ID]*sync.Mutex
}

// Config wires a Controller's collaborators. Overlay may be nil if the
// caller never needs Modify to reach overlay/threshold properties.
type Config struct {
	Manager  *source.Manager
	Pipeline source.Pipeline
	Backend  backend.Backend
	Breakers *breaker.Registry
	Recovery *recovery.Manager
	Policy   Policy
	Overlay  Overlay
	Logger   *slog.Logger
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		manager:  cfg.Manager,
		pipeline: cfg.Pipeline,
		back:     cfg.Backend,
		breakers: cfg.Breakers,
		recov:    cfg.Recovery,
		policy:   cfg.Policy,
		overlay:  cfg.Overlay,
		logger:   cfg.Logger,
		bus:      newEventBus(),
		entries:  make(map[source.ID]*entry),
		locks:    make(map[source.ID]*sync.Mutex),
	}
	if c.breakers != nil {
		c.breakers.OnStateChange(c.handleCircuitStateChange)
	}
	return c
}

// handleCircuitStateChange publishes EventCircuitOpened/EventCircuitClosed
// whenever a source's breaker trips or recovers, per spec.md §6/§8. key
// is the breaker registry key, which sourceKey derives from source.ID.
func (c *Controller) handleCircuitStateChange(key string, from, to breaker.State) {
	n, err := strconv.Atoi(key)
	if err != nil {
		return
	}
	id := source.ID(n)

	switch to {
	case breaker.Open:
		until := time.Now()
		if cb := c.breakers.Get(key); cb != nil {
			stats := cb.Stats()
			until = stats.LastFailureTime.Add(stats.CurrentOpenFor)
		}
		c.bus.Publish(Event{SourceID: id, Kind: EventCircuitOpened, Until: until})
	case breaker.Closed:
		if from != breaker.Closed {
			c.bus.Publish(Event{SourceID: id, Kind: EventCircuitClosed})
		}
	}
}

// Add validates uri, allocates a SourceId, constructs and starts a
// VideoSource, and installs its HealthMonitor and CircuitBreaker. If the
// initial link fails the source is left in Failed/Retrying state and
// background recovery takes over; Add still returns the allocated id.
func (c *Controller) Add(ctx context.Context, uri, label string) (source.ID, error) {
	if _, err := source.ValidateURI(uri); err != nil {
		return 0, err
	}
	if !c.manager.HasCapacity() {
		return 0, source.ErrCapacityExceeded
	}

	id, err := c.manager.Allocate(uri, label)
	if err != nil {
		return 0, err
	}

	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	key := sourceKey(id)
	cb := c.breakers.Get(key)
	if !cb.Allow() {
		return id, breaker.ErrOpen
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	monitor := health.New(key, c.policy.Health, c.logger, func(ev health.Event) {
		c.handleHealthEvent(id, ev)
	})

	vs := source.New(source.Config{
		ID:          id,
		URI:         uri,
		LinkTimeout: c.policy.LinkTimeout,
		Manager:     c.manager,
		Pipeline:    c.pipeline,
		Construct:   c.constructDemuxer(uri),
		Logger:      c.logger,
		OnEvent:     func(ev source.Event) { c.handleSourceEvent(id, ev) },
	})

	c.mu.Lock()
	c.entries[id] = &entry{vs: vs, monitor: monitor, cancel: cancel}
	c.mu.Unlock()

	monitor.Start(monitorCtx)

	if err := vs.Start(ctx); err != nil {
		c.scheduleRecovery(id, vs, err)
	} else {
		cb.RecordSuccess()
	}

	c.bus.Publish(Event{SourceID: id, Kind: EventAdded, State: vs.State()})
	return id, nil
}

// constructDemuxer builds the Constructor VideoSource uses to build its
// demuxer element on (re)link. Nothing in this module starts the
// element's byte-level read loop; Construct here only hands back a
// role-correct Element the pipeline can hold a reference to and close on
// removal.
func (c *Controller) constructDemuxer(uri string) source.Constructor {
	return func(ctx context.Context) (backend.Element, error) {
		return backend.Construct(ctx, c.back, backend.RoleDemuxer, "demux-"+uri, nil, c.logger)
	}
}

// Remove initiates drain (graceful=true) or immediate teardown, releases
// the source's id, and tears down its monitor/breaker/recovery state.
func (c *Controller) Remove(ctx context.Context, id source.ID, graceful bool) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return source.ErrNotFound
	}

	if err := e.vs.Remove(ctx, graceful); err != nil {
		return err
	}
	e.monitor.Stop()
	e.cancel()

	if err := c.manager.Release(id); err != nil {
		return err
	}

	key := sourceKey(id)
	c.breakers.Remove(key)
	c.recov.Reset(key)

	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()

	c.bus.Publish(Event{SourceID: id, Kind: EventRemoved, State: source.StateRemoved})
	return nil
}

// Modify applies a runtime-modifiable property. Only overlay.bbox,
// overlay.text and inference.threshold are accepted; anything else,
// including format changes, is rejected per spec.md §4.6/§9.
func (c *Controller) Modify(id source.ID, property, value string) error {
	if _, ok := c.manager.Get(id); !ok {
		return source.ErrNotFound
	}
	if c.overlay == nil {
		return &ErrUnsupportedProperty{Property: property}
	}

	switch property {
	case "overlay.bbox":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("controller: parsing %s: %w", property, err)
		}
		cfg := c.overlay.Overlay()
		cfg.BBox = b
		c.overlay.SetOverlay(cfg)

	case "overlay.text":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("controller: parsing %s: %w", property, err)
		}
		cfg := c.overlay.Overlay()
		cfg.Text = b
		c.overlay.SetOverlay(cfg)

	case "inference.threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("controller: parsing %s: %w", property, err)
		}
		c.overlay.SetInferenceThreshold(f)

	default:
		return &ErrUnsupportedProperty{Property: property}
	}
	return nil
}

// List returns a snapshot of every active source.
func (c *Controller) List() []SourceInfo {
	snapshots := c.manager.List()
	out := make([]SourceInfo, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, c.inspectLocked(snap))
	}
	return out
}

// Inspect returns a snapshot of one source, including its breaker and
// retry state.
func (c *Controller) Inspect(id source.ID) (SourceInfo, error) {
	snap, ok := c.manager.Get(id)
	if !ok {
		return SourceInfo{}, source.ErrNotFound
	}
	return c.inspectLocked(snap), nil
}

func (c *Controller) inspectLocked(snap source.Snapshot) SourceInfo {
	key := sourceKey(snap.ID)
	info := SourceInfo{
		ID:            snap.ID,
		URI:           snap.URI,
		Label:         snap.Label,
		State:         snap.State,
		Breaker:       c.breakers.Get(key).Stats(),
		RetryAttempts: c.recov.Attempts(key),
		Quarantined:   c.recov.IsQuarantined(key),
	}

	c.mu.Lock()
	e, ok := c.entries[snap.ID]
	c.mu.Unlock()
	if ok {
		info.Healthy = e.monitor.Healthy()
		info.FramesObserved = e.monitor.FramesObserved()
	}
	return info
}

// Events subscribes to the controller's event stream. Call the returned
// func to unsubscribe and release the channel.
func (c *Controller) Events(bufferDepth int) (<-chan Event, func()) {
	return c.bus.Subscribe(bufferDepth)
}

func (c *Controller) handleSourceEvent(id source.ID, ev source.Event) {
	switch ev.Kind {
	case source.EventPlaying:
		c.bus.Publish(Event{SourceID: id, Kind: EventStateChanged, State: source.StatePlaying})
	case source.EventFailed:
		c.bus.Publish(Event{SourceID: id, Kind: EventStateChanged, State: source.StateFailed, Err: ev.Err})
	case source.EventRemoved:
		c.bus.Publish(Event{SourceID: id, Kind: EventStateChanged, State: source.StateRemoved})
	}
}

func (c *Controller) handleHealthEvent(id source.ID, ev health.Event) {
	c.bus.Publish(Event{SourceID: id, Kind: EventHealthChanged, Healthy: ev.Healthy})
	if ev.Healthy {
		return
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.scheduleRecovery(id, e.vs, fmt.Errorf("health: %s", ev.Reason))
}

// scheduleRecovery classifies err and hands it to RecoveryManager in the
// background; Transient failures retry via re-running Start, Permanent
// failures quarantine immediately, matching spec.md §4.9's per-class
// behavior.
func (c *Controller) scheduleRecovery(id source.ID, vs *source.VideoSource, err error) {
	class := classify(err)
	key := sourceKey(id)

	go func() {
		attempt := func(ctx context.Context) error { return vs.Start(ctx) }
		recErr := c.recov.Handle(context.Background(), key, class, attempt)
		if recErr != nil && errors.Is(recErr, recovery.ErrQuarantined) {
			c.bus.Publish(Event{SourceID: id, Kind: EventQuarantined, State: source.StateQuarantined})
		}
	}()
}

// classify maps a VideoSource failure to a recovery.ErrorClass. Link
// timeouts and generic construction errors are treated as Transient
// (worth retrying); an unsupported source scheme is Permanent, since
// retrying can never succeed.
func classify(err error) recovery.ErrorClass {
	var scheme *source.ErrUnsupportedScheme
	if errors.As(err, &scheme) {
		return recovery.Permanent
	}
	return recovery.Transient
}

func (c *Controller) lockFor(id source.ID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func sourceKey(id source.ID) string {
	return strconv.Itoa(int(id))
}
