// Package pipeline builds the fixed-topology processing graph
// mux -> infer -> track -> convert -> overlay -> sink and wires sources
// into it. Stages are goroutine-driven channel pipelines rather than a
// native media framework's pad graph — Frame is the in-process analogue
// of a linked buffer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kjanssen/vidcore/internal/backend"
	"github.com/kjanssen/vidcore/internal/bus"
	"github.com/kjanssen/vidcore/internal/metadata"
	"github.com/kjanssen/vidcore/internal/source"
)

// State mirrors a GStreamer-style pipeline state. SetState records it;
// the stage goroutines start in Build and run until Close whatever the
// recorded State is.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// ErrSourceAlreadyAttached is returned by AttachSource for a SourceId that
// already holds a muxer request-pad.
var ErrSourceAlreadyAttached = errors.New("pipeline: source already attached")

// ErrSourceNotAttached is returned by DetachSource for an unknown SourceId.
var ErrSourceNotAttached = errors.New("pipeline: source not attached")

// ConstructionError wraps a stage construction failure with the stage
// that failed, per spec.md §4.3.
type ConstructionError struct {
	Stage string
	Cause error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("pipeline: constructing stage %q: %v", e.Stage, e.Cause)
}
func (e *ConstructionError) Unwrap() error { return e.Cause }

// Config configures the fixed pipeline topology.
type Config struct {
	BatchSize          int
	DrainTimeout       time.Duration
	LinkTimeout        time.Duration
	InferenceThreshold float64
	InferenceConfig    string
	Overlay            OverlayConfig
	Infer              InferenceFunc // optional, injected by the caller; nil means no detections are produced
	// StalenessBound bounds how far overlayStage will reach back into the
	// metadata bridge for a detection frame, as PTS delta. <= 0 falls
	// back to 2s; cmd/vidcore passes 2*frame-interval derived from
	// health.min_fps.
	StalenessBound time.Duration
}

// OverlayConfig mirrors the configured overlay.bbox/overlay.text flags.
type OverlayConfig struct {
	BBox      bool
	Text      bool
	LineWidth int
	TextSize  int
}

// sourceRoute is the per-source bookkeeping PipelineBuilder keeps while a
// source is attached: its own input channel and a cancel func for the
// fan-in goroutine that feeds muxOut.
type sourceRoute struct {
	demux  backend.Element
	in     chan Frame
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline is the shared, process-lifetime graph every VideoSource
// attaches to. It owns the singleton mux/infer/track/convert/overlay/sink
// stage goroutines and demultiplexes per-source attach/detach under a
// per-source lock so two distinct sources may attach/detach concurrently.
type Pipeline struct {
	config Config
	back   backend.Backend
	bus    *bus.Dispatcher
	meta   *metadata.Bridge
	logger *slog.Logger

	elements map[backend.Role]backend.Element
	dyn      *dynamicConfig

	stateMu sync.RWMutex
	state   State

	routesMu sync.Mutex
	routes   map[source.ID]*sourceRoute
	locks    map[source.ID]*sync.Mutex

	muxOut chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Build constructs every fixed-topology stage on the selected backend and
// wires their channels together, starting the stage goroutines. Sources
// can be attached as soon as it returns.
func Build(ctx context.Context, back backend.Backend, config Config, busDispatcher *bus.Dispatcher, metaBridge *metadata.Bridge, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize < 1 {
		config.BatchSize = 8
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if config.LinkTimeout <= 0 {
		config.LinkTimeout = 10 * time.Second
	}
	if config.StalenessBound <= 0 {
		config.StalenessBound = 2 * time.Second
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		config:   config,
		back:     back,
		bus:      busDispatcher,
		meta:     metaBridge,
		logger:   logger,
		elements: make(map[backend.Role]backend.Element),
		dyn:      newDynamicConfig(config.Overlay, config.InferenceThreshold),
		routes:   make(map[source.ID]*sourceRoute),
		locks:    make(map[source.ID]*sync.Mutex),
		muxOut:   make(chan Frame, config.BatchSize),
		ctx:      pctx,
		cancel:   cancel,
	}

	roles := []struct {
		role  backend.Role
		props map[string]any
	}{
		{backend.RoleMuxer, map[string]any{"batch_size": config.BatchSize}},
		{backend.RoleInferencer, map[string]any{"config_path": config.InferenceConfig, "threshold": config.InferenceThreshold, "batch_size": config.BatchSize}},
		{backend.RoleTracker, nil},
		{backend.RoleVideoConvert, nil},
		{backend.RoleOverlay, map[string]any{"bbox": config.Overlay.BBox, "text": config.Overlay.Text, "line_width": config.Overlay.LineWidth, "text_size": config.Overlay.TextSize}},
		{backend.RoleSink, nil},
	}

	for _, r := range roles {
		el, err := backend.Construct(ctx, back, r.role, string(r.role)+"-0", r.props, logger)
		if err != nil {
			cancel()
			return nil, &ConstructionError{Stage: string(r.role), Cause: err}
		}
		p.elements[r.role] = el
	}

	p.startStages()
	p.setState(StateReady)
	return p, nil
}

func (p *Pipeline) startStages() {
	inferIn := p.muxOut
	inferOut := make(chan Frame, p.config.BatchSize)
	trackOut := make(chan Frame, p.config.BatchSize)
	convertOut := make(chan Frame, p.config.BatchSize)
	overlayOut := make(chan Frame, p.config.BatchSize)

	p.runStage("infer", inferIn, inferOut, inferStage(p.config.Infer, p.meta, p.dyn))
	p.runStage("track", inferOut, trackOut, trackStage())
	p.runStage("convert", trackOut, convertOut, convertStage())
	p.runStage("overlay", convertOut, overlayOut, overlayStage(p.meta, p.dyn, int64(p.config.StalenessBound)))
	p.runStage("sink", overlayOut, nil, sinkStage(p.elements[backend.RoleSink]))
}

func (p *Pipeline) runStage(name string, in <-chan Frame, out chan<- Frame, fn StageFunc) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		RunStage(p.ctx, name, in, out, fn, func(err error) {
			p.logger.Warn("pipeline stage error", slog.String("stage", name), slog.Any("error", err))
			if p.bus != nil {
				p.bus.Post(bus.Message{Kind: bus.KindWarning, Element: name, Text: err.Error()})
			}
		})
	}()
}

// AttachSource registers an input channel for id, keeping demux on the
// route, and fans that channel into the shared muxer output.
// Concurrent attaches of distinct ids proceed in parallel; this call only
// serializes against another attach/detach of the same id.
func (p *Pipeline) AttachSource(ctx context.Context, id source.ID, demux backend.Element) error {
	lock := p.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	p.routesMu.Lock()
	if _, exists := p.routes[id]; exists {
		p.routesMu.Unlock()
		return ErrSourceAlreadyAttached
	}
	routeCtx, routeCancel := context.WithCancel(p.ctx)
	route := &sourceRoute{
		demux:  demux,
		in:     make(chan Frame, p.config.BatchSize),
		cancel: routeCancel,
		done:   make(chan struct{}),
	}
	p.routes[id] = route
	p.routesMu.Unlock()

	go func() {
		defer close(route.done)
		for {
			select {
			case <-routeCtx.Done():
				return
			case frame, ok := <-route.in:
				if !ok {
					return
				}
				select {
				case p.muxOut <- frame:
				case <-routeCtx.Done():
					return
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		p.removeRoute(id)
		return ctx.Err()
	default:
	}

	p.logger.Debug("source attached", slog.Int("source_id", int(id)))
	return nil
}

// DetachSource unlinks id's route. Graceful detach drains queued frames
// up to drain_timeout before removing the route; abrupt detach (fault
// path) cancels immediately and drops whatever is queued.
func (p *Pipeline) DetachSource(ctx context.Context, id source.ID, graceful bool) error {
	lock := p.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	p.routesMu.Lock()
	route, ok := p.routes[id]
	p.routesMu.Unlock()
	if !ok {
		return ErrSourceNotAttached
	}

	close(route.in)

	if graceful {
		drainCtx, cancel := context.WithTimeout(ctx, p.config.DrainTimeout)
		defer cancel()
		select {
		case <-route.done:
		case <-drainCtx.Done():
			route.cancel()
			<-route.done
		}
	} else {
		route.cancel()
		<-route.done
	}

	p.removeRoute(id)
	p.logger.Debug("source detached", slog.Int("source_id", int(id)), slog.Bool("graceful", graceful))
	return nil
}

func (p *Pipeline) removeRoute(id source.ID) {
	p.routesMu.Lock()
	delete(p.routes, id)
	p.routesMu.Unlock()
}

func (p *Pipeline) lockFor(id source.ID) *sync.Mutex {
	p.routesMu.Lock()
	defer p.routesMu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// PushFrame feeds a demuxed frame for id into the pipeline; it is the
// software-pipeline analogue of a pad pushing a buffer downstream.
// Nothing in this module calls it outside tests.
func (p *Pipeline) PushFrame(id source.ID, frame Frame) error {
	p.routesMu.Lock()
	route, ok := p.routes[id]
	p.routesMu.Unlock()
	if !ok {
		return ErrSourceNotAttached
	}
	select {
	case route.in <- frame:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// SetState drives the whole pipeline to target, refusing to regress below
// Ready while any source route remains attached.
func (p *Pipeline) SetState(ctx context.Context, target State) error {
	p.routesMu.Lock()
	activeSources := len(p.routes)
	p.routesMu.Unlock()

	if target < StateReady && activeSources > 0 {
		return fmt.Errorf("pipeline: cannot transition to %s with %d active sources", target, activeSources)
	}

	p.setState(target)
	return nil
}

func (p *Pipeline) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// State returns the pipeline's current state.
func (p *Pipeline) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// Bus exposes the dispatcher BusDispatcher drains.
func (p *Pipeline) Bus() *bus.Dispatcher { return p.bus }

// SetOverlay updates the overlay display flags applied to every frame
// from every attached source, effective on the next frame through the
// overlay stage. This is the only SourceController.Modify target that
// touches drawing, since overlay is a shared downstream stage.
func (p *Pipeline) SetOverlay(cfg OverlayConfig) { p.dyn.SetOverlay(cfg) }

// Overlay returns the overlay display flags currently in effect.
func (p *Pipeline) Overlay() OverlayConfig { return p.dyn.Overlay() }

// SetInferenceThreshold updates the minimum detection confidence the
// infer stage keeps, effective on the next frame.
func (p *Pipeline) SetInferenceThreshold(v float64) { p.dyn.SetThreshold(v) }

// InferenceThreshold returns the confidence threshold currently in effect.
func (p *Pipeline) InferenceThreshold() float64 { return p.dyn.Threshold() }

// Close tears down every stage goroutine and closes the fixed elements.
func (p *Pipeline) Close(ctx context.Context) error {
	p.cancel()
	p.wg.Wait()

	var firstErr error
	for _, el := range p.elements {
		if err := el.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
