package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kjanssen/vidcore/internal/backend"
)

// ErrLinkTimeout is returned when a source's demuxer does not link to the
// reserved muxer pad within link_timeout.
var ErrLinkTimeout = errors.New("source: link timeout")

// Pipeline is the subset of PipelineBuilder a VideoSource needs: claiming
// and releasing the muxer request-pad it owns for its lifetime.
type Pipeline interface {
	AttachSource(ctx context.Context, id ID, demux backend.Element) error
	DetachSource(ctx context.Context, id ID, graceful bool) error
}

// Constructor builds the demuxer element for a source's URI.
type Constructor func(ctx context.Context) (backend.Element, error)

// EventKind classifies a VideoSource lifecycle event.
type EventKind int

const (
	EventPlaying EventKind = iota
	EventFailed
	EventRemoved
)

// Event is emitted on every externally-observable state transition.
type Event struct {
	ID    ID
	Kind  EventKind
	Err   error
	State LifecycleState
}

// VideoSource wraps one demuxer element and drives it through the
// Initializing -> Linking -> Playing/Failed -> Paused -> Draining ->
// Removed state machine. It exclusively owns the demuxer element and the
// muxer request-pad it holds until release completes.
type VideoSource struct {
	id          ID
	uri         string
	linkTimeout time.Duration
	manager     *Manager
	pipeline    Pipeline
	construct   Constructor
	logger      *slog.Logger
	onEvent     func(Event)

	mu     sync.Mutex
	demux  backend.Element
	state  LifecycleState
}

// Config configures a new VideoSource.
type Config struct {
	ID          ID
	URI         string
	LinkTimeout time.Duration
	Manager     *Manager
	Pipeline    Pipeline
	Construct   Constructor
	Logger      *slog.Logger
	OnEvent     func(Event)
}

// New creates a VideoSource in the Initializing state. The caller must
// already have allocated id via Manager.Allocate.
func New(cfg Config) *VideoSource {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = 10 * time.Second
	}
	return &VideoSource{
		id:          cfg.ID,
		uri:         cfg.URI,
		linkTimeout: cfg.LinkTimeout,
		manager:     cfg.Manager,
		pipeline:    cfg.Pipeline,
		construct:   cfg.Construct,
		logger:      cfg.Logger,
		onEvent:     cfg.OnEvent,
		state:       StateInitializing,
	}
}

func (s *VideoSource) ID() ID { return s.id }

func (s *VideoSource) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start constructs the demuxer and links it to the pipeline's reserved
// muxer pad, tolerating late pad arrival up to link_timeout. On success
// the source transitions to Playing; on construction error or link
// timeout it transitions to Failed and emits EventFailed. Called on a
// Failed source (a retry), it passes through Retrying back to Linking.
func (s *VideoSource) Start(ctx context.Context) error {
	if s.State() == StateFailed {
		if err := s.transition(StateFailed, StateRetrying); err != nil {
			return err
		}
		if err := s.transition(StateRetrying, StateLinking); err != nil {
			return err
		}
	} else if err := s.transition(StateInitializing, StateLinking); err != nil {
		return err
	}

	demux, err := s.construct(ctx)
	if err != nil {
		s.fail(fmt.Errorf("constructing demuxer: %w", err))
		return err
	}

	s.mu.Lock()
	s.demux = demux
	s.mu.Unlock()

	linkCtx, cancel := context.WithTimeout(ctx, s.linkTimeout)
	defer cancel()

	if err := s.pipeline.AttachSource(linkCtx, s.id, demux); err != nil {
		if errors.Is(linkCtx.Err(), context.DeadlineExceeded) {
			err = ErrLinkTimeout
		}
		s.fail(err)
		return err
	}

	if err := s.transition(StateLinking, StatePlaying); err != nil {
		return err
	}
	s.emit(Event{ID: s.id, Kind: EventPlaying, State: StatePlaying})
	s.logger.Info("source playing", slog.Int("source_id", int(s.id)), slog.String("uri", s.uri))
	return nil
}

// Pause transitions Playing -> Paused. The underlying demuxer element is
// left linked; only the logical state changes, matching spec.md's
// Playing<->Paused cycle.
func (s *VideoSource) Pause() error {
	return s.transition(StatePlaying, StatePaused)
}

// Resume transitions Paused -> Playing.
func (s *VideoSource) Resume() error {
	return s.transition(StatePaused, StatePlaying)
}

// Remove begins removal. Graceful removal lets DetachSource drive
// end-of-stream propagation before the pad is released; abrupt removal
// (the fault path) drops queued buffers immediately.
func (s *VideoSource) Remove(ctx context.Context, graceful bool) error {
	from := s.State()
	if from != StatePlaying && from != StatePaused && from != StateFailed {
		return &ErrInvalidTransition{From: from, To: StateDraining}
	}
	if from != StateFailed {
		if err := s.transition(from, StateDraining); err != nil {
			return err
		}
	}

	if err := s.pipeline.DetachSource(ctx, s.id, graceful); err != nil {
		s.logger.Warn("detach source failed, proceeding to removed anyway",
			slog.Int("source_id", int(s.id)), slog.Any("error", err))
	}

	s.mu.Lock()
	demux := s.demux
	s.mu.Unlock()
	if demux != nil {
		if err := demux.Close(ctx); err != nil {
			s.logger.Warn("closing demuxer element failed", slog.Any("error", err))
		}
	}

	cur := s.State()
	if cur != StateDraining {
		// Failed sources skip Draining; transition directly per the
		// Failed -> Removed edge spec.md §3 carves out.
		if err := s.transition(cur, StateRemoved); err != nil {
			return err
		}
	} else if err := s.transition(StateDraining, StateRemoved); err != nil {
		return err
	}

	s.emit(Event{ID: s.id, Kind: EventRemoved, State: StateRemoved})
	return nil
}

func (s *VideoSource) fail(err error) {
	cur := s.State()
	_ = s.transition(cur, StateFailed)
	s.emit(Event{ID: s.id, Kind: EventFailed, Err: err, State: StateFailed})
	s.logger.Warn("source failed", slog.Int("source_id", int(s.id)), slog.Any("error", err))
}

func (s *VideoSource) transition(from, to LifecycleState) error {
	s.mu.Lock()
	if s.state != from {
		cur := s.state
		s.mu.Unlock()
		return &ErrInvalidTransition{From: cur, To: to}
	}
	if !canTransition(from, to) {
		s.mu.Unlock()
		return &ErrInvalidTransition{From: from, To: to}
	}
	s.state = to
	s.mu.Unlock()

	if s.manager != nil {
		return s.manager.Transition(s.id, from, to)
	}
	return nil
}

func (s *VideoSource) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
