// Package bus implements the single-consumer message dispatcher that
// demultiplexes the pipeline's bus: errors are classified and routed to
// recovery, EOS and state-change messages are tracked for diagnostics,
// warnings are logged and dropped.
package bus

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/kjanssen/vidcore/internal/recovery"
)

// Kind identifies the category of a bus message.
type Kind int

const (
	// KindError is a pipeline element error, attributable to a source.
	KindError Kind = iota
	// KindEOS is the pipeline-wide end-of-stream, fired once all sources drain.
	KindEOS
	// KindSourceEOS is the backend-specific per-source EOS used by graceful removal.
	KindSourceEOS
	// KindStateChanged is tracked for diagnostics only; it never triggers recovery.
	KindStateChanged
	// KindWarning is logged and not propagated further.
	KindWarning
)

// Message is one entry read off the pipeline bus.
type Message struct {
	Kind     Kind
	SourceID string // empty for pipeline-wide messages
	Element  string // originating element name, for Error/StateChanged
	Err      error
	Class    recovery.ErrorClass
	State    string // new state, for StateChanged
	Text     string // free text, for Warning
}

// diagEntry is a StateChanged record kept in the diagnostic ring, tagged
// with a monotonic sortable id so a consumer can order-and-dedup without
// relying on wall-clock time.
type diagEntry struct {
	ID       ulid.ULID
	SourceID string
	Element  string
	State    string
}

// Handlers receives the dispatcher's demultiplexed callouts. Fields left
// nil are ignored for that message kind.
type Handlers struct {
	OnSourceError func(ctx context.Context, sourceID string, class recovery.ErrorClass, err error)
	OnFatalError  func(ctx context.Context, err error)
	OnPipelineEOS func(ctx context.Context)
	OnSourceEOS   func(ctx context.Context, sourceID string)
}

// Dispatcher drains one channel of bus messages on a dedicated
// goroutine and fans them out to Handlers. It must be drained promptly
// — bus producers block if the channel fills.
type Dispatcher struct {
	in       chan Message
	handlers Handlers
	logger   *slog.Logger

	mu        sync.Mutex
	diagRing  []diagEntry
	ringDepth int
	entropy   *ulid.MonotonicEntropy

	done chan struct{}
}

// New creates a dispatcher reading from a buffered channel of the given
// depth. ringDepth bounds the StateChanged diagnostic ring.
func New(bufferDepth, ringDepth int, handlers Handlers, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ringDepth < 1 {
		ringDepth = 64
	}
	return &Dispatcher{
		in:        make(chan Message, bufferDepth),
		handlers:  handlers,
		logger:    logger,
		ringDepth: ringDepth,
		done:      make(chan struct{}),
	}
}

// Post enqueues a message for dispatch. It is safe to call from any
// goroutine, including pad probes and bus callbacks — it never blocks
// on dispatch logic, only on channel capacity.
func (d *Dispatcher) Post(msg Message) {
	d.in <- msg
}

// Run drains the bus until ctx is cancelled or Close is called. It is
// meant to be the dispatcher's dedicated consumer goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.in:
			if !ok {
				return
			}
			d.handle(ctx, msg)
		}
	}
}

// Close stops accepting new messages. Run exits once the channel drains.
func (d *Dispatcher) Close() {
	close(d.in)
	<-d.done
}

func (d *Dispatcher) handle(ctx context.Context, msg Message) {
	switch msg.Kind {
	case KindError:
		if msg.SourceID == "" {
			d.logger.Error("fatal pipeline error with no owning source", slog.Any("error", msg.Err))
			if d.handlers.OnFatalError != nil {
				d.handlers.OnFatalError(ctx, msg.Err)
			}
			return
		}
		d.logger.Warn("source error",
			slog.String("source_id", msg.SourceID),
			slog.String("class", msg.Class.String()),
			slog.Any("error", msg.Err),
		)
		if d.handlers.OnSourceError != nil {
			d.handlers.OnSourceError(ctx, msg.SourceID, msg.Class, msg.Err)
		}

	case KindEOS:
		d.logger.Info("pipeline drained")
		if d.handlers.OnPipelineEOS != nil {
			d.handlers.OnPipelineEOS(ctx)
		}

	case KindSourceEOS:
		d.logger.Debug("source eos", slog.String("source_id", msg.SourceID))
		if d.handlers.OnSourceEOS != nil {
			d.handlers.OnSourceEOS(ctx, msg.SourceID)
		}

	case KindStateChanged:
		d.recordStateChange(msg)

	case KindWarning:
		d.logger.Warn("pipeline warning", slog.String("text", msg.Text), slog.String("source_id", msg.SourceID))
	}
}

func (d *Dispatcher) recordStateChange(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.entropy == nil {
		d.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Now(), d.entropy)
	if err != nil {
		return
	}

	entry := diagEntry{ID: id, SourceID: msg.SourceID, Element: msg.Element, State: msg.State}
	d.diagRing = append(d.diagRing, entry)
	if len(d.diagRing) > d.ringDepth {
		d.diagRing = d.diagRing[len(d.diagRing)-d.ringDepth:]
	}
}

// StateChanges returns a snapshot of the diagnostic ring, oldest first.
func (d *Dispatcher) StateChanges() []diagEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]diagEntry, len(d.diagRing))
	copy(out, d.diagRing)
	return out
}
