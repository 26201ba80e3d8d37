package pipeline

import (
	"context"
	"sync"

	"github.com/kjanssen/vidcore/internal/backend"
	"github.com/kjanssen/vidcore/internal/metadata"
	"github.com/kjanssen/vidcore/internal/source"
)

// StageFunc processes one frame. forward reports whether result should be
// pushed downstream; returning forward=false drops the frame (used by a
// stage that filters, never by an error path — errors go through
// onError instead).
type StageFunc func(ctx context.Context, frame Frame) (result Frame, forward bool, err error)

// RunStage drives fn over in until in closes or ctx is cancelled,
// forwarding results to out. Mirrors the worker/processJob/select loop
// a polling goroutine runs against a job queue: block for work, run
// one unit, check for cancellation between units.
func RunStage(ctx context.Context, name string, in <-chan Frame, out chan<- Frame, fn StageFunc, onError func(error)) {
	defer func() {
		if out != nil {
			close(out)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			result, forward, err := fn(ctx, frame)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !forward || out == nil {
				continue
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// inferStage runs the configured InferenceFunc (nil means detection is
// disabled), drops detections below the live confidence threshold, and
// publishes survivors to the bridge so the overlay stage and external
// inspectors can read them.
func inferStage(infer InferenceFunc, bridge *metadata.Bridge, dyn *dynamicConfig) StageFunc {
	return func(ctx context.Context, frame Frame) (Frame, bool, error) {
		if infer == nil {
			return frame, true, nil
		}
		objects, err := infer(ctx, frame)
		if err != nil {
			return frame, false, err
		}

		threshold := dyn.Threshold()
		kept := objects[:0:0]
		for _, obj := range objects {
			if obj.Confidence >= float32(threshold) {
				kept = append(kept, obj)
			}
		}
		frame.Objects = kept

		if bridge != nil {
			bridge.Publish(sourceKey(frame.SourceID), metadata.Frame{PTS: frame.PTS, Objects: kept})
		}
		return frame, true, nil
	}
}

// tracker assigns a stable TrackID to each detection by matching it
// against the nearest detection of the same class from that source's
// previous frame. State is keyed per source so concurrent sources never
// share track identity space.
type tracker struct {
	mu     sync.Mutex
	nextID map[source.ID]int64
	prior  map[source.ID][]metadata.Object
}

const trackMatchDistance = 0.1 // normalized bbox-centroid distance threshold

func trackStage() StageFunc {
	t := &tracker{
		nextID: make(map[source.ID]int64),
		prior:  make(map[source.ID][]metadata.Object),
	}
	return func(ctx context.Context, frame Frame) (Frame, bool, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		prior := t.prior[frame.SourceID]
		for i := range frame.Objects {
			obj := &frame.Objects[i]
			if id, ok := nearestTrack(obj, prior); ok {
				obj.TrackID = &id
				continue
			}
			id := t.nextID[frame.SourceID]
			t.nextID[frame.SourceID] = id + 1
			obj.TrackID = &id
		}
		t.prior[frame.SourceID] = frame.Objects
		return frame, true, nil
	}
}

func nearestTrack(obj *metadata.Object, prior []metadata.Object) (int64, bool) {
	cx, cy := centroid(obj.BBox)
	var (
		bestID   int64
		bestDist = float32(trackMatchDistance)
		found    bool
	)
	for _, p := range prior {
		if p.ClassID != obj.ClassID || p.TrackID == nil {
			continue
		}
		px, py := centroid(p.BBox)
		d := distance(cx, cy, px, py)
		if d <= bestDist {
			bestDist, bestID, found = d, *p.TrackID, true
		}
	}
	return bestID, found
}

func centroid(box [4]float32) (x, y float32) {
	return box[0] + box[2]/2, box[1] + box[3]/2
}

func distance(x1, y1, x2, y2 float32) float32 {
	dx, dy := x1-x2, y1-y2
	// avoid importing math for one sqrt: squared-distance comparison
	// would do, but callers compare against a threshold distance, so
	// take the root for a readable threshold value.
	return sqrt32(dx*dx + dy*dy)
}

func sqrt32(v float32) float32 {
	if v <= 0 {
		return 0
	}
	x := v
	for range 12 {
		x = 0.5 * (x + v/x)
	}
	return x
}

// convertStage is the format-negotiation stage. The backend's
// video_convert element owns the real colorspace/scale conversion; here
// it only stamps the negotiated format name onto the frame so overlay
// and sink stages know what they received.
func convertStage() StageFunc {
	return func(ctx context.Context, frame Frame) (Frame, bool, error) {
		if frame.Format == "" {
			frame.Format = "rgba"
		}
		return frame, true, nil
	}
}

// overlayStage draws bounding boxes and labels read back from the
// bridge onto any frame carrying a decoded image plane. stalenessBound
// bounds how far back a detection frame may lag the overlay frame's PTS
// before it is treated as too old to draw (spec.md §4.11); it must be
// positive, since 0 disables the staleness check entirely.
func overlayStage(bridge *metadata.Bridge, dyn *dynamicConfig, stalenessBound int64) StageFunc {
	return func(ctx context.Context, frame Frame) (Frame, bool, error) {
		if bridge != nil && len(frame.Objects) == 0 {
			if mf, ok := bridge.Query(sourceKey(frame.SourceID), frame.PTS, stalenessBound); ok {
				frame.Objects = mf.Objects
			}
		}
		cfg := dyn.Overlay()
		if frame.Image != nil && (cfg.BBox || cfg.Text) {
			DrawOverlay(frame.Image, frame.Objects, cfg)
		}
		return frame, true, nil
	}
}

// FrameWriter is implemented by sink elements that accept pushed frames.
// Backend elements that don't implement it simply discard frames at the
// end of the topology (the element's Close still runs on teardown).
type FrameWriter interface {
	WriteFrame(frame Frame) error
}

func sinkStage(sink backend.Element) StageFunc {
	writer, _ := sink.(FrameWriter)
	return func(ctx context.Context, frame Frame) (Frame, bool, error) {
		if writer == nil {
			return frame, false, nil
		}
		if err := writer.WriteFrame(frame); err != nil {
			return frame, false, err
		}
		return frame, false, nil
	}
}
