package pipeline

import (
	"context"
	"image"
	"strconv"
	"sync"

	"github.com/kjanssen/vidcore/internal/metadata"
	"github.com/kjanssen/vidcore/internal/source"
)

// Frame is the in-process analogue of a buffer flowing between stages.
// Payload carries the raw elementary-stream bytes a real muxer element
// would hold; Image is populated once a stage has decoded a plane worth
// drawing on (overlay needs one, upstream stages may leave it nil).
type Frame struct {
	SourceID source.ID
	PTS      int64
	Keyframe bool
	Format   string
	Payload  []byte
	Image    *image.RGBA
	Objects  []metadata.Object
}

// InferenceFunc runs detection over one frame. It is injected by the
// caller — no concrete inference engine ships in this module, so wiring
// one in is a configuration concern, not a pipeline-package concern.
type InferenceFunc func(ctx context.Context, frame Frame) ([]metadata.Object, error)

// dynamicConfig holds the subset of pipeline configuration that
// SourceController.Modify is allowed to change at runtime: overlay
// display flags and the inference confidence threshold. Both are
// pipeline-wide rather than per-source because the fixed topology fans
// every attached source into the same shared infer/overlay stages.
type dynamicConfig struct {
	mu        sync.RWMutex
	overlay   OverlayConfig
	threshold float64
}

func newDynamicConfig(overlay OverlayConfig, threshold float64) *dynamicConfig {
	return &dynamicConfig{overlay: overlay, threshold: threshold}
}

func (d *dynamicConfig) Overlay() OverlayConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.overlay
}

func (d *dynamicConfig) SetOverlay(cfg OverlayConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overlay = cfg
}

func (d *dynamicConfig) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

func (d *dynamicConfig) SetThreshold(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = v
}

// sourceKey is the metadata.Bridge's string key for a source.ID.
func sourceKey(id source.ID) string {
	return strconv.Itoa(int(id))
}
