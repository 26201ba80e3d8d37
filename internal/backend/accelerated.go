package backend

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// AcceleratedBackend layers batched-inference feasibility on top of
// StandardBackend: it reports the inferencer and tracker roles only when
// the host has enough CPU cores and free memory to run the configured
// batch size, so BackendRegistry falls through to Standard/Mock on small
// hosts instead of constructing an inferencer that will thrash.
type AcceleratedBackend struct {
	standard  *StandardBackend
	batchSize int
	logger    *slog.Logger

	mu       sync.Mutex
	detected bool
	feasible bool
}

// NewAcceleratedBackend creates an AcceleratedBackend gated on running
// batchSize concurrent inference slots.
func NewAcceleratedBackend(batchSize int, logger *slog.Logger) *AcceleratedBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &AcceleratedBackend{
		standard:  NewStandardBackend(logger),
		batchSize: batchSize,
		logger:    logger,
	}
}

func (b *AcceleratedBackend) Name() string { return "accelerated" }

func (b *AcceleratedBackend) Factory(role Role) Factory {
	switch role {
	case RoleInferencer, RoleTracker:
		if !b.isFeasible() {
			return nil
		}
		return &namedElementFactory{role: role, factoryName: "accelerated-" + string(role)}
	default:
		return b.standard.Factory(role)
	}
}

// isFeasible probes host resources once and caches the result, the same
// detect-once-and-cache shape the teacher uses for hardware-acceleration
// discovery.
func (b *AcceleratedBackend) isFeasible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detected {
		return b.feasible
	}
	b.detected = true
	b.feasible = b.probe()
	return b.feasible
}

// minCoresPerSlot and minFreeMemPerSlotMB are conservative per-batch-slot
// requirements for running inference alongside the rest of the pipeline.
const (
	minCoresPerSlot     = 1
	minFreeMemPerSlotMB = 256
)

func (b *AcceleratedBackend) probe() bool {
	counts, err := cpu.Counts(true)
	if err != nil {
		b.logger.Warn("accelerated backend: cpu probe failed", slog.Any("error", err))
		return false
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		b.logger.Warn("accelerated backend: memory probe failed", slog.Any("error", err))
		return false
	}
	freeMB := vm.Available / (1024 * 1024)

	feasible := counts >= b.batchSize*minCoresPerSlot && freeMB >= uint64(b.batchSize*minFreeMemPerSlotMB)
	b.logger.Debug("accelerated backend: feasibility probe",
		slog.Int("cpu_cores", counts),
		slog.Uint64("free_mem_mb", freeMB),
		slog.Int("batch_size", b.batchSize),
		slog.Bool("feasible", feasible),
	)
	return feasible
}
