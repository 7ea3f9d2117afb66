package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"tunstack/internal/pool"
	"tunstack/internal/stack"
	"tunstack/internal/storage/models"
)

// Recorder stores runs and their occupancy samples. storage.Storage
// satisfies it.
type Recorder interface {
	CreateRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, run *models.Run) error
	RecordSample(ctx context.Context, sample *models.Sample) error
}

const recordTimeout = 5 * time.Second

func (n *native) startRun() error {
	if n.cfg.Recorder == nil {
		return nil
	}
	opts, err := json.Marshal(n.opts)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	run := &models.Run{
		Backend:   BackendNative,
		Device:    n.dev.Name(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Options:   string(opts),
		StartedAt: n.cfg.Clock.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := n.cfg.Recorder.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	n.curRun = run
	n.log.Info("run recorded", zap.Int64("run", run.ID))
	return nil
}

func (n *native) recordSample() {
	s := newSample(n.curRun.ID, n.cfg.Clock.Now(), n.mgr.Snapshot(), n.st.Stats())

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := n.cfg.Recorder.RecordSample(ctx, s); err != nil {
		n.log.Warn("failed to record sample", zap.Error(err))
	}
}

func (n *native) finishRun(leaks error) {
	if n.curRun == nil {
		return
	}
	end := n.cfg.Clock.Now()
	n.curRun.EndedAt = &end
	if leaks != nil {
		n.curRun.Leaks = leaks.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := n.cfg.Recorder.FinishRun(ctx, n.curRun); err != nil {
		n.log.Warn("failed to finish run", zap.Error(err))
	}
}

// newSample converts a pool snapshot and stack counters into a stored
// sample.
func newSample(runID int64, at time.Time, snap pool.Snapshot, st stack.Stats) *models.Sample {
	s := &models.Sample{
		RunID:        runID,
		TakenAt:      at,
		HeapSize:     snap.Heap.Size,
		HeapUsed:     snap.Heap.Used,
		HeapPeak:     snap.Heap.Peak,
		HeapFailures: snap.Heap.Failures,
		TCPConns:     st.TCPConns,
		UDPFlows:     st.UDPFlows,
	}
	for _, c := range []stack.Counters{st.Link, st.IPFrag, st.IP, st.ICMP, st.Raw, st.UDP, st.TCP} {
		s.Drops += c.Drop
	}
	for _, p := range snap.Pools {
		s.Pools = append(s.Pools, models.PoolSample{
			Kind:      p.Kind.String(),
			Capacity:  p.Capacity,
			Used:      p.Used,
			HighWater: p.HighWater,
			Failures:  p.Failures,
		})
	}
	return s
}
