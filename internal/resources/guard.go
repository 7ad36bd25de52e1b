package resources

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Limits below which no new job is admitted. Zero disables a check.
type Limits struct {
	MinFreeDiskBytes uint64
	MaxMemoryPercent float64
	PollInterval     time.Duration
}

// Snapshot is one reading of the host.
type Snapshot struct {
	FreeDiskBytes uint64
	MemoryPercent float64
}

// Guard holds uploads back while the work dir's disk or host memory is exhausted.
// Consumers call Wait before dispatching, so pressure turns into slower consumption
// instead of failed transcodes.
type Guard struct {
	logger  hclog.Logger
	workDir string
	limits  Limits

	sample func(ctx context.Context, path string) (Snapshot, error)
}

func NewGuard(logger hclog.Logger, workDir string, limits Limits) *Guard {
	if limits.PollInterval <= 0 {
		limits.PollInterval = 5 * time.Second
	}
	return &Guard{
		logger:  logger.Named("resources"),
		workDir: workDir,
		limits:  limits,
		sample:  hostSnapshot,
	}
}

func hostSnapshot(ctx context.Context, path string) (Snapshot, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read memory usage: %w", err)
	}
	return Snapshot{FreeDiskBytes: usage.Free, MemoryPercent: vm.UsedPercent}, nil
}

// Check returns nil when a new job fits within the limits.
func (g *Guard) Check(ctx context.Context) error {
	if g == nil || (g.limits.MinFreeDiskBytes == 0 && g.limits.MaxMemoryPercent == 0) {
		return nil
	}
	snap, err := g.sample(ctx, g.workDir)
	if err != nil {
		// an unreadable host is not a reason to stop consuming
		g.logger.Warn("resource sample failed", "error", err)
		return nil
	}
	if g.limits.MinFreeDiskBytes > 0 && snap.FreeDiskBytes < g.limits.MinFreeDiskBytes {
		return fmt.Errorf("free disk %d bytes below %d", snap.FreeDiskBytes, g.limits.MinFreeDiskBytes)
	}
	if g.limits.MaxMemoryPercent > 0 && snap.MemoryPercent > g.limits.MaxMemoryPercent {
		return fmt.Errorf("memory use %.1f%% above %.1f%%", snap.MemoryPercent, g.limits.MaxMemoryPercent)
	}
	return nil
}

// Wait blocks until Check passes or ctx ends.
func (g *Guard) Wait(ctx context.Context) error {
	err := g.Check(ctx)
	if err == nil {
		return nil
	}
	g.logger.Warn("holding uploads back", "reason", err)

	ticker := time.NewTicker(g.limits.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.Check(ctx); err == nil {
				g.logger.Info("resources available again, resuming")
				return nil
			}
		}
	}
}
