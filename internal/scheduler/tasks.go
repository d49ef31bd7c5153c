package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/startup"
	"github.com/spf13/afero"
)

// Task names.
const (
	TaskScratchCleanup = "scratch_cleanup"
	TaskSegmentPrune   = "segment_prune"
	TaskDiscovery      = "stream_discovery"
)

// SegmentPruner deletes segment audio rows that ended before a cutoff.
type SegmentPruner interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Refresher reconciles running stream workers with the registry.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ScratchCleanup removes scratch output abandoned by crashed encodes and by
// other instances' push encoders.
func ScratchCleanup(fsys afero.Fs, ship config.ShipConfig, instanceID string, maxAge time.Duration, logger *slog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		removed, err := startup.CleanupScratch(logger, fsys, ship, instanceID, maxAge)
		if err != nil {
			return fmt.Errorf("cleaning scratch: %w", err)
		}
		if removed > 0 {
			logger.InfoContext(ctx, "scratch cleanup complete", slog.Int("removed", removed))
		}
		return nil
	}
}

// SegmentPrune deletes segment audio that ended more than retention ago.
func SegmentPrune(pruner SegmentPruner, retention time.Duration, logger *slog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-retention)
		n, err := pruner.DeleteEndedBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("pruning segment audio: %w", err)
		}
		if n > 0 {
			logger.InfoContext(ctx, "pruned segment audio",
				slog.Int64("deleted", n),
				slog.Time("cutoff", cutoff))
		}
		return nil
	}
}

// Discovery refreshes the set of supervised streams.
func Discovery(r Refresher) TaskFunc {
	return func(ctx context.Context) error {
		return r.Refresh(ctx)
	}
}

// Housekeeping describes the collaborators RegisterHousekeeping wires to the
// configured schedules. Nil collaborators skip their task.
type Housekeeping struct {
	Config     config.HousekeepingConfig
	Ship       config.ShipConfig
	InstanceID string
	ScratchFs  afero.Fs
	Segments   SegmentPruner
	Supervisor Refresher
}

// RegisterHousekeeping adds the housekeeping tasks to s.
func RegisterHousekeeping(s *Scheduler, h Housekeeping) error {
	logger := s.logger
	if h.ScratchFs != nil {
		maxAge := h.Config.ScratchMaxAge
		if maxAge <= 0 {
			maxAge = startup.DefaultCleanupAge
		}
		if err := s.Add(TaskScratchCleanup, h.Config.Cron, ScratchCleanup(h.ScratchFs, h.Ship, h.InstanceID, maxAge, logger)); err != nil {
			return err
		}
	}
	if h.Segments != nil && h.Config.SegmentRetention > 0 {
		if err := s.Add(TaskSegmentPrune, h.Config.Cron, SegmentPrune(h.Segments, h.Config.SegmentRetention, logger)); err != nil {
			return err
		}
	}
	if h.Supervisor != nil && h.Config.DiscoveryCron != "" {
		if err := s.Add(TaskDiscovery, h.Config.DiscoveryCron, Discovery(h.Supervisor)); err != nil {
			return err
		}
	}
	return nil
}
