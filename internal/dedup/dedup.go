package dedup

import (
	"context"
	"time"

	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/pkg/logger"
)

// UpdateDedup guards inbound chat-platform events against duplicate
// delivery. The marker is one conditional insert, atomic at the storage
// layer, so it stays correct across concurrent handlers and processes.
type UpdateDedup struct {
	logger    *logger.Logger
	repo      models.Repository
	retention time.Duration
}

func NewUpdateDedup(repo models.Repository, retention time.Duration, logger *logger.Logger) *UpdateDedup {
	return &UpdateDedup{repo: repo, retention: retention, logger: logger}
}

// MarkProcessed records the update id and reports whether this call was the
// first to see it. False means a duplicate delivery that must be dropped
// before any side effect.
func (d *UpdateDedup) MarkProcessed(ctx context.Context, updateID int64) (bool, error) {
	first, err := d.repo.MarkUpdateProcessed(ctx, updateID)
	if err != nil {
		return false, err
	}
	if !first {
		d.logger.Debug("Duplicate update dropped ", "update ", updateID)
	}
	return first, nil
}

// Prune removes markers older than the retention horizon. Old markers are
// safe to forget: the chat platform does not redeliver updates that old.
func (d *UpdateDedup) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-d.retention)
	removed, err := d.repo.PruneProcessedUpdates(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		d.logger.Debug("Pruned processed updates ", "removed ", removed)
	}
	return removed, nil
}
