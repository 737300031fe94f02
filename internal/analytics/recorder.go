// Package analytics records run and publication outcomes for reporting.
// Analytics is best-effort: a failed write is logged and counted, never
// allowed to fail the pipeline itself.
package analytics

import (
	"context"
	"log/slog"

	"blog-pipeline/internal/models"
	"blog-pipeline/internal/telemetry"
)

// Journal is where analytics facts land. The Postgres store satisfies it.
type Journal interface {
	PublicationsForItem(ctx context.Context, itemID string) ([]models.PublicationRecord, error)
	GetRun(ctx context.Context, id string) (models.PipelineRun, bool, error)
}

// Recorder reports pipeline outcomes to logs and metrics.
type Recorder struct {
	journal Journal
	logger  *slog.Logger
}

// NewRecorder wires the reporter.
func NewRecorder(journal Journal, logger *slog.Logger) *Recorder {
	return &Recorder{journal: journal, logger: logger}
}

// Publication reports one publication attempt outcome. Append-only and
// best effort: it counts and logs, and never returns an error.
func (r *Recorder) Publication(_ context.Context, rec models.PublicationRecord) {
	if rec.Succeeded {
		telemetry.PublishSuccess.Inc()
		r.logger.Info("publication recorded",
			"item", rec.ItemID, "target", rec.Target, "ref", refOrEmpty(rec.ExternalRef))
		return
	}
	telemetry.PublishFailures.Inc()
	r.logger.Warn("publication attempt failed",
		"item", rec.ItemID, "target", rec.Target, "detail", rec.Detail)
}

func refOrEmpty(ref *string) string {
	if ref == nil {
		return ""
	}
	return *ref
}

// ItemCompleted reports one item reaching a terminal state.
func (r *Recorder) ItemCompleted(ctx context.Context, item models.ContentItem) {
	pubs, err := r.journal.PublicationsForItem(ctx, item.ID)
	if err != nil {
		telemetry.AnalyticsDropped.Inc()
		r.logger.Warn("analytics: cannot load publications", "item", item.ID, "err", err)
		pubs = nil
	}

	succeeded := 0
	for _, p := range pubs {
		if p.Succeeded {
			succeeded++
		}
	}
	r.logger.Info("item finished",
		"item", item.ID, "topic", item.Topic, "state", item.State,
		"publications", succeeded, "attempts_logged", len(pubs))
}

// RunFinished reports the aggregate outcome of one run.
func (r *Recorder) RunFinished(ctx context.Context, runID string, summary models.RunSummary) {
	run, found, err := r.journal.GetRun(ctx, runID)
	if err != nil || !found {
		telemetry.AnalyticsDropped.Inc()
		r.logger.Warn("analytics: cannot load run", "run", runID, "err", err)
		r.logger.Info("run finished",
			"run", runID, "completed", summary.Completed, "failed", summary.Failed,
			"deferred", summary.Deferred, "in_progress", summary.InProgress)
		return
	}

	r.logger.Info("run finished",
		"run", runID,
		"items", len(run.ItemIDs),
		"completed", summary.Completed,
		"failed", summary.Failed,
		"deferred", summary.Deferred,
		"in_progress", summary.InProgress,
		"started_at", run.StartedAt)
}
