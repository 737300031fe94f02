package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"blog-pipeline/internal/models"
)

// Trigger fires pipeline runs on a fixed interval. Runs triggered while a
// previous run is still executing are skipped, not queued: the next tick
// picks up whatever work remains.
type Trigger struct {
	orch      *Orchestrator
	interval  time.Duration
	batchSize int
	topics    []string
	logger    *slog.Logger

	running chan struct{}
}

// NewTrigger builds the interval scheduler.
func NewTrigger(orch *Orchestrator, interval time.Duration, batchSize int, topics []string, logger *slog.Logger) *Trigger {
	return &Trigger{
		orch:      orch,
		interval:  interval,
		batchSize: batchSize,
		topics:    topics,
		logger:    logger,
		running:   make(chan struct{}, 1),
	}
}

// Run fires one run immediately, then one per interval, until ctx is done.
func (t *Trigger) Run(ctx context.Context) {
	t.fire(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire(ctx)
		}
	}
}

// FireNow starts a run on demand, for the trigger API. started is false when
// a run is already executing.
func (t *Trigger) FireNow(ctx context.Context, batchSize int, topics []string) (run models.PipelineRun, started bool, err error) {
	select {
	case t.running <- struct{}{}:
	default:
		return models.PipelineRun{}, false, nil
	}
	defer func() { <-t.running }()

	if batchSize <= 0 {
		batchSize = t.batchSize
	}
	if len(topics) == 0 {
		topics = t.topics
	}
	run, err = t.orch.RunPipeline(ctx, batchSize, topics)
	return run, true, err
}

func (t *Trigger) fire(ctx context.Context) {
	run, started, err := t.FireNow(ctx, t.batchSize, t.topics)
	switch {
	case err != nil:
		t.logger.Error("scheduled run", "err", err)
	case started:
		t.logger.Info("scheduled run finished", "run", run.ID,
			"completed", run.Summary.Completed, "failed", run.Summary.Failed,
			"deferred", run.Summary.Deferred)
	default:
		t.logger.Warn("scheduled run skipped, previous run still executing")
	}
}
