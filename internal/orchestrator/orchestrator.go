// Package orchestrator drives content items through the pipeline stages with
// durable state, classified retries, and per-item leasing, so a crashed or
// repeated run resumes exactly where the last one stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blog-pipeline/internal/models"
	"blog-pipeline/internal/stage"
	"blog-pipeline/internal/telemetry"
)

// Store is the durable state the orchestrator reads and writes.
type Store interface {
	GetItem(ctx context.Context, id string) (models.ContentItem, bool, error)
	SaveItem(ctx context.Context, item models.ContentItem) error
	ItemsWithPendingWork(ctx context.Context, limit int) ([]models.ContentItem, error)
	GetRetryState(ctx context.Context, itemID, stageName, target string) (models.RetryState, bool, error)
	PutRetryState(ctx context.Context, rs models.RetryState) error
	ClearRetryState(ctx context.Context, itemID, stageName, target string) error
	ClearRetryStatesForItem(ctx context.Context, itemID string) error
	CreateRun(ctx context.Context, run models.PipelineRun) error
	FinishRun(ctx context.Context, id string, summary models.RunSummary) error
}

// Locker grants exclusive per-item ownership for the duration of processing.
type Locker interface {
	Acquire(ctx context.Context, itemID, owner string) (bool, error)
	Release(ctx context.Context, itemID, owner string) error
}

// Reporter receives best-effort analytics callbacks.
type Reporter interface {
	ItemCompleted(ctx context.Context, item models.ContentItem)
	RunFinished(ctx context.Context, runID string, summary models.RunSummary)
}

// Options tunes one orchestrator instance.
type Options struct {
	Workers      int
	MaxAttempts  int
	StageTimeout time.Duration
}

// Orchestrator owns the run loop: select items, fan out to workers, walk each
// item through the stage sequence, persist every transition.
type Orchestrator struct {
	store    Store
	locker   Locker
	stages   []stage.Stage
	policy   *RetryPolicy
	reporter Reporter
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New builds an orchestrator. The stages slice must be in pipeline order.
func New(store Store, locker Locker, stages []stage.Stage, policy *RetryPolicy, reporter Reporter, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Orchestrator{
		store:    store,
		locker:   locker,
		stages:   stages,
		policy:   policy,
		reporter: reporter,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

type itemOutcome int

const (
	outcomeCompleted itemOutcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeInProgress
)

// RunPipeline executes one pipeline run: unfinished items first, then new
// items for the given topics, capped at batchSize. It blocks until every
// selected item reaches an outcome for this run.
func (o *Orchestrator) RunPipeline(ctx context.Context, batchSize int, topics []string) (models.PipelineRun, error) {
	items, err := o.selectItems(ctx, batchSize, topics)
	if err != nil {
		return models.PipelineRun{}, err
	}

	run := models.PipelineRun{
		ID:        uuid.NewString(),
		StartedAt: o.now().UTC(),
	}
	for _, item := range items {
		run.ItemIDs = append(run.ItemIDs, item.ID)
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return models.PipelineRun{}, fmt.Errorf("create run: %w", err)
	}
	telemetry.RunsStarted.Inc()
	o.logger.Info("run started", "run", run.ID, "items", len(items))

	var (
		mu      sync.Mutex
		summary models.RunSummary
	)
	work := make(chan models.ContentItem)
	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				outcome := o.processItem(ctx, run.ID, item)
				mu.Lock()
				switch outcome {
				case outcomeCompleted:
					summary.Completed++
				case outcomeFailed:
					summary.Failed++
				case outcomeDeferred:
					summary.Deferred++
				case outcomeInProgress:
					summary.InProgress++
				}
				mu.Unlock()
			}
		}()
	}

	for _, item := range items {
		select {
		case work <- item:
		case <-ctx.Done():
		}
	}
	close(work)
	wg.Wait()

	run.Summary = summary
	if err := o.store.FinishRun(ctx, run.ID, summary); err != nil {
		o.logger.Error("finish run", "run", run.ID, "err", err)
	}
	o.reporter.RunFinished(ctx, run.ID, summary)
	return run, ctx.Err()
}

// selectItems picks unfinished items first, then creates items for any topic
// that has no item for today yet. Creation is idempotent: the same topic on
// the same day always derives the same item id, and existing ids are skipped.
func (o *Orchestrator) selectItems(ctx context.Context, batchSize int, topics []string) ([]models.ContentItem, error) {
	items, err := o.store.ItemsWithPendingWork(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("load pending items: %w", err)
	}

	selected := make(map[string]bool, len(items))
	for _, item := range items {
		selected[item.ID] = true
	}

	today := o.now().UTC()
	for _, topic := range topics {
		if len(items) >= batchSize {
			break
		}
		id := models.ItemID(topic, today)
		if selected[id] {
			continue
		}
		_, found, err := o.store.GetItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check item %s: %w", id, err)
		}
		if found {
			// Already created by an earlier run today; if it still has
			// pending work the first query picked it up.
			continue
		}
		item := models.NewContentItem(topic, today)
		if err := o.store.SaveItem(ctx, item); err != nil {
			return nil, fmt.Errorf("create item %s: %w", id, err)
		}
		selected[id] = true
		items = append(items, item)
	}
	return items, nil
}

// processItem walks one item through its remaining stages under a lease.
func (o *Orchestrator) processItem(ctx context.Context, runID string, item models.ContentItem) itemOutcome {
	owner := runID + "/" + uuid.NewString()
	held, err := o.locker.Acquire(ctx, item.ID, owner)
	if err != nil {
		o.logger.Error("acquire lease", "item", item.ID, "err", err)
		return outcomeInProgress
	}
	if !held {
		o.logger.Info("item leased elsewhere", "item", item.ID)
		return outcomeInProgress
	}
	defer func() {
		if err := o.locker.Release(ctx, item.ID, owner); err != nil {
			o.logger.Warn("release lease", "item", item.ID, "err", err)
		}
	}()

	telemetry.InFlightItems.Inc()
	defer telemetry.InFlightItems.Dec()

	o.normalizeInterrupted(&item)

	for _, st := range o.stages {
		status := item.Stages[st.Name()]
		if status.State == models.StateSucceeded || status.State == models.StateSkipped {
			continue
		}

		outcome, done := o.runStage(ctx, &item, st)
		if done {
			return outcome
		}
	}

	item.State = models.ItemSucceeded
	item.UpdatedAt = o.now().UTC()
	if err := o.store.SaveItem(ctx, item); err != nil {
		o.logger.Error("save completed item", "item", item.ID, "err", err)
		return outcomeInProgress
	}
	if err := o.store.ClearRetryStatesForItem(ctx, item.ID); err != nil {
		o.logger.Warn("clear retry states", "item", item.ID, "err", err)
	}
	telemetry.ItemsCompleted.Inc()
	o.reporter.ItemCompleted(ctx, item)
	o.logger.Info("item completed", "item", item.ID, "topic", item.Topic)
	return outcomeCompleted
}

// normalizeInterrupted moves stages a crashed worker left in-progress back to
// pending-retry. The interrupted attempt's outcome is unknown, so it does not
// count against the retry budget.
func (o *Orchestrator) normalizeInterrupted(item *models.ContentItem) {
	now := o.now().UTC()
	for _, name := range models.StageOrder {
		if item.Stages[name].State == models.StateInProgress {
			item.SetStage(name, models.StatePendingRetry, now, nil)
			o.logger.Warn("stage interrupted by earlier crash", "item", item.ID, "stage", name)
		}
	}
}

// runStage executes one stage attempt and persists the resulting transition.
// done is true when the item cannot move further this run.
func (o *Orchestrator) runStage(ctx context.Context, item *models.ContentItem, st stage.Stage) (itemOutcome, bool) {
	name := st.Name()

	rs, hasRS, err := o.store.GetRetryState(ctx, item.ID, name, "")
	if err != nil {
		o.logger.Error("load retry state", "item", item.ID, "stage", name, "err", err)
		return outcomeInProgress, true
	}
	if hasRS && o.now().Before(rs.NextAttemptAt) {
		o.logger.Info("stage backoff not elapsed",
			"item", item.ID, "stage", name, "next_attempt_at", rs.NextAttemptAt)
		telemetry.ItemsDeferred.Inc()
		return outcomeDeferred, true
	}

	item.Stage = name
	item.SetStage(name, models.StateInProgress, o.now().UTC(), nil)
	if err := o.store.SaveItem(ctx, *item); err != nil {
		o.logger.Error("save item", "item", item.ID, "err", err)
		return outcomeInProgress, true
	}

	stageCtx := ctx
	if o.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.opts.StageTimeout)
		defer cancel()
	}

	updated, stageErr := st.Apply(stageCtx, *item)
	now := o.now().UTC()

	if stageErr == nil || stage.Classify(stageErr) == stage.KindDuplicate {
		*item = updated
		item.SetStage(name, models.StateSucceeded, now, nil)
		if err := o.store.SaveItem(ctx, *item); err != nil {
			o.logger.Error("save item", "item", item.ID, "err", err)
			return outcomeInProgress, true
		}
		if err := o.store.ClearRetryState(ctx, item.ID, name, ""); err != nil {
			o.logger.Warn("clear retry state", "item", item.ID, "stage", name, "err", err)
		}
		return outcomeCompleted, false
	}

	if errors.Is(stageErr, stage.ErrDeferred) {
		item.SetStage(name, models.StatePendingRetry, now, nil)
		if err := o.store.SaveItem(ctx, *item); err != nil {
			o.logger.Error("save item", "item", item.ID, "err", err)
			return outcomeInProgress, true
		}
		o.logger.Info("stage deferred", "item", item.ID, "stage", name, "reason", stageErr)
		telemetry.ItemsDeferred.Inc()
		return outcomeDeferred, true
	}

	kind := stage.Classify(stageErr)
	msg := stageErr.Error()
	attempts := rs.Attempts + 1

	if stage.Retryable(kind) && attempts < o.opts.MaxAttempts {
		item.SetStage(name, models.StatePendingRetry, now, &msg)
		if err := o.store.SaveItem(ctx, *item); err != nil {
			o.logger.Error("save item", "item", item.ID, "err", err)
			return outcomeInProgress, true
		}
		next := models.RetryState{
			ItemID:        item.ID,
			Stage:         name,
			Attempts:      attempts,
			NextAttemptAt: o.now().Add(o.policy.Delay(kind, attempts)).UTC(),
			LastErrorKind: string(kind),
		}
		if err := o.store.PutRetryState(ctx, next); err != nil {
			o.logger.Error("save retry state", "item", item.ID, "stage", name, "err", err)
			return outcomeInProgress, true
		}
		telemetry.StageRetries.Inc()
		telemetry.ItemsDeferred.Inc()
		o.logger.Warn("stage failed, retry scheduled",
			"item", item.ID, "stage", name, "kind", kind,
			"attempt", attempts, "next_attempt_at", next.NextAttemptAt, "err", stageErr)
		return outcomeDeferred, true
	}

	item.SetStage(name, models.StateFailed, now, &msg)
	item.State = models.ItemFailed
	if err := o.store.SaveItem(ctx, *item); err != nil {
		o.logger.Error("save item", "item", item.ID, "err", err)
		return outcomeInProgress, true
	}
	telemetry.ItemsFailed.Inc()
	o.reporter.ItemCompleted(ctx, *item)
	o.logger.Error("item failed terminally",
		"item", item.ID, "stage", name, "kind", kind, "attempts", attempts, "err", stageErr)
	return outcomeFailed, true
}
