package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"blog-pipeline/internal/models"
	"blog-pipeline/internal/stage"
	"blog-pipeline/internal/telemetry"
)

// PublicationLog is the append-only record of publication attempts. A
// succeeded row for (item, target) means that target is done forever.
type PublicationLog interface {
	AppendPublication(ctx context.Context, rec models.PublicationRecord) error
	HasSucceededPublication(ctx context.Context, itemID, target string) (bool, error)
}

// RetryStore persists per-target backoff bookkeeping across runs.
type RetryStore interface {
	GetRetryState(ctx context.Context, itemID, stageName, target string) (models.RetryState, bool, error)
	PutRetryState(ctx context.Context, rs models.RetryState) error
	ClearRetryState(ctx context.Context, itemID, stageName, target string) error
}

// Limiter throttles outbound calls per target.
type Limiter interface {
	AllowTarget(ctx context.Context, target string) (bool, float64, error)
}

// Backoff computes the wait before the next attempt for a failure class.
type Backoff interface {
	Delay(kind stage.Kind, attempt int) time.Duration
}

// Reporter receives every publication attempt outcome, best effort.
type Reporter interface {
	Publication(ctx context.Context, rec models.PublicationRecord)
}

// Distributor fans a finished item out to every enabled target. Targets fail
// independently: one target's failure never blocks another's attempt, and a
// target that already has a succeeded publication record is never called
// again.
type Distributor struct {
	targets     []Target
	log         PublicationLog
	retries     RetryStore
	limiter     Limiter
	backoff     Backoff
	reporter    Reporter
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

var _ stage.Stage = (*Distributor)(nil)

// NewDistributor wires the distribution stage.
func NewDistributor(targets []Target, log PublicationLog, retries RetryStore, limiter Limiter, backoff Backoff, reporter Reporter, maxAttempts int, logger *slog.Logger) *Distributor {
	return &Distributor{
		targets:     targets,
		log:         log,
		retries:     retries,
		limiter:     limiter,
		backoff:     backoff,
		reporter:    reporter,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

func (d *Distributor) Name() string { return models.StageDistribute }

// Apply attempts every due target once. The stage succeeds only when every
// target has a succeeded publication record; it fails terminally once any
// target fails non-retryably or exhausts its attempt budget; otherwise it
// defers so the item is picked up again on a later run.
func (d *Distributor) Apply(ctx context.Context, item models.ContentItem) (models.ContentItem, error) {
	if item.Meta == nil || item.MonetizedBody == nil {
		return item, stage.Validationf("distribution requires enriched, monetized content")
	}

	var pending, permanent []string
	for _, target := range d.targets {
		status, err := d.publishOne(ctx, item, target)
		if err != nil {
			return item, err
		}
		switch status {
		case targetPending:
			pending = append(pending, target.Name())
		case targetFailed:
			permanent = append(permanent, target.Name())
		}
	}

	if len(permanent) > 0 {
		return item, stage.Validationf("targets failed permanently: %s", strings.Join(permanent, ", "))
	}
	if len(pending) > 0 {
		return item, stage.Deferredf("targets pending: %s", strings.Join(pending, ", "))
	}
	return item, nil
}

type targetStatus int

const (
	targetDone targetStatus = iota
	targetPending
	targetFailed
)

// publishOne drives one target through its idempotency and backoff checks.
// The returned error is reserved for bookkeeping failures; target failures
// are folded into the status.
func (d *Distributor) publishOne(ctx context.Context, item models.ContentItem, target Target) (targetStatus, error) {
	name := target.Name()

	done, err := d.log.HasSucceededPublication(ctx, item.ID, name)
	if err != nil {
		return targetPending, stage.Transientf("check publication log: %v", err)
	}
	if done {
		return targetDone, nil
	}

	rs, found, err := d.retries.GetRetryState(ctx, item.ID, models.StageDistribute, name)
	if err != nil {
		return targetPending, stage.Transientf("load retry state: %v", err)
	}
	if found && d.now().Before(rs.NextAttemptAt) {
		return targetPending, nil
	}

	allowed, _, err := d.limiter.AllowTarget(ctx, name)
	if err != nil {
		return targetPending, stage.Transientf("rate limiter: %v", err)
	}
	if !allowed {
		// Not an attempt: the budget is only spent on real calls.
		d.logger.Info("target rate limited", "item", item.ID, "target", name)
		return targetPending, nil
	}

	ref, pubErr := target.Publish(ctx, item)
	if pubErr == nil || stage.Classify(pubErr) == stage.KindDuplicate {
		if pubErr != nil {
			d.logger.Info("target already published", "item", item.ID, "target", name, "detail", pubErr)
		}
		rec := models.PublicationRecord{
			ItemID:     item.ID,
			Target:     name,
			Succeeded:  true,
			RecordedAt: d.now().UTC(),
		}
		if ref != "" {
			rec.ExternalRef = &ref
		}
		if pubErr != nil {
			rec.Detail = pubErr.Error()
		}
		if err := d.log.AppendPublication(ctx, rec); err != nil {
			return targetPending, stage.Transientf("record publication: %v", err)
		}
		if err := d.retries.ClearRetryState(ctx, item.ID, models.StageDistribute, name); err != nil {
			return targetPending, stage.Transientf("clear retry state: %v", err)
		}
		d.reporter.Publication(ctx, rec)
		return targetDone, nil
	}

	kind := stage.Classify(pubErr)
	attempts := rs.Attempts + 1

	rec := models.PublicationRecord{
		ItemID:     item.ID,
		Target:     name,
		Succeeded:  false,
		Detail:     fmt.Sprintf("%s on attempt %d: %v", kind, attempts, pubErr),
		RecordedAt: d.now().UTC(),
	}
	if err := d.log.AppendPublication(ctx, rec); err != nil {
		return targetPending, stage.Transientf("record failure: %v", err)
	}
	d.reporter.Publication(ctx, rec)

	if !stage.Retryable(kind) || attempts >= d.maxAttempts {
		d.logger.Error("target failed permanently", "item", item.ID, "target", name, "kind", kind, "attempts", attempts, "err", pubErr)
		return targetFailed, nil
	}

	next := models.RetryState{
		ItemID:        item.ID,
		Stage:         models.StageDistribute,
		Target:        name,
		Attempts:      attempts,
		NextAttemptAt: d.now().Add(d.backoff.Delay(kind, attempts)).UTC(),
		LastErrorKind: string(kind),
	}
	if err := d.retries.PutRetryState(ctx, next); err != nil {
		return targetPending, stage.Transientf("save retry state: %v", err)
	}
	telemetry.StageRetries.Inc()
	d.logger.Warn("target attempt failed",
		"item", item.ID, "target", name, "kind", kind,
		"attempt", attempts, "next_attempt_at", next.NextAttemptAt, "err", pubErr)
	return targetPending, nil
}
