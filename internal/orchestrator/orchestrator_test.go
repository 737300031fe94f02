package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"blog-pipeline/internal/models"
	"blog-pipeline/internal/stage"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu      sync.Mutex
	items   map[string]models.ContentItem
	retries map[string]models.RetryState
	runs    map[string]models.PipelineRun
}

func newMemStore() *memStore {
	return &memStore{
		items:   make(map[string]models.ContentItem),
		retries: make(map[string]models.RetryState),
		runs:    make(map[string]models.PipelineRun),
	}
}

func copyItem(item models.ContentItem) models.ContentItem {
	stages := make(map[string]models.StageStatus, len(item.Stages))
	for k, v := range item.Stages {
		stages[k] = v
	}
	item.Stages = stages
	return item
}

func (m *memStore) GetItem(_ context.Context, id string) (models.ContentItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return models.ContentItem{}, false, nil
	}
	return copyItem(item), true, nil
}

func (m *memStore) SaveItem(_ context.Context, item models.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = copyItem(item)
	return nil
}

func (m *memStore) ItemsWithPendingWork(_ context.Context, limit int) ([]models.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ContentItem
	for _, item := range m.items {
		if item.State == models.ItemInProgress {
			out = append(out, copyItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func retryKey(itemID, stageName, target string) string {
	return itemID + "|" + stageName + "|" + target
}

func (m *memStore) GetRetryState(_ context.Context, itemID, stageName, target string) (models.RetryState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.retries[retryKey(itemID, stageName, target)]
	return rs, ok, nil
}

func (m *memStore) PutRetryState(_ context.Context, rs models.RetryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[retryKey(rs.ItemID, rs.Stage, rs.Target)] = rs
	return nil
}

func (m *memStore) ClearRetryState(_ context.Context, itemID, stageName, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, retryKey(itemID, stageName, target))
	return nil
}

func (m *memStore) ClearRetryStatesForItem(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rs := range m.retries {
		if rs.ItemID == itemID {
			delete(m.retries, key)
		}
	}
	return nil
}

func (m *memStore) CreateRun(_ context.Context, run models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) FinishRun(_ context.Context, id string, summary models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.Summary = summary
	now := time.Now().UTC()
	run.FinishedAt = &now
	m.runs[id] = run
	return nil
}

// fakeLocker grants every lease unless denied.
type fakeLocker struct {
	mu     sync.Mutex
	deny   bool
	held   map[string]string
	denied int
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]string)} }

func (l *fakeLocker) Acquire(_ context.Context, itemID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		l.denied++
		return false, nil
	}
	if _, taken := l.held[itemID]; taken {
		return false, nil
	}
	l.held[itemID] = owner
	return true, nil
}

func (l *fakeLocker) Release(_ context.Context, itemID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[itemID] == owner {
		delete(l.held, itemID)
	}
	return nil
}

type nopReporter struct{}

func (nopReporter) ItemCompleted(context.Context, models.ContentItem) {}

func (nopReporter) RunFinished(context.Context, string, models.RunSummary) {}

// scriptedStage pops one result per call, repeating the last forever.
type scriptedStage struct {
	name  string
	errs  []error
	mu    sync.Mutex
	calls int
}

func (s *scriptedStage) Name() string { return s.name }

func (s *scriptedStage) Apply(_ context.Context, item models.ContentItem) (models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return item, nil
	}
	err := s.errs[0]
	if len(s.errs) > 1 {
		s.errs = s.errs[1:]
	}
	return item, err
}

func (s *scriptedStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okStages() []*scriptedStage {
	return []*scriptedStage{
		{name: models.StageSource},
		{name: models.StageEnrich},
		{name: models.StageMonetize},
		{name: models.StageDistribute},
	}
}

func asStages(scripted []*scriptedStage) []stage.Stage {
	out := make([]stage.Stage, len(scripted))
	for i, s := range scripted {
		out[i] = s
	}
	return out
}

func zeroJitterPolicy() *RetryPolicy {
	p := NewRetryPolicy(time.Minute, time.Hour, 24*time.Hour)
	p.jitter = func(time.Duration) time.Duration { return 0 }
	return p
}

func newTestOrchestrator(st *memStore, locker Locker, stages []*scriptedStage, maxAttempts int) *Orchestrator {
	o := New(st, locker, asStages(stages), zeroJitterPolicy(), nopReporter{},
		Options{Workers: 2, MaxAttempts: maxAttempts}, slog.Default())
	return o
}

func TestRunPipelineCompletesNewItem(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	run, err := o.RunPipeline(ctx, 5, []string{"newborn sleep patterns"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Summary.Completed != 1 || run.Summary.Failed != 0 || run.Summary.Deferred != 0 {
		t.Fatalf("unexpected summary: %+v", run.Summary)
	}

	id := models.ItemID("newborn sleep patterns", time.Now().UTC())
	item, found, _ := st.GetItem(ctx, id)
	if !found {
		t.Fatalf("item %s not persisted", id)
	}
	if item.State != models.ItemSucceeded {
		t.Fatalf("item state = %s, want succeeded", item.State)
	}
	for _, name := range models.StageOrder {
		if got := item.Stages[name].State; got != models.StateSucceeded {
			t.Fatalf("stage %s state = %s, want succeeded", name, got)
		}
	}
	for _, s := range stages {
		if s.callCount() != 1 {
			t.Fatalf("stage %s called %d times, want 1", s.name, s.callCount())
		}
	}
}

func TestValidationFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	stages[2].errs = []error{stage.Validationf("no monetization policy for tags")}
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	run, err := o.RunPipeline(ctx, 5, []string{"topic"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Summary.Failed != 1 || run.Summary.Completed != 0 || run.Summary.Deferred != 0 {
		t.Fatalf("unexpected summary: %+v", run.Summary)
	}

	item, _, _ := st.GetItem(ctx, models.ItemID("topic", time.Now().UTC()))
	if item.State != models.ItemFailed {
		t.Fatalf("item state = %s, want failed", item.State)
	}
	if got := item.Stages[models.StageMonetize].State; got != models.StateFailed {
		t.Fatalf("monetize state = %s, want failed", got)
	}
	if item.Stages[models.StageMonetize].LastError == nil {
		t.Fatalf("expected last error recorded")
	}
	if stages[3].callCount() != 0 {
		t.Fatalf("distribute ran after terminal failure")
	}
}

func TestTransientFailureRetriesAcrossRuns(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	stages[1].errs = []error{stage.Transientf("upstream 503"), nil}
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	base := time.Now().UTC()
	o.now = func() time.Time { return base }

	run, _ := o.RunPipeline(ctx, 5, []string{"topic"})
	if run.Summary.Deferred != 1 {
		t.Fatalf("first run summary: %+v", run.Summary)
	}
	id := models.ItemID("topic", base)
	rs, found, _ := st.GetRetryState(ctx, id, models.StageEnrich, "")
	if !found || rs.Attempts != 1 {
		t.Fatalf("retry state = %+v found=%v", rs, found)
	}
	if !rs.NextAttemptAt.After(base) {
		t.Fatalf("next attempt not in the future: %s", rs.NextAttemptAt)
	}

	// Backoff not elapsed yet: the stage must not run again.
	run, _ = o.RunPipeline(ctx, 5, nil)
	if run.Summary.Deferred != 1 {
		t.Fatalf("second run summary: %+v", run.Summary)
	}
	if stages[1].callCount() != 1 {
		t.Fatalf("enrich called %d times during backoff, want 1", stages[1].callCount())
	}

	o.now = func() time.Time { return rs.NextAttemptAt.Add(time.Second) }
	run, _ = o.RunPipeline(ctx, 5, nil)
	if run.Summary.Completed != 1 {
		t.Fatalf("third run summary: %+v", run.Summary)
	}
	if _, found, _ := st.GetRetryState(ctx, id, models.StageEnrich, ""); found {
		t.Fatalf("retry state not cleared after success")
	}
}

func TestResumeSkipsSucceededStages(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	now := time.Now().UTC()
	item := models.NewContentItem("topic", now)
	item.SetStage(models.StageSource, models.StateSucceeded, now, nil)
	item.SetStage(models.StageEnrich, models.StateSucceeded, now, nil)
	item.Stage = models.StageMonetize
	if err := st.SaveItem(ctx, item); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	run, _ := o.RunPipeline(ctx, 5, nil)
	if run.Summary.Completed != 1 {
		t.Fatalf("summary: %+v", run.Summary)
	}
	if stages[0].callCount() != 0 || stages[1].callCount() != 0 {
		t.Fatalf("completed stages re-ran: source=%d enrich=%d", stages[0].callCount(), stages[1].callCount())
	}
	if stages[2].callCount() != 1 || stages[3].callCount() != 1 {
		t.Fatalf("pending stages not run: monetize=%d distribute=%d", stages[2].callCount(), stages[3].callCount())
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	stages[0].errs = []error{stage.Transientf("timeout")}
	o := newTestOrchestrator(st, newFakeLocker(), stages, 2)

	base := time.Now().UTC()
	o.now = func() time.Time { return base }

	run, _ := o.RunPipeline(ctx, 5, []string{"topic"})
	if run.Summary.Deferred != 1 {
		t.Fatalf("first run summary: %+v", run.Summary)
	}

	id := models.ItemID("topic", base)
	rs, _, _ := st.GetRetryState(ctx, id, models.StageSource, "")
	o.now = func() time.Time { return rs.NextAttemptAt.Add(time.Second) }

	stages[0].errs = []error{stage.Transientf("timeout again")}
	run, _ = o.RunPipeline(ctx, 5, nil)
	if run.Summary.Failed != 1 {
		t.Fatalf("second run summary: %+v", run.Summary)
	}
	item, _, _ := st.GetItem(ctx, id)
	if item.State != models.ItemFailed {
		t.Fatalf("item state = %s, want failed", item.State)
	}
}

func TestInterruptedStageDoesNotConsumeBudget(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	now := time.Now().UTC()
	item := models.NewContentItem("topic", now)
	item.SetStage(models.StageSource, models.StateSucceeded, now, nil)
	// A crashed worker left enrich in progress.
	item.SetStage(models.StageEnrich, models.StateInProgress, now, nil)
	item.Stage = models.StageEnrich
	if err := st.SaveItem(ctx, item); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	run, _ := o.RunPipeline(ctx, 5, nil)
	if run.Summary.Completed != 1 {
		t.Fatalf("summary: %+v", run.Summary)
	}
	if stages[1].callCount() != 1 {
		t.Fatalf("enrich called %d times, want 1", stages[1].callCount())
	}
	id := models.ItemID("topic", now)
	if _, found, _ := st.GetRetryState(ctx, id, models.StageEnrich, ""); found {
		t.Fatalf("interrupted stage consumed retry budget")
	}
}

func TestLeaseDeniedLeavesItemUntouched(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	locker := newFakeLocker()
	locker.deny = true
	o := newTestOrchestrator(st, locker, stages, 3)

	now := time.Now().UTC()
	item := models.NewContentItem("topic", now)
	if err := st.SaveItem(ctx, item); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	run, _ := o.RunPipeline(ctx, 5, nil)
	if run.Summary.InProgress != 1 {
		t.Fatalf("summary: %+v", run.Summary)
	}
	for _, s := range stages {
		if s.callCount() != 0 {
			t.Fatalf("stage %s ran without a lease", s.name)
		}
	}
}

func TestDeferredStageConsumesNoBudget(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	stages[3].errs = []error{stage.Deferredf("targets pending: medium")}
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	run, _ := o.RunPipeline(ctx, 5, []string{"topic"})
	if run.Summary.Deferred != 1 {
		t.Fatalf("summary: %+v", run.Summary)
	}
	id := models.ItemID("topic", time.Now().UTC())
	item, _, _ := st.GetItem(ctx, id)
	if got := item.Stages[models.StageDistribute].State; got != models.StatePendingRetry {
		t.Fatalf("distribute state = %s, want pending_retry", got)
	}
	if _, found, _ := st.GetRetryState(ctx, id, models.StageDistribute, ""); found {
		t.Fatalf("deferral must not consume retry budget")
	}
}

func TestItemCreationIsIdempotentPerDay(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	stages[0].errs = []error{stage.Transientf("slow upstream")}
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	base := time.Now().UTC()
	o.now = func() time.Time { return base }

	if _, err := o.RunPipeline(ctx, 5, []string{"topic"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := o.RunPipeline(ctx, 5, []string{"topic"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(st.items) != 1 {
		t.Fatalf("expected one item for the topic, got %d", len(st.items))
	}
}

func TestStageOrderNeverViolated(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	stages := okStages()
	stages[2].errs = []error{stage.Validationf("bad draft")}
	o := newTestOrchestrator(st, newFakeLocker(), stages, 3)

	if _, err := o.RunPipeline(ctx, 5, []string{"topic"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, item := range st.items {
		if item.StageOrderViolated() {
			t.Fatalf("stage order violated for %s: %+v", item.ID, item.Stages)
		}
	}
}
