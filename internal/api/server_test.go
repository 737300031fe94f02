package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"blog-pipeline/internal/models"
	"blog-pipeline/internal/orchestrator"
	"blog-pipeline/internal/stage"
)

// fakeStore backs both the API and the orchestrator in tests.
type fakeStore struct {
	mu      sync.Mutex
	items   map[string]models.ContentItem
	retries map[string]models.RetryState
	runs    map[string]models.PipelineRun
	pubs    map[string][]models.PublicationRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:   make(map[string]models.ContentItem),
		retries: make(map[string]models.RetryState),
		runs:    make(map[string]models.PipelineRun),
		pubs:    make(map[string][]models.PublicationRecord),
	}
}

func (f *fakeStore) GetItem(_ context.Context, id string) (models.ContentItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	return item, ok, nil
}

func (f *fakeStore) SaveItem(_ context.Context, item models.ContentItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	return nil
}

func (f *fakeStore) ItemsWithPendingWork(_ context.Context, limit int) ([]models.ContentItem, error) {
	return f.ItemsWithState(context.Background(), models.ItemInProgress, limit)
}

func (f *fakeStore) ItemsWithState(_ context.Context, state string, limit int) ([]models.ContentItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ContentItem
	for _, item := range f.items {
		if item.State == state && len(out) < limit {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRetryState(_ context.Context, itemID, stageName, target string) (models.RetryState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.retries[itemID+"|"+stageName+"|"+target]
	return rs, ok, nil
}

func (f *fakeStore) PutRetryState(_ context.Context, rs models.RetryState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[rs.ItemID+"|"+rs.Stage+"|"+rs.Target] = rs
	return nil
}

func (f *fakeStore) ClearRetryState(_ context.Context, itemID, stageName, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.retries, itemID+"|"+stageName+"|"+target)
	return nil
}

func (f *fakeStore) ClearRetryStatesForItem(_ context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.retries {
		if strings.HasPrefix(key, itemID+"|") {
			delete(f.retries, key)
		}
	}
	return nil
}

func (f *fakeStore) CreateRun(_ context.Context, run models.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) FinishRun(_ context.Context, id string, summary models.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	run.Summary = summary
	f.runs[id] = run
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (models.PipelineRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	return run, ok, nil
}

func (f *fakeStore) PublicationsForItem(_ context.Context, itemID string) ([]models.PublicationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pubs[itemID], nil
}

type grantAllLocker struct{}

func (grantAllLocker) Acquire(context.Context, string, string) (bool, error) { return true, nil }

func (grantAllLocker) Release(context.Context, string, string) error { return nil }

type nopReporter struct{}

func (nopReporter) ItemCompleted(context.Context, models.ContentItem) {}

func (nopReporter) RunFinished(context.Context, string, models.RunSummary) {}

type passStage struct{ name string }

func (s passStage) Name() string { return s.name }
func (s passStage) Apply(_ context.Context, item models.ContentItem) (models.ContentItem, error) {
	return item, nil
}

func newTestServer(t *testing.T, st *fakeStore) *httptest.Server {
	t.Helper()
	stages := make([]stage.Stage, 0, len(models.StageOrder))
	for _, name := range models.StageOrder {
		stages = append(stages, passStage{name: name})
	}
	policy := orchestrator.NewRetryPolicy(time.Second, time.Minute, time.Hour)
	orch := orchestrator.New(st, grantAllLocker{}, stages, policy, nopReporter{},
		orchestrator.Options{Workers: 1, MaxAttempts: 3}, slog.Default())
	trigger := orchestrator.NewTrigger(orch, time.Hour, 5, []string{"default topic"}, slog.Default())

	srv := httptest.NewServer(NewServer(st, trigger, slog.Default()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, newFakeStore())
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTriggerRunProcessesTopics(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(t, st)

	resp, err := http.Post(srv.URL+"/runs", "application/json",
		strings.NewReader(`{"topics":["newborn sleep patterns"],"batch_size":2}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var run models.PipelineRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Summary.Completed != 1 {
		t.Fatalf("summary = %+v", run.Summary)
	}

	getResp, err := http.Get(srv.URL + "/runs/" + run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get run status = %d", getResp.StatusCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeStore())
	resp, err := http.Get(srv.URL + "/runs/no-such-run")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestGetItemIncludesPublications(t *testing.T) {
	st := newFakeStore()
	item := models.NewContentItem("topic", time.Now())
	st.items[item.ID] = item
	ref := "https://example.com/a-title"
	st.pubs[item.ID] = []models.PublicationRecord{
		{ItemID: item.ID, Target: "site", Succeeded: true, ExternalRef: &ref},
	}
	srv := newTestServer(t, st)

	resp, err := http.Get(srv.URL + "/items/" + item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != item.ID || len(got.Publications) != 1 || got.Publications[0].Target != "site" {
		t.Fatalf("response = %+v", got)
	}
}

func TestRequeueFailedItem(t *testing.T) {
	st := newFakeStore()
	now := time.Now().UTC()
	item := models.NewContentItem("topic", now)
	msg := "boom"
	item.SetStage(models.StageSource, models.StateFailed, now, &msg)
	item.State = models.ItemFailed
	st.items[item.ID] = item
	srv := newTestServer(t, st)

	resp, err := http.Post(srv.URL+"/items/"+item.ID+"/requeue", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	updated, _, _ := st.GetItem(context.Background(), item.ID)
	if updated.State != models.ItemInProgress {
		t.Fatalf("state = %s", updated.State)
	}
	if updated.Stages[models.StageSource].State != models.StatePendingRetry {
		t.Fatalf("source stage = %s", updated.Stages[models.StageSource].State)
	}
}

func TestRequeueNonFailedItemConflicts(t *testing.T) {
	st := newFakeStore()
	item := models.NewContentItem("topic", time.Now())
	st.items[item.ID] = item
	srv := newTestServer(t, st)

	resp, err := http.Post(srv.URL+"/items/"+item.ID+"/requeue", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}
