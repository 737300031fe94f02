package models

import "time"

// RetryState tracks backoff bookkeeping for one (item, stage, target) tuple.
// Target is empty for every stage except distribution, which keeps one row
// per external target. Cleared when the stage succeeds.
type RetryState struct {
	ItemID        string    `json:"item_id"`
	Stage         string    `json:"stage"`
	Target        string    `json:"target"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastErrorKind string    `json:"last_error_kind"`
}

// PublicationRecord is an immutable append-only fact about one publication
// attempt. It is both the audit trail analytics reads and the guard that
// prevents a target from being published twice.
type PublicationRecord struct {
	ItemID      string    `json:"item_id"`
	Target      string    `json:"target"`
	Succeeded   bool      `json:"succeeded"`
	ExternalRef *string   `json:"external_ref,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// RunSummary aggregates item outcomes for one pipeline run.
type RunSummary struct {
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	InProgress int `json:"in_progress"`
}

// PipelineRun is one scheduled (or manually triggered) execution.
type PipelineRun struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ItemIDs    []string   `json:"item_ids"`
	Summary    RunSummary `json:"summary"`
}

// PostRef is a lightweight reference to a published item, used by the
// enrichment link index and sitemap generation.
type PostRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}
