package models

import (
	"strings"
	"time"
	"unicode"
)

// Stage names in fixed pipeline order.
const (
	StageSource     = "source"
	StageEnrich     = "enrich"
	StageMonetize   = "monetize"
	StageDistribute = "distribute"
)

// StageOrder is the sequence every content item moves through.
var StageOrder = []string{StageSource, StageEnrich, StageMonetize, StageDistribute}

// Per-stage states persisted on each item.
const (
	StatePending      = "pending"
	StateInProgress   = "in_progress"
	StatePendingRetry = "pending_retry"
	StateSucceeded    = "succeeded"
	StateFailed       = "failed"
	StateSkipped      = "skipped"
)

// Item-level lifecycle states.
const (
	ItemInProgress = "in_progress"
	ItemSucceeded  = "succeeded"
	ItemFailed     = "failed"
)

// StageStatus records the outcome of one stage on one item.
type StageStatus struct {
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError *string   `json:"last_error,omitempty"`
}

// Draft is the raw output of the content source.
type Draft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// InternalLink is a proposed cross-reference to an already-published item.
type InternalLink struct {
	Anchor   string `json:"anchor"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
}

// Metadata is the enriched, publish-ready metadata for an item.
type Metadata struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Slug          string         `json:"slug"`
	Tags          []string       `json:"tags"`
	Keywords      []string       `json:"keywords"`
	InternalLinks []InternalLink `json:"internal_links,omitempty"`
}

// ContentItem is the unit of work driven through the pipeline. Its ID doubles
// as the idempotency key for creation: the same topic on the same day always
// maps to the same item.
type ContentItem struct {
	ID            string                 `json:"id"`
	Topic         string                 `json:"topic"`
	Stage         string                 `json:"stage"`
	Stages        map[string]StageStatus `json:"stages"`
	Draft         *Draft                 `json:"draft,omitempty"`
	Meta          *Metadata              `json:"meta,omitempty"`
	MonetizedBody *string                `json:"monetized_body,omitempty"`
	State         string                 `json:"state"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ItemID derives the stable identifier for a topic created on a given day.
func ItemID(topic string, day time.Time) string {
	return Slug(topic) + "-" + day.UTC().Format("2006-01-02")
}

// NewContentItem builds a fresh item positioned at the first stage.
func NewContentItem(topic string, day time.Time) ContentItem {
	now := day.UTC()
	stages := make(map[string]StageStatus, len(StageOrder))
	for _, name := range StageOrder {
		stages[name] = StageStatus{State: StatePending, UpdatedAt: now}
	}
	return ContentItem{
		ID:        ItemID(topic, day),
		Topic:     topic,
		Stage:     StageSource,
		Stages:    stages,
		State:     ItemInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the item will never be processed automatically again.
func (c ContentItem) Terminal() bool {
	return c.State == ItemSucceeded || c.State == ItemFailed
}

// StageIndex returns the position of a stage name in the pipeline, or -1.
func StageIndex(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// SetStage records a state transition for one stage.
func (c *ContentItem) SetStage(stage, state string, at time.Time, lastError *string) {
	st := c.Stages[stage]
	st.State = state
	st.UpdatedAt = at
	st.LastError = lastError
	if state == StateInProgress {
		st.Attempts++
	}
	c.Stages[stage] = st
	c.UpdatedAt = at
}

// StageOrderViolated reports whether a later stage succeeded while an earlier
// one has not. It should always return false for persisted items.
func (c ContentItem) StageOrderViolated() bool {
	seenNotSucceeded := false
	for _, name := range StageOrder {
		st := c.Stages[name]
		if st.State == StateSucceeded && seenNotSucceeded {
			return true
		}
		if st.State != StateSucceeded {
			seenNotSucceeded = true
		}
	}
	return false
}

// ResetFailedStage re-opens a terminal-failed item for another attempt.
// Only the failed stage is reset; completed stages keep their payloads.
// Returns the stage that was reset, or false when nothing was failed.
func (c *ContentItem) ResetFailedStage(at time.Time) (string, bool) {
	if c.State != ItemFailed {
		return "", false
	}
	for _, name := range StageOrder {
		st := c.Stages[name]
		if st.State != StateFailed {
			continue
		}
		st.State = StatePendingRetry
		st.Attempts = 0
		st.LastError = nil
		st.UpdatedAt = at
		c.Stages[name] = st
		c.Stage = name
		c.State = ItemInProgress
		c.UpdatedAt = at
		return name, true
	}
	return "", false
}

// Slug normalizes a topic or title into a URL-safe identifier.
func Slug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
