package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"blog-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the pipeline state:
// content items, retry bookkeeping, the append-only publication log, and
// run records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetItem fetches an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (models.ContentItem, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, topic, stage, state, stages, draft, meta, monetized_body, created_at, updated_at
		FROM content_items WHERE id = $1
	`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ContentItem{}, false, nil
	}
	if err != nil {
		return models.ContentItem{}, false, err
	}
	return item, true, nil
}

// SaveItem upserts the full item row. The pipeline persists after every
// stage transition, so this is the durability point for resumability.
func (s *Store) SaveItem(ctx context.Context, item models.ContentItem) error {
	stagesJSON, err := json.Marshal(item.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	draftJSON, err := marshalNullable(item.Draft == nil, item.Draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	metaJSON, err := marshalNullable(item.Meta == nil, item.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO content_items (id, topic, stage, state, stages, draft, meta, monetized_body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET stage = EXCLUDED.stage,
		    state = EXCLUDED.state,
		    stages = EXCLUDED.stages,
		    draft = EXCLUDED.draft,
		    meta = EXCLUDED.meta,
		    monetized_body = EXCLUDED.monetized_body,
		    updated_at = EXCLUDED.updated_at
	`, item.ID, item.Topic, item.Stage, item.State, stagesJSON, draftJSON, metaJSON,
		item.MonetizedBody, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// ItemsWithPendingWork scans for non-terminal items, oldest first.
func (s *Store) ItemsWithPendingWork(ctx context.Context, limit int) ([]models.ContentItem, error) {
	return s.ItemsWithState(ctx, models.ItemInProgress, limit)
}

// ItemsWithState lists items in a given lifecycle state, oldest first.
func (s *Store) ItemsWithState(ctx context.Context, state string, limit int) ([]models.ContentItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, topic, stage, state, stages, draft, meta, monetized_body, created_at, updated_at
		FROM content_items WHERE state = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("query items by state: %w", err)
	}
	defer rows.Close()

	var items []models.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetRetryState fetches backoff bookkeeping for one (item, stage, target).
func (s *Store) GetRetryState(ctx context.Context, itemID, stage, target string) (models.RetryState, bool, error) {
	var rs models.RetryState
	err := s.pool.QueryRow(ctx, `
		SELECT item_id, stage, target, attempts, next_attempt_at, last_error_kind
		FROM retry_states WHERE item_id = $1 AND stage = $2 AND target = $3
	`, itemID, stage, target).Scan(&rs.ItemID, &rs.Stage, &rs.Target, &rs.Attempts, &rs.NextAttemptAt, &rs.LastErrorKind)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RetryState{}, false, nil
	}
	if err != nil {
		return models.RetryState{}, false, fmt.Errorf("query retry state: %w", err)
	}
	return rs, true, nil
}

// PutRetryState upserts backoff bookkeeping after a retryable failure.
func (s *Store) PutRetryState(ctx context.Context, rs models.RetryState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retry_states (item_id, stage, target, attempts, next_attempt_at, last_error_kind)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id, stage, target) DO UPDATE
		SET attempts = EXCLUDED.attempts,
		    next_attempt_at = EXCLUDED.next_attempt_at,
		    last_error_kind = EXCLUDED.last_error_kind
	`, rs.ItemID, rs.Stage, rs.Target, rs.Attempts, rs.NextAttemptAt, rs.LastErrorKind)
	if err != nil {
		return fmt.Errorf("upsert retry state: %w", err)
	}
	return nil
}

// ClearRetryState removes bookkeeping once a stage (or target) succeeds.
func (s *Store) ClearRetryState(ctx context.Context, itemID, stage, target string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM retry_states WHERE item_id = $1 AND stage = $2 AND target = $3
	`, itemID, stage, target)
	return err
}

// ClearRetryStatesForItem removes all bookkeeping for an item, used when an
// operator re-queues a failed item with a fresh attempt budget.
func (s *Store) ClearRetryStatesForItem(ctx context.Context, itemID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_states WHERE item_id = $1`, itemID)
	return err
}

// AppendPublication writes one immutable publication fact.
func (s *Store) AppendPublication(ctx context.Context, rec models.PublicationRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publication_records (item_id, target, succeeded, external_ref, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ItemID, rec.Target, rec.Succeeded, rec.ExternalRef, rec.Detail, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("append publication: %w", err)
	}
	return nil
}

// HasSucceededPublication reports whether the target already holds this item.
// Checked before every distribution attempt to prevent double publication.
func (s *Store) HasSucceededPublication(ctx context.Context, itemID, target string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publication_records
		WHERE item_id = $1 AND target = $2 AND succeeded
	`, itemID, target).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count publications: %w", err)
	}
	return n > 0, nil
}

// PublicationsForItem lists the full audit trail for one item.
func (s *Store) PublicationsForItem(ctx context.Context, itemID string) ([]models.PublicationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, target, succeeded, external_ref, detail, recorded_at
		FROM publication_records WHERE item_id = $1
		ORDER BY recorded_at ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query publications: %w", err)
	}
	defer rows.Close()

	var recs []models.PublicationRecord
	for rows.Next() {
		var rec models.PublicationRecord
		var ref pgtype.Text
		if err := rows.Scan(&rec.ItemID, &rec.Target, &rec.Succeeded, &ref, &rec.Detail, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		rec.ExternalRef = textPtr(ref)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CreateRun records the start of a pipeline run.
func (s *Store) CreateRun(ctx context.Context, run models.PipelineRun) error {
	idsJSON, err := json.Marshal(run.ItemIDs)
	if err != nil {
		return fmt.Errorf("marshal item ids: %w", err)
	}
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, started_at, item_ids, summary)
		VALUES ($1, $2, $3, $4)
	`, run.ID, run.StartedAt, idsJSON, summaryJSON)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final summary for a run.
func (s *Store) FinishRun(ctx context.Context, id string, summary models.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET summary = $2, finished_at = NOW() WHERE id = $1
	`, id, summaryJSON)
	return err
}

// GetRun fetches one run record.
func (s *Store) GetRun(ctx context.Context, id string) (models.PipelineRun, bool, error) {
	var run models.PipelineRun
	var idsJSON, summaryJSON []byte
	var finished pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, started_at, finished_at, item_ids, summary FROM pipeline_runs WHERE id = $1
	`, id).Scan(&run.ID, &run.StartedAt, &finished, &idsJSON, &summaryJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PipelineRun{}, false, nil
	}
	if err != nil {
		return models.PipelineRun{}, false, fmt.Errorf("query run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if err := json.Unmarshal(idsJSON, &run.ItemIDs); err != nil {
		return models.PipelineRun{}, false, fmt.Errorf("unmarshal item ids: %w", err)
	}
	if err := json.Unmarshal(summaryJSON, &run.Summary); err != nil {
		return models.PipelineRun{}, false, fmt.Errorf("unmarshal summary: %w", err)
	}
	return run, true, nil
}

// PublishedPosts lists recently completed items for the enrichment link
// index and sitemap generation.
func (s *Store) PublishedPosts(ctx context.Context, limit int) ([]models.PostRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, meta->>'title', meta->>'slug'
		FROM content_items
		WHERE state = $1 AND meta IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT $2
	`, models.ItemSucceeded, limit)
	if err != nil {
		return nil, fmt.Errorf("query published posts: %w", err)
	}
	defer rows.Close()

	var posts []models.PostRef
	for rows.Next() {
		var post models.PostRef
		if err := rows.Scan(&post.ID, &post.Title, &post.Slug); err != nil {
			return nil, fmt.Errorf("scan post ref: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.ContentItem, error) {
	var item models.ContentItem
	var stagesJSON, draftJSON, metaJSON []byte
	var monetized pgtype.Text

	if err := row.Scan(&item.ID, &item.Topic, &item.Stage, &item.State, &stagesJSON,
		&draftJSON, &metaJSON, &monetized, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ContentItem{}, err
		}
		return models.ContentItem{}, fmt.Errorf("scan item: %w", err)
	}

	if err := json.Unmarshal(stagesJSON, &item.Stages); err != nil {
		return models.ContentItem{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	if len(draftJSON) > 0 {
		item.Draft = &models.Draft{}
		if err := json.Unmarshal(draftJSON, item.Draft); err != nil {
			return models.ContentItem{}, fmt.Errorf("unmarshal draft: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		item.Meta = &models.Metadata{}
		if err := json.Unmarshal(metaJSON, item.Meta); err != nil {
			return models.ContentItem{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	item.MonetizedBody = textPtr(monetized)
	return item, nil
}

func marshalNullable(isNil bool, v any) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
