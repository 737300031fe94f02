package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"blog-pipeline/internal/config"
	"blog-pipeline/internal/models"
	"blog-pipeline/internal/stage"
)

// MediumTarget cross-posts the article to Medium via an integration token.
type MediumTarget struct {
	cfg        config.MediumConfig
	siteBase   string
	httpClient *http.Client
	apiBase    string
	logger     *slog.Logger

	mu     sync.Mutex
	userID string
}

var _ Target = (*MediumTarget)(nil)

// NewMediumTarget wires the medium publisher.
func NewMediumTarget(cfg config.MediumConfig, siteBase string, logger *slog.Logger) *MediumTarget {
	return &MediumTarget{
		cfg:        cfg,
		siteBase:   siteBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    "https://api.medium.com/v1",
		logger:     logger,
	}
}

func (t *MediumTarget) Name() string { return "medium" }

// Publish creates a Medium post with a canonical link back to the site.
func (t *MediumTarget) Publish(ctx context.Context, item models.ContentItem) (string, error) {
	if item.Meta == nil || item.MonetizedBody == nil {
		return "", stage.Validationf("medium publish requires enriched, monetized content")
	}

	userID, err := t.currentUserID(ctx)
	if err != nil {
		return "", err
	}

	tags := item.Meta.Tags
	if len(tags) > 5 {
		tags = tags[:5] // medium rejects more than five
	}
	payload, err := json.Marshal(map[string]any{
		"title":         item.Meta.Title,
		"contentFormat": "markdown",
		"content":       "# " + item.Meta.Title + "\n\n" + *item.MonetizedBody,
		"canonicalUrl":  t.siteBase + "/" + item.Meta.Slug,
		"tags":          tags,
		"publishStatus": "public",
	})
	if err != nil {
		return "", fmt.Errorf("marshal post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/users/"+userID+"/posts", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.IntegrationToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", stage.Transientf("create post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", stage.FromHTTPStatus("medium", resp.StatusCode, string(body))
	}

	var created struct {
		Data struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", stage.Transientf("decode post response: %v", err)
	}
	t.logger.Info("medium post created", "item", item.ID, "url", created.Data.URL)
	if created.Data.URL != "" {
		return created.Data.URL, nil
	}
	return created.Data.ID, nil
}

// currentUserID resolves and caches the token owner's user id.
func (t *MediumTarget) currentUserID(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID != "" {
		return t.userID, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase+"/me", nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.IntegrationToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", stage.Transientf("medium me: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", stage.FromHTTPStatus("medium me", resp.StatusCode, string(body))
	}

	var me struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return "", stage.Transientf("decode me response: %v", err)
	}
	if me.Data.ID == "" {
		return "", stage.Validationf("medium returned no user id")
	}
	t.userID = me.Data.ID
	return t.userID, nil
}
