package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"blog-pipeline/internal/config"
	"blog-pipeline/internal/models"
)

// Source generates a draft post for an item's topic through an
// OpenAI-compatible chat-completions API.
type Source struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
	logger       *slog.Logger
}

var _ Stage = (*Source)(nil)

// NewSource builds the content source from configuration.
func NewSource(cfg config.GeneratorConfig, logger *slog.Logger) *Source {
	return &Source{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: 90 * time.Second},
		logger:       logger,
	}
}

func (s *Source) Name() string { return models.StageSource }

// Apply requests a draft for the item's topic and stores it on the item.
func (s *Source) Apply(ctx context.Context, item models.ContentItem) (models.ContentItem, error) {
	if s.apiKey == "" || s.endpoint == "" || s.model == "" {
		return item, Validationf("content source misconfigured")
	}

	prompt := fmt.Sprintf(
		"Write a complete blog post about %q.\n"+
			"Start the first line with \"TITLE: \" followed by the post title, then a blank line, then the post body in Markdown.\n"+
			"Use section headings, short paragraphs, and end with a practical takeaway.",
		item.Topic,
	)

	body, err := json.Marshal(map[string]any{
		"model": s.model,
		"messages": []map[string]string{
			{"role": "system", "content": s.systemPrompt},
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return item, fmt.Errorf("marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return item, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return item, Transientf("generate draft: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return item, FromHTTPStatus("generator", resp.StatusCode, string(payload))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return item, Transientf("decode generator response: %v", err)
	}
	if len(completion.Choices) == 0 {
		return item, Validationf("generator returned no choices")
	}

	title, postBody, err := splitDraft(completion.Choices[0].Message.Content)
	if err != nil {
		return item, err
	}

	s.logger.Info("draft generated", "item", item.ID, "title", title, "bytes", len(postBody))
	item.Draft = &models.Draft{Title: title, Body: postBody}
	return item, nil
}

// splitDraft separates the TITLE: line from the body. A missing or empty
// body is a validation failure, not something a retry can fix.
func splitDraft(content string) (string, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", Validationf("generator returned empty draft")
	}

	lines := strings.SplitN(content, "\n", 2)
	first := strings.TrimSpace(lines[0])
	if !strings.HasPrefix(first, "TITLE:") {
		return "", "", Validationf("draft missing TITLE line")
	}
	title := strings.TrimSpace(strings.TrimPrefix(first, "TITLE:"))
	if title == "" {
		return "", "", Validationf("draft has empty title")
	}

	body := ""
	if len(lines) == 2 {
		body = strings.TrimSpace(lines[1])
	}
	if body == "" {
		return "", "", Validationf("draft has empty body")
	}
	return title, body, nil
}
