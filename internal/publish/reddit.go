package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"blog-pipeline/internal/config"
	"blog-pipeline/internal/models"
	"blog-pipeline/internal/stage"
)

// RedditTarget submits a link post to a subreddit chosen by title keyword.
type RedditTarget struct {
	cfg        config.RedditConfig
	siteBase   string
	httpClient *http.Client
	authURL    string
	apiBase    string
	logger     *slog.Logger
}

var _ Target = (*RedditTarget)(nil)

// NewRedditTarget wires the reddit publisher.
func NewRedditTarget(cfg config.RedditConfig, siteBase string, logger *slog.Logger) *RedditTarget {
	return &RedditTarget{
		cfg:        cfg,
		siteBase:   strings.TrimSuffix(siteBase, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		authURL:    "https://www.reddit.com/api/v1/access_token",
		apiBase:    "https://oauth.reddit.com",
		logger:     logger,
	}
}

func (t *RedditTarget) Name() string { return "reddit" }

// Publish submits the post link. Reddit's ALREADY_SUB response means the
// link is already live there, which is the end state we wanted.
func (t *RedditTarget) Publish(ctx context.Context, item models.ContentItem) (string, error) {
	if item.Meta == nil {
		return "", stage.Validationf("reddit publish requires enriched metadata")
	}

	token, err := t.accessToken(ctx)
	if err != nil {
		return "", err
	}

	subreddit := t.chooseSubreddit(item.Meta.Title)
	form := url.Values{}
	form.Set("sr", subreddit)
	form.Set("kind", "link")
	form.Set("title", excerpt(item.Meta.Title, 300))
	form.Set("url", t.siteBase+"/"+item.Meta.Slug)
	form.Set("api_type", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/api/submit", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", t.cfg.UserAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", stage.Transientf("submit post: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusBadRequest {
		return "", stage.FromHTTPStatus("reddit", resp.StatusCode, string(body))
	}
	if strings.Contains(string(body), "ALREADY_SUB") {
		return "", stage.Duplicatef("reddit: link already submitted to r/%s", subreddit)
	}

	var submitted struct {
		JSON struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
			Errors [][]any `json:"errors"`
		} `json:"json"`
	}
	if err := json.Unmarshal(body, &submitted); err != nil {
		return "", stage.Transientf("decode submit response: %v", err)
	}
	if len(submitted.JSON.Errors) > 0 {
		return "", stage.Validationf("reddit rejected submission: %v", submitted.JSON.Errors)
	}

	t.logger.Info("reddit post submitted", "item", item.ID, "subreddit", subreddit)
	return submitted.JSON.Data.URL, nil
}

// chooseSubreddit matches title keywords against the configured table.
func (t *RedditTarget) chooseSubreddit(title string) string {
	lower := strings.ToLower(title)
	for keyword, subreddit := range t.cfg.SubredditKeywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return subreddit
		}
	}
	return t.cfg.DefaultSubreddit
}

// accessToken performs the password-grant OAuth flow.
func (t *RedditTarget) accessToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", t.cfg.Username)
	form.Set("password", t.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.SetBasicAuth(t.cfg.ClientID, t.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", t.cfg.UserAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", stage.Transientf("reddit auth: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", stage.FromHTTPStatus("reddit auth", resp.StatusCode, string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", stage.Transientf("decode token: %v", err)
	}
	if token.AccessToken == "" {
		return "", stage.Validationf("reddit auth returned no token")
	}
	return token.AccessToken, nil
}
