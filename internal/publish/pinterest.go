package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"blog-pipeline/internal/config"
	"blog-pipeline/internal/models"
	"blog-pipeline/internal/stage"
)

// Pinterest's preferred pin aspect ratio.
const (
	pinWidth  = 1000
	pinHeight = 1500
)

// PinterestTarget creates a pin for the published post: it renders a pin
// image from the configured template, hosts it on the site uploader, then
// calls the Pinterest API.
type PinterestTarget struct {
	cfg        config.PinterestConfig
	siteBase   string
	uploader   Uploader
	httpClient *http.Client
	apiBase    string
	logger     *slog.Logger
}

var _ Target = (*PinterestTarget)(nil)

// NewPinterestTarget wires the pin publisher.
func NewPinterestTarget(cfg config.PinterestConfig, siteBase string, uploader Uploader, logger *slog.Logger) *PinterestTarget {
	return &PinterestTarget{
		cfg:        cfg,
		siteBase:   strings.TrimSuffix(siteBase, "/"),
		uploader:   uploader,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    "https://api.pinterest.com/v5",
		logger:     logger,
	}
}

func (t *PinterestTarget) Name() string { return "pinterest" }

// Publish creates one pin linking back to the post.
func (t *PinterestTarget) Publish(ctx context.Context, item models.ContentItem) (string, error) {
	if item.Meta == nil {
		return "", stage.Validationf("pinterest publish requires enriched metadata")
	}

	imageURL, err := t.preparePinImage(ctx, item)
	if err != nil {
		return "", err
	}

	link := t.siteBase + "/" + item.Meta.Slug
	payload, err := json.Marshal(map[string]any{
		"board_id":    t.cfg.BoardID,
		"title":       excerpt(item.Meta.Title, 100),
		"description": excerpt(item.Meta.Description, 500),
		"link":        link,
		"media_source": map[string]string{
			"source_type": "image_url",
			"url":         imageURL,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal pin: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/pins", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", stage.Transientf("create pin: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", stage.FromHTTPStatus("pinterest", resp.StatusCode, string(body))
	}

	var pin struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pin); err != nil {
		return "", stage.Transientf("decode pin response: %v", err)
	}
	t.logger.Info("pin created", "item", item.ID, "pin", pin.ID)
	return pin.ID, nil
}

// preparePinImage downloads the template image, resizes it to pin
// dimensions, and hosts it next to the post so the API can fetch it by URL.
func (t *PinterestTarget) preparePinImage(ctx context.Context, item models.ContentItem) (string, error) {
	if t.cfg.TemplateImageURL == "" {
		return "", stage.Validationf("pinterest template image not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.TemplateImageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", stage.Transientf("download template image: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", stage.Transientf("download template image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", stage.Transientf("read template image: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", stage.Validationf("decode template image: %v", err)
	}

	pin := imaging.Fill(img, pinWidth, pinHeight, imaging.Center, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, pin, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode pin image: %w", err)
	}

	key := sanitizeKey("pins/" + item.Meta.Slug + ".jpg")
	if _, err := t.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		return "", stage.Transientf("upload pin image: %v", err)
	}
	return t.siteBase + "/" + key, nil
}
