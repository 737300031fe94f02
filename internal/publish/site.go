package publish

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"blog-pipeline/internal/config"
	"blog-pipeline/internal/models"
	"blog-pipeline/internal/stage"
)

// SiteTarget publishes the rendered post to the static site and regenerates
// the sitemap alongside it.
type SiteTarget struct {
	cfg      config.SiteConfig
	uploader Uploader
	index    stage.LinkIndex
	logger   *slog.Logger
}

var _ Target = (*SiteTarget)(nil)

// NewSiteTarget wires the site publisher.
func NewSiteTarget(cfg config.SiteConfig, uploader Uploader, index stage.LinkIndex, logger *slog.Logger) *SiteTarget {
	return &SiteTarget{cfg: cfg, uploader: uploader, index: index, logger: logger}
}

func (t *SiteTarget) Name() string { return "site" }

// Publish uploads the Markdown document and a refreshed sitemap. Upload
// failures are transient: object stores are safe to overwrite, so a retry
// cannot double-publish.
func (t *SiteTarget) Publish(ctx context.Context, item models.ContentItem) (string, error) {
	if item.Meta == nil || item.MonetizedBody == nil {
		return "", stage.Validationf("site publish requires enriched, monetized content")
	}

	key := sanitizeKey(path.Join(t.cfg.KeyPrefix, item.Meta.Slug+".md"))
	doc := renderDocument(item)
	if _, err := t.uploader.Upload(ctx, key, []byte(doc), "text/markdown; charset=utf-8"); err != nil {
		return "", stage.Transientf("upload post: %v", err)
	}

	if err := t.refreshSitemap(ctx, item); err != nil {
		// The post itself is live; a stale sitemap self-heals on the
		// next publication.
		t.logger.Warn("sitemap refresh failed", "item", item.ID, "err", err)
	}

	url := strings.TrimSuffix(t.cfg.BaseURL, "/") + "/" + item.Meta.Slug
	t.logger.Info("post published", "item", item.ID, "url", url)
	return url, nil
}

func (t *SiteTarget) refreshSitemap(ctx context.Context, current models.ContentItem) error {
	posts, err := t.index.PublishedPosts(ctx, 500)
	if err != nil {
		return fmt.Errorf("load published posts: %w", err)
	}

	seen := map[string]bool{current.Meta.Slug: true}
	slugs := []string{current.Meta.Slug}
	for _, p := range posts {
		if p.Slug == "" || seen[p.Slug] {
			continue
		}
		seen[p.Slug] = true
		slugs = append(slugs, p.Slug)
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` + "\n")
	base := strings.TrimSuffix(t.cfg.BaseURL, "/")
	now := time.Now().UTC().Format("2006-01-02")
	for _, slug := range slugs {
		fmt.Fprintf(&b, "  <url><loc>%s/%s</loc><lastmod>%s</lastmod></url>\n", base, slug, now)
	}
	b.WriteString("</urlset>\n")

	_, err = t.uploader.Upload(ctx, "sitemap.xml", []byte(b.String()), "application/xml")
	return err
}
