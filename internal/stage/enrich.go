package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"blog-pipeline/internal/config"
	"blog-pipeline/internal/models"
)

// LinkIndex lists already-published posts so enrichment can propose
// internal links without reaching any external service.
type LinkIndex interface {
	PublishedPosts(ctx context.Context, limit int) ([]models.PostRef, error)
}

// Enricher rewrites metadata (title, description, tags) and proposes
// internal links. It is a pure function over the draft plus the link index.
type Enricher struct {
	cfg   config.EnrichmentConfig
	index LinkIndex
}

var _ Stage = (*Enricher)(nil)

// NewEnricher builds the enrichment stage.
func NewEnricher(cfg config.EnrichmentConfig, index LinkIndex) *Enricher {
	return &Enricher{cfg: cfg, index: index}
}

func (e *Enricher) Name() string { return models.StageEnrich }

// Apply derives publish-ready metadata from the draft.
func (e *Enricher) Apply(ctx context.Context, item models.ContentItem) (models.ContentItem, error) {
	if item.Draft == nil {
		return item, Validationf("enrichment requires a draft")
	}

	lowerBody := strings.ToLower(item.Draft.Body)
	lowerAll := strings.ToLower(item.Topic) + " " + strings.ToLower(item.Draft.Title) + " " + lowerBody

	tags, keywords := e.classify(lowerAll)

	meta := &models.Metadata{
		Title:       optimizeTitle(item.Draft.Title, item.Topic),
		Description: metaDescription(item.Draft.Body),
		Slug:        models.Slug(item.Draft.Title),
		Tags:        tags,
		Keywords:    keywords,
	}

	if e.index != nil {
		links, err := e.proposeLinks(ctx, item, lowerBody)
		if err != nil {
			return item, err
		}
		meta.InternalLinks = links
	}

	item.Meta = meta
	return item, nil
}

// classify matches the tag vocabulary against topic, title, and body.
func (e *Enricher) classify(text string) ([]string, []string) {
	var tags, keywords []string
	names := make([]string, 0, len(e.cfg.TagRules))
	for name := range e.cfg.TagRules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		matched := false
		for _, kw := range e.cfg.TagRules[name] {
			if strings.Contains(text, strings.ToLower(kw)) {
				matched = true
				keywords = append(keywords, kw)
			}
		}
		if matched {
			tags = append(tags, name)
		}
	}
	return tags, keywords
}

// proposeLinks finds published posts whose title words appear in the body.
func (e *Enricher) proposeLinks(ctx context.Context, item models.ContentItem, lowerBody string) ([]models.InternalLink, error) {
	limit := 50
	posts, err := e.index.PublishedPosts(ctx, limit)
	if err != nil {
		return nil, Transientf("load link index: %v", err)
	}

	max := e.cfg.MaxInternalLinks
	if max <= 0 {
		max = 3
	}

	var links []models.InternalLink
	for _, post := range posts {
		if post.ID == item.ID || len(links) >= max {
			continue
		}
		anchor := bestAnchor(post.Title, lowerBody)
		if anchor == "" {
			continue
		}
		links = append(links, models.InternalLink{
			Anchor:   anchor,
			TargetID: post.ID,
			URL:      strings.TrimSuffix(e.cfg.BaseURL, "/") + "/" + post.Slug,
		})
	}
	return links, nil
}

// bestAnchor returns the longest run of title words found verbatim in the body.
func bestAnchor(title, lowerBody string) string {
	words := strings.Fields(strings.ToLower(title))
	for span := len(words); span >= 2; span-- {
		for start := 0; start+span <= len(words); start++ {
			phrase := strings.Join(words[start:start+span], " ")
			if strings.Contains(lowerBody, phrase) {
				return phrase
			}
		}
	}
	return ""
}

// optimizeTitle makes sure the topic keyword survives into the title and
// keeps it inside the usual search-result length.
func optimizeTitle(title, topic string) string {
	const maxLen = 60
	if !strings.Contains(strings.ToLower(title), strings.ToLower(topic)) {
		candidate := fmt.Sprintf("%s: %s", titleCase(topic), title)
		if len(candidate) <= maxLen {
			title = candidate
		}
	}
	if len(title) > maxLen {
		cut := strings.LastIndex(title[:maxLen], " ")
		if cut <= 0 {
			cut = maxLen
		}
		title = strings.TrimRight(title[:cut], " ,:;-")
	}
	return title
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// metaDescription takes the opening sentences of the body, bounded to the
// length search engines display.
func metaDescription(body string) string {
	const maxLen = 158

	text := body
	if idx := strings.Index(text, "\n"); idx >= 0 {
		// Skip a leading heading line.
		if strings.HasPrefix(strings.TrimSpace(text), "#") {
			text = text[idx+1:]
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxLen {
		return text
	}
	cut := strings.LastIndex(text[:maxLen], " ")
	if cut <= 0 {
		cut = maxLen
	}
	return strings.TrimRight(text[:cut], " ,;:") + "…"
}
