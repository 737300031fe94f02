package stage

import (
	"context"
	"fmt"
	"strings"

	"blog-pipeline/internal/config"
	"blog-pipeline/internal/models"
)

// AdSlotMarker is the placeholder the site renderer replaces with an ad unit.
const AdSlotMarker = "<!-- ad-slot -->"

// Monetizer inserts ad placement markers and affiliate links into a draft,
// driven by the policy keyed to the item's tags.
type Monetizer struct {
	cfg config.MonetizationConfig
}

var _ Stage = (*Monetizer)(nil)

// NewMonetizer builds the monetization stage.
func NewMonetizer(cfg config.MonetizationConfig) *Monetizer {
	return &Monetizer{cfg: cfg}
}

func (m *Monetizer) Name() string { return models.StageMonetize }

// Apply produces the monetized body. An item whose tags match no policy
// cannot be monetized and fails validation.
func (m *Monetizer) Apply(_ context.Context, item models.ContentItem) (models.ContentItem, error) {
	if item.Draft == nil || item.Meta == nil {
		return item, Validationf("monetization requires a draft and enriched metadata")
	}

	policy, ok := m.policyFor(item.Meta.Tags)
	if !ok {
		return item, Validationf("no monetization policy for tags %v", item.Meta.Tags)
	}

	body := item.Draft.Body
	body, linked := m.insertAffiliateLinks(body, policy.AffiliateProgram)
	body = insertAdSlots(body, policy.AdSlotDensity)
	if linked > 0 && m.cfg.DisclosureText != "" {
		body = body + "\n\n" + m.cfg.DisclosureText
	}

	item.MonetizedBody = &body
	return item, nil
}

// policyFor picks the first tag (in item order) with a configured policy.
func (m *Monetizer) policyFor(tags []string) (config.MonetizationPolicy, bool) {
	for _, tag := range tags {
		if policy, ok := m.cfg.Policies[tag]; ok {
			return policy, true
		}
	}
	return config.MonetizationPolicy{}, false
}

// insertAffiliateLinks replaces the first occurrence of each product keyword
// with a markdown link. Each product is linked at most once per item, keyed
// by its vendor reference, so recommending the same product under two
// keywords never produces two links.
func (m *Monetizer) insertAffiliateLinks(body, program string) (string, int) {
	lower := strings.ToLower(body)
	used := make(map[string]bool)
	inserted := 0

	for _, product := range m.cfg.Products {
		if product.Program != program || used[product.VendorRef] {
			continue
		}
		for _, kw := range product.Keywords {
			idx := strings.Index(lower, strings.ToLower(kw))
			if idx < 0 {
				continue
			}
			original := body[idx : idx+len(kw)]
			link := fmt.Sprintf("[%s](%s)", original, product.URL)
			body = body[:idx] + link + body[idx+len(kw):]
			lower = strings.ToLower(body)
			used[product.VendorRef] = true
			inserted++
			break
		}
	}
	return body, inserted
}

// insertAdSlots places a marker after every `density` paragraphs.
func insertAdSlots(body string, density int) string {
	if density <= 0 {
		return body
	}
	paragraphs := strings.Split(body, "\n\n")
	var out []string
	count := 0
	for _, p := range paragraphs {
		out = append(out, p)
		if strings.TrimSpace(p) == "" || strings.HasPrefix(strings.TrimSpace(p), "#") {
			continue
		}
		count++
		if count%density == 0 {
			out = append(out, AdSlotMarker)
		}
	}
	return strings.Join(out, "\n\n")
}
