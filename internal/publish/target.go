// Package publish holds the distribution targets and the fan-out stage
// that drives them. Each target is independently failable and keeps its own
// retry bookkeeping and publication records.
package publish

import (
	"context"
	"fmt"
	"strings"

	"blog-pipeline/internal/models"
)

// Target publishes a finished item to one external platform and returns an
// external reference (post URL or id) when available. Implementations must
// be safe to call again after a lost acknowledgement; the distributor
// consults the publication log before every attempt.
type Target interface {
	Name() string
	Publish(ctx context.Context, item models.ContentItem) (string, error)
}

// renderDocument produces the Markdown document published to the site:
// a YAML frontmatter block followed by the monetized body.
func renderDocument(item models.ContentItem) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", item.Meta.Title)
	fmt.Fprintf(&b, "description: %q\n", item.Meta.Description)
	fmt.Fprintf(&b, "slug: %s\n", item.Meta.Slug)
	fmt.Fprintf(&b, "date: %s\n", item.CreatedAt.Format("2006-01-02"))
	if len(item.Meta.Tags) > 0 {
		b.WriteString("tags: [" + strings.Join(item.Meta.Tags, ", ") + "]\n")
	}
	b.WriteString("---\n\n")
	b.WriteString(*item.MonetizedBody)

	if len(item.Meta.InternalLinks) > 0 {
		b.WriteString("\n\n## Related reading\n\n")
		for _, link := range item.Meta.InternalLinks {
			fmt.Fprintf(&b, "- [%s](%s)\n", link.Anchor, link.URL)
		}
	}
	return b.String()
}

// excerpt shortens the description for platforms with tight limits.
func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut <= 0 {
		cut = max
	}
	return strings.TrimRight(s[:cut], " ,;:") + "…"
}
