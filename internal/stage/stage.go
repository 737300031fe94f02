// Package stage defines the capability interface every pipeline step
// implements, plus the error taxonomy the orchestrator uses to decide
// between retry, long backoff, and terminal failure.
package stage

import (
	"context"

	"blog-pipeline/internal/models"
)

// Stage transforms (or publishes) a content item. Implementations must not
// mutate the item they receive; they return an updated copy. Apply is invoked
// at most once per item per pipeline run.
type Stage interface {
	Name() string
	Apply(ctx context.Context, item models.ContentItem) (models.ContentItem, error)
}
