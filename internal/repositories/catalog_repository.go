package repositories

import (
	"context"

	"github.com/peervid/backend/internal/models"
)

// Page controls offset pagination and ordering for list queries.
type Page struct {
	Start int
	Count int
	Sort  string
}

// Sort keys accepted by list queries. A leading dash inverts the order.
const (
	SortCreatedAt     = "createdAt"
	SortCreatedAtDesc = "-createdAt"
	SortName          = "name"
)

// CatalogStore exposes data access for local and remote video records.
// Upsert is keyed on (OwnerHost, ID) so redelivered federation events
// never produce duplicate rows.
type CatalogStore interface {
	Upsert(ctx context.Context, video models.Video) error
	FindByID(ctx context.Context, id string) (models.Video, error)
	List(ctx context.Context, page Page) ([]models.Video, int, error)
	ListOwned(ctx context.Context, ownerHost string) ([]models.Video, error)
	RemoveByID(ctx context.Context, id string) error
	RemoveByOwnerHost(ctx context.Context, ownerHost string) (int, error)
	Search(ctx context.Context, pattern string, page Page) ([]models.Video, int, error)
	UpdateRatingCounts(ctx context.Context, id string, likes, dislikes int) error
}

// RatingStore persists per-user rating assertions. Upsert replaces any
// previous value for the same (video, rater) pair.
type RatingStore interface {
	Upsert(ctx context.Context, rating models.Rating) error
	Find(ctx context.Context, videoID, raterID string) (models.Rating, error)
	ListByVideo(ctx context.Context, videoID string) ([]models.Rating, error)
	Counts(ctx context.Context, videoID string) (likes, dislikes int, err error)
}
