package federation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

const ratingLockStripes = 64

// RatingLedger is the single write path for rating rows and the derived
// like/dislike counters. Mutations for the same video are serialized by
// a striped lock, and after every write the counters are recomputed from
// the stored rows, so they always equal the sum of the assertions this
// pod knows.
type RatingLedger struct {
	catalog repositories.CatalogStore
	ratings repositories.RatingStore
	locks   [ratingLockStripes]sync.Mutex
}

// NewRatingLedger constructs the ledger over the given stores. Local and
// inbound rating paths must share one instance so their writes for the
// same video exclude each other.
func NewRatingLedger(catalog repositories.CatalogStore, ratings repositories.RatingStore) *RatingLedger {
	return &RatingLedger{catalog: catalog, ratings: ratings}
}

// Apply records the rater's latest value, last-value-wins per
// (video, rater). changed is false when the assertion repeats the
// rater's current value; nothing is written then.
func (l *RatingLedger) Apply(ctx context.Context, rating models.Rating) (bool, error) {
	mu := l.lockFor(rating.VideoID)
	mu.Lock()
	defer mu.Unlock()

	previous, err := l.ratings.Find(ctx, rating.VideoID, rating.RaterID)
	switch {
	case err == nil:
		if previous.Value == rating.Value {
			return false, nil
		}
	case errors.Is(err, repositories.ErrNotFound):
	default:
		return false, fmt.Errorf("lookup previous rating: %w", err)
	}

	if err := l.ratings.Upsert(ctx, rating); err != nil {
		return false, fmt.Errorf("store rating: %w", err)
	}
	return true, l.recount(ctx, rating.VideoID)
}

// Seed stores a rating set transferred from a video's owner and brings
// the counters in line with the rows now known. Rows are forced onto the
// given video id regardless of what the wire payload claimed.
func (l *RatingLedger) Seed(ctx context.Context, videoID string, rows []models.Rating) error {
	mu := l.lockFor(videoID)
	mu.Lock()
	defer mu.Unlock()

	for _, row := range rows {
		row.VideoID = videoID
		if err := l.ratings.Upsert(ctx, row); err != nil {
			return fmt.Errorf("store transferred rating: %w", err)
		}
	}
	return l.recount(ctx, videoID)
}

func (l *RatingLedger) recount(ctx context.Context, videoID string) error {
	likes, dislikes, err := l.ratings.Counts(ctx, videoID)
	if err != nil {
		return fmt.Errorf("count ratings for %s: %w", videoID, err)
	}
	if err := l.catalog.UpdateRatingCounts(ctx, videoID, likes, dislikes); err != nil {
		return fmt.Errorf("update rating counts for %s: %w", videoID, err)
	}
	return nil
}

// lockFor maps the video id onto a fixed stripe set; distinct videos may
// share a stripe.
func (l *RatingLedger) lockFor(videoID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(videoID))
	return &l.locks[h.Sum32()%ratingLockStripes]
}
