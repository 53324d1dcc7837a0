package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peervid/backend/internal/federation"
	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

// AssetStorage persists an owned video's source file and returns its key.
// Delete reclaims the stored file once the video is gone.
type AssetStorage interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// Service owns local catalog mutations. Every mutation commits to the
// local stores first and then fans the matching event out to accepted
// followers; propagation failure never fails the local operation.
type Service struct {
	localHost string
	videos    repositories.CatalogStore
	ratings   *federation.RatingLedger
	follows   repositories.FollowStore
	outbound  federation.Enqueuer
	storage   AssetStorage
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewService constructs the catalog service for the local pod. ratings
// must be the ledger the inbound reconciler also writes through, so a
// local rate and an inbound one for the same video exclude each other.
// storage may be nil when the pod only mirrors remote catalogs.
func NewService(localHost string, videos repositories.CatalogStore, ratings *federation.RatingLedger, follows repositories.FollowStore, outbound federation.Enqueuer, storage AssetStorage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		localHost: localHost,
		videos:    videos,
		ratings:   ratings,
		follows:   follows,
		outbound:  outbound,
		storage:   storage,
		logger:    logger,
		nowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

// Publish stores a new owned video and propagates it to followers. When
// file is non-nil the source is saved through the asset storage and the
// video's NamePath records the stored key.
func (s *Service) Publish(ctx context.Context, draft models.Video, file io.Reader, filename string) (models.Video, error) {
	if strings.TrimSpace(draft.Name) == "" {
		return models.Video{}, fmt.Errorf("%w: video name is required", federation.ErrValidation)
	}

	now := s.nowFunc()
	draft.ID = uuid.NewString()
	draft.OwnerHost = s.localHost
	draft.CreatedAt = now
	draft.UpdatedAt = now
	if draft.Privacy == "" {
		draft.Privacy = models.PrivacyPublic
	}

	if file != nil {
		if s.storage == nil {
			return models.Video{}, errors.New("asset storage unavailable")
		}
		key, err := s.storage.Save(ctx, path.Join(draft.ID, filename), file)
		if err != nil {
			return models.Video{}, fmt.Errorf("store video file: %w", err)
		}
		draft.NamePath = key
	}

	if err := s.videos.Upsert(ctx, draft); err != nil {
		return models.Video{}, fmt.Errorf("store video: %w", err)
	}

	s.fanOut(ctx, federation.VideoEvent(federation.EventVideoAdded, draft))
	return draft, nil
}

// Update edits an owned video and propagates the change.
func (s *Service) Update(ctx context.Context, video models.Video) (models.Video, error) {
	existing, err := s.videos.FindByID(ctx, video.ID)
	if err != nil {
		return models.Video{}, fmt.Errorf("lookup video %s: %w", video.ID, err)
	}
	if !existing.IsOwnedBy(s.localHost) {
		return models.Video{}, fmt.Errorf("%w: cannot edit the video of %s", federation.ErrAuthorization, existing.OwnerHost)
	}

	video.OwnerHost = existing.OwnerHost
	video.NamePath = existing.NamePath
	video.CreatedAt = existing.CreatedAt
	video.Likes = existing.Likes
	video.Dislikes = existing.Dislikes
	video.UpdatedAt = s.nowFunc()

	if err := s.videos.Upsert(ctx, video); err != nil {
		return models.Video{}, fmt.Errorf("store video update: %w", err)
	}

	s.fanOut(ctx, federation.VideoEvent(federation.EventVideoUpdated, video))
	return video, nil
}

// Remove deletes an owned video and propagates the removal.
func (s *Service) Remove(ctx context.Context, id string) error {
	existing, err := s.videos.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup video %s: %w", id, err)
	}
	if !existing.IsOwnedBy(s.localHost) {
		return fmt.Errorf("%w: cannot remove the video of %s", federation.ErrAuthorization, existing.OwnerHost)
	}

	if err := s.videos.RemoveByID(ctx, id); err != nil {
		return fmt.Errorf("remove video %s: %w", id, err)
	}

	if existing.NamePath != "" && s.storage != nil {
		if err := s.storage.Delete(ctx, existing.NamePath); err != nil {
			s.logger.Error("delete video asset", "video", id, "key", existing.NamePath, "error", err)
		}
	}

	s.fanOut(ctx, federation.VideoEvent(federation.EventVideoRemoved, existing))
	return nil
}

// Rate records a local user's like or dislike and propagates it.
// Re-rating with the same value is a no-op; a changed value replaces the
// previous one in the aggregates.
func (s *Service) Rate(ctx context.Context, videoID, user, value string) error {
	if value != models.RatingLike && value != models.RatingDislike {
		return fmt.Errorf("%w: unknown rating value %q", federation.ErrValidation, value)
	}
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("%w: rating user is required", federation.ErrValidation)
	}

	if _, err := s.videos.FindByID(ctx, videoID); err != nil {
		return fmt.Errorf("lookup video %s: %w", videoID, err)
	}

	now := s.nowFunc()
	rating := models.Rating{
		VideoID:   videoID,
		RaterID:   fmt.Sprintf("%s@%s", user, s.localHost),
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}

	changed, err := s.ratings.Apply(ctx, rating)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.fanOut(ctx, federation.RatingEvent(rating))
	return nil
}

// Get fetches one video by id.
func (s *Service) Get(ctx context.Context, id string) (models.Video, error) {
	return s.videos.FindByID(ctx, id)
}

// List returns a catalog page plus the total count.
func (s *Service) List(ctx context.Context, page repositories.Page) ([]models.Video, int, error) {
	return s.videos.List(ctx, page)
}

// Search returns videos whose name matches the pattern.
func (s *Service) Search(ctx context.Context, pattern string, page repositories.Page) ([]models.Video, int, error) {
	return s.videos.Search(ctx, pattern, page)
}

// fanOut enqueues the event for every accepted follower. Local state has
// already committed; enqueue failures are logged, never surfaced.
func (s *Service) fanOut(ctx context.Context, event federation.Event) {
	page := repositories.Page{Count: 100}
	for {
		followers, total, err := s.follows.ListFollowers(ctx, s.localHost, page)
		if err != nil {
			s.logger.Error("list followers for propagation", "kind", event.Kind, "error", err)
			return
		}

		for _, follower := range followers {
			if err := s.outbound.Enqueue(ctx, follower.FollowerHost, event); err != nil {
				s.logger.Error("enqueue propagation event", "kind", event.Kind, "follower", follower.FollowerHost, "error", err)
			}
		}

		page.Start += len(followers)
		if len(followers) == 0 || page.Start >= total {
			return
		}
	}
}
