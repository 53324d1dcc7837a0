package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/peervid/backend/internal/models"
)

// The in-memory stores implement the persistence contracts for tests and
// local development. They mirror the constraints the SQL schema enforces:
// one row per (ownerHost, id) video and per ordered follow pair.

// NewInMemoryCatalogStore returns a CatalogStore backed by a map.
func NewInMemoryCatalogStore() *InMemoryCatalogStore {
	return &InMemoryCatalogStore{videos: make(map[string]models.Video)}
}

// InMemoryCatalogStore implements CatalogStore without a database.
type InMemoryCatalogStore struct {
	mu     sync.RWMutex
	videos map[string]models.Video
}

// Upsert inserts the video or replaces the existing row with the same id.
func (s *InMemoryCatalogStore) Upsert(_ context.Context, video models.Video) error {
	s.mu.Lock()
	s.videos[video.ID] = video
	s.mu.Unlock()
	return nil
}

// FindByID retrieves a video by id.
func (s *InMemoryCatalogStore) FindByID(_ context.Context, id string) (models.Video, error) {
	s.mu.RLock()
	video, ok := s.videos[id]
	s.mu.RUnlock()
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return video, nil
}

// List returns a page of all known videos plus the total count.
func (s *InMemoryCatalogStore) List(_ context.Context, page Page) ([]models.Video, int, error) {
	s.mu.RLock()
	all := make([]models.Video, 0, len(s.videos))
	for _, video := range s.videos {
		all = append(all, video)
	}
	s.mu.RUnlock()

	return pageVideos(all, page)
}

// ListOwned returns every video attributed to ownerHost, oldest first.
func (s *InMemoryCatalogStore) ListOwned(_ context.Context, ownerHost string) ([]models.Video, error) {
	s.mu.RLock()
	var owned []models.Video
	for _, video := range s.videos {
		if video.OwnerHost == ownerHost {
			owned = append(owned, video)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.Before(owned[j].CreatedAt) })
	return owned, nil
}

// RemoveByID deletes a video, reporting ErrNotFound for unknown ids.
func (s *InMemoryCatalogStore) RemoveByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[id]; !ok {
		return ErrNotFound
	}
	delete(s.videos, id)
	return nil
}

// RemoveByOwnerHost purges all videos attributed to the given pod.
func (s *InMemoryCatalogStore) RemoveByOwnerHost(_ context.Context, ownerHost string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, video := range s.videos {
		if video.OwnerHost == ownerHost {
			delete(s.videos, id)
			removed++
		}
	}
	return removed, nil
}

// Search matches the pattern against video names, case-insensitively.
func (s *InMemoryCatalogStore) Search(_ context.Context, pattern string, page Page) ([]models.Video, int, error) {
	needle := strings.ToLower(pattern)

	s.mu.RLock()
	var matched []models.Video
	for _, video := range s.videos {
		if strings.Contains(strings.ToLower(video.Name), needle) {
			matched = append(matched, video)
		}
	}
	s.mu.RUnlock()

	return pageVideos(matched, page)
}

// UpdateRatingCounts stores freshly aggregated like/dislike counters.
func (s *InMemoryCatalogStore) UpdateRatingCounts(_ context.Context, id string, likes, dislikes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[id]
	if !ok {
		return ErrNotFound
	}
	video.Likes = likes
	video.Dislikes = dislikes
	s.videos[id] = video
	return nil
}

func pageVideos(all []models.Video, page Page) ([]models.Video, int, error) {
	switch page.Sort {
	case SortName:
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	case SortCreatedAtDesc:
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	default:
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	}

	total := len(all)
	start, end := pageBounds(page, total)
	return all[start:end], total, nil
}

func pageBounds(page Page, total int) (int, int) {
	start := page.Start
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	count := page.Count
	if count <= 0 {
		count = total - start
	}
	end := start + count
	if end > total {
		end = total
	}
	return start, end
}

// NewInMemoryFollowStore returns a FollowStore backed by a map.
func NewInMemoryFollowStore() *InMemoryFollowStore {
	return &InMemoryFollowStore{follows: make(map[[2]string]models.Follow)}
}

// InMemoryFollowStore implements FollowStore without a database.
type InMemoryFollowStore struct {
	mu      sync.RWMutex
	follows map[[2]string]models.Follow
}

// Create inserts a new relationship, rejecting duplicates of the pair.
func (s *InMemoryFollowStore) Create(_ context.Context, follow models.Follow) error {
	key := [2]string{follow.FollowerHost, follow.FollowingHost}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.follows[key]; ok {
		return ErrConflict
	}
	s.follows[key] = follow
	return nil
}

// Upsert inserts the relationship or overwrites the existing pair.
func (s *InMemoryFollowStore) Upsert(_ context.Context, follow models.Follow) error {
	key := [2]string{follow.FollowerHost, follow.FollowingHost}
	s.mu.Lock()
	s.follows[key] = follow
	s.mu.Unlock()
	return nil
}

// FindByPair retrieves the relationship for an ordered host pair.
func (s *InMemoryFollowStore) FindByPair(_ context.Context, followerHost, followingHost string) (models.Follow, error) {
	s.mu.RLock()
	follow, ok := s.follows[[2]string{followerHost, followingHost}]
	s.mu.RUnlock()
	if !ok {
		return models.Follow{}, ErrNotFound
	}
	return follow, nil
}

// ListFollowers returns accepted inbound relationships for the host.
func (s *InMemoryFollowStore) ListFollowers(_ context.Context, host string, page Page) ([]models.Follow, int, error) {
	return s.list(page, func(f models.Follow) bool {
		return f.FollowingHost == host && f.State == models.FollowStateAccepted
	})
}

// ListFollowing returns outbound relationships originated by the host.
func (s *InMemoryFollowStore) ListFollowing(_ context.Context, host string, page Page) ([]models.Follow, int, error) {
	return s.list(page, func(f models.Follow) bool {
		return f.FollowerHost == host && f.State != models.FollowStateRejected
	})
}

func (s *InMemoryFollowStore) list(page Page, keep func(models.Follow) bool) ([]models.Follow, int, error) {
	s.mu.RLock()
	var matched []models.Follow
	for _, follow := range s.follows {
		if keep(follow) {
			matched = append(matched, follow)
		}
	}
	s.mu.RUnlock()

	if page.Sort == SortCreatedAtDesc {
		sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	} else {
		sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	}

	total := len(matched)
	start, end := pageBounds(page, total)
	return matched[start:end], total, nil
}

// UpdateState transitions the relationship for the given pair.
func (s *InMemoryFollowStore) UpdateState(_ context.Context, followerHost, followingHost, state string) error {
	key := [2]string{followerHost, followingHost}
	s.mu.Lock()
	defer s.mu.Unlock()
	follow, ok := s.follows[key]
	if !ok {
		return ErrNotFound
	}
	follow.State = state
	s.follows[key] = follow
	return nil
}

// DeleteByPair removes the relationship for the given pair.
func (s *InMemoryFollowStore) DeleteByPair(_ context.Context, followerHost, followingHost string) error {
	key := [2]string{followerHost, followingHost}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.follows[key]; !ok {
		return ErrNotFound
	}
	delete(s.follows, key)
	return nil
}

// NewInMemoryRatingStore returns a RatingStore backed by a map.
func NewInMemoryRatingStore() *InMemoryRatingStore {
	return &InMemoryRatingStore{ratings: make(map[[2]string]models.Rating)}
}

// InMemoryRatingStore implements RatingStore without a database.
type InMemoryRatingStore struct {
	mu      sync.RWMutex
	ratings map[[2]string]models.Rating
}

// Upsert records the rater's latest value for the video.
func (s *InMemoryRatingStore) Upsert(_ context.Context, rating models.Rating) error {
	s.mu.Lock()
	s.ratings[[2]string{rating.VideoID, rating.RaterID}] = rating
	s.mu.Unlock()
	return nil
}

// Find retrieves the rater's current value for the video.
func (s *InMemoryRatingStore) Find(_ context.Context, videoID, raterID string) (models.Rating, error) {
	s.mu.RLock()
	rating, ok := s.ratings[[2]string{videoID, raterID}]
	s.mu.RUnlock()
	if !ok {
		return models.Rating{}, ErrNotFound
	}
	return rating, nil
}

// ListByVideo returns every stored rating row for the video.
func (s *InMemoryRatingStore) ListByVideo(_ context.Context, videoID string) ([]models.Rating, error) {
	s.mu.RLock()
	var matched []models.Rating
	for _, rating := range s.ratings {
		if rating.VideoID == videoID {
			matched = append(matched, rating)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].RaterID < matched[j].RaterID })
	return matched, nil
}

// Counts aggregates like/dislike totals for the video.
func (s *InMemoryRatingStore) Counts(_ context.Context, videoID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	likes, dislikes := 0, 0
	for _, rating := range s.ratings {
		if rating.VideoID != videoID {
			continue
		}
		switch rating.Value {
		case models.RatingLike:
			likes++
		case models.RatingDislike:
			dislikes++
		}
	}
	return likes, dislikes, nil
}

var _ CatalogStore = (*InMemoryCatalogStore)(nil)
var _ FollowStore = (*InMemoryFollowStore)(nil)
var _ RatingStore = (*InMemoryRatingStore)(nil)
