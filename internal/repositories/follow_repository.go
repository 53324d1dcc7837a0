package repositories

import (
	"context"

	"github.com/peervid/backend/internal/models"
)

// FollowStore defines data access for follow relationships between pods.
type FollowStore interface {
	Create(ctx context.Context, follow models.Follow) error
	Upsert(ctx context.Context, follow models.Follow) error
	FindByPair(ctx context.Context, followerHost, followingHost string) (models.Follow, error)
	ListFollowers(ctx context.Context, host string, page Page) ([]models.Follow, int, error)
	ListFollowing(ctx context.Context, host string, page Page) ([]models.Follow, int, error)
	UpdateState(ctx context.Context, followerHost, followingHost, state string) error
	DeleteByPair(ctx context.Context, followerHost, followingHost string) error
}
