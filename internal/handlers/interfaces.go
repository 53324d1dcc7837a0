package handlers

import (
	"context"
	"io"

	"github.com/peervid/backend/internal/federation"
	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

// VideoCatalog captures the local catalog operations required by the
// video handlers.
type VideoCatalog interface {
	Publish(ctx context.Context, draft models.Video, file io.Reader, filename string) (models.Video, error)
	Update(ctx context.Context, video models.Video) (models.Video, error)
	Remove(ctx context.Context, id string) error
	Rate(ctx context.Context, videoID, user, value string) error
	Get(ctx context.Context, id string) (models.Video, error)
	List(ctx context.Context, page repositories.Page) ([]models.Video, int, error)
	Search(ctx context.Context, pattern string, page repositories.Page) ([]models.Video, int, error)
}

// FollowCoordinator captures the handshake operations exposed to the
// REST layer.
type FollowCoordinator interface {
	Follow(ctx context.Context, targetHosts []string) error
	Unfollow(ctx context.Context, targetHost string) error
	ListFollowers(ctx context.Context, page repositories.Page) ([]models.Follow, int, error)
	ListFollowing(ctx context.Context, page repositories.Page) ([]models.Follow, int, error)
}

// InboundReconciler applies verified federation events to local state.
type InboundReconciler interface {
	Apply(ctx context.Context, senderHost string, event federation.Event) error
	ApplyBatch(ctx context.Context, senderHost string, events []federation.Event) error
}
