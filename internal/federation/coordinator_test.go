package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

type enqueuerStub struct {
	mu    sync.Mutex
	calls []enqueuedEvents
	err   error
}

type enqueuedEvents struct {
	host   string
	events []Event
}

func (e *enqueuerStub) Enqueue(_ context.Context, host string, events ...Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.calls = append(e.calls, enqueuedEvents{host: host, events: events})
	return nil
}

func (e *enqueuerStub) enqueued() []enqueuedEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]enqueuedEvents(nil), e.calls...)
}

func (e *enqueuerStub) eventsFor(host string, kind EventKind) []Event {
	var out []Event
	for _, call := range e.enqueued() {
		if call.host != host {
			continue
		}
		for _, event := range call.events {
			if event.Kind == kind {
				out = append(out, event)
			}
		}
	}
	return out
}

func testCoordinator(t *testing.T, cfg CoordinatorConfig) (*Coordinator, *repositories.InMemoryFollowStore, *repositories.InMemoryCatalogStore, *repositories.InMemoryRatingStore, *enqueuerStub) {
	t.Helper()
	follows := repositories.NewInMemoryFollowStore()
	catalog := repositories.NewInMemoryCatalogStore()
	ratings := repositories.NewInMemoryRatingStore()
	outbound := &enqueuerStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator("pod-a.example", follows, catalog, ratings, outbound, cfg, logger)
	return coord, follows, catalog, ratings, outbound
}

func TestCoordinatorFollowCreatesPendingAndEnqueues(t *testing.T) {
	coord, follows, _, _, outbound := testCoordinator(t, CoordinatorConfig{})
	ctx := context.Background()

	if err := coord.Follow(ctx, []string{"pod-b.example", "pod-c.example"}); err != nil {
		t.Fatalf("follow: %v", err)
	}

	for _, target := range []string{"pod-b.example", "pod-c.example"} {
		follow, err := follows.FindByPair(ctx, "pod-a.example", target)
		if err != nil {
			t.Fatalf("find follow of %s: %v", target, err)
		}
		if follow.State != models.FollowStatePending {
			t.Fatalf("expected pending follow of %s, got %s", target, follow.State)
		}
		if got := len(outbound.eventsFor(target, EventFollowRequest)); got != 1 {
			t.Fatalf("expected 1 follow request to %s, got %d", target, got)
		}
	}
}

func TestCoordinatorFollowIsIdempotentWhilePending(t *testing.T) {
	coord, _, _, _, outbound := testCoordinator(t, CoordinatorConfig{})
	ctx := context.Background()

	if err := coord.Follow(ctx, []string{"pod-b.example"}); err != nil {
		t.Fatalf("first follow: %v", err)
	}
	if err := coord.Follow(ctx, []string{"pod-b.example"}); err != nil {
		t.Fatalf("second follow: %v", err)
	}

	if got := len(outbound.eventsFor("pod-b.example", EventFollowRequest)); got != 1 {
		t.Fatalf("expected a single follow request, got %d", got)
	}
}

func TestCoordinatorFollowRejectsSelfAndEmpty(t *testing.T) {
	coord, follows, _, _, _ := testCoordinator(t, CoordinatorConfig{})
	ctx := context.Background()

	err := coord.Follow(ctx, []string{"pod-b.example", "pod-a.example"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for self follow, got %v", err)
	}
	// Validation fails the whole request before any target is recorded.
	if _, err := follows.FindByPair(ctx, "pod-a.example", "pod-b.example"); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected no follow recorded, got %v", err)
	}

	if err := coord.Follow(ctx, []string{""}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty host, got %v", err)
	}
}

func TestCoordinatorRefollowAfterRejection(t *testing.T) {
	coord, follows, _, _, outbound := testCoordinator(t, CoordinatorConfig{})
	ctx := context.Background()

	if err := coord.Follow(ctx, []string{"pod-b.example"}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if err := coord.HandleFollowResponse(ctx, "pod-b.example", false); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}

	follow, err := follows.FindByPair(ctx, "pod-a.example", "pod-b.example")
	if err != nil {
		t.Fatalf("find follow: %v", err)
	}
	if follow.State != models.FollowStateRejected {
		t.Fatalf("expected rejected state, got %s", follow.State)
	}

	// A fresh follow overwrites the rejection with a new pending request.
	if err := coord.Follow(ctx, []string{"pod-b.example"}); err != nil {
		t.Fatalf("refollow: %v", err)
	}
	follow, err = follows.FindByPair(ctx, "pod-a.example", "pod-b.example")
	if err != nil {
		t.Fatalf("find refollow: %v", err)
	}
	if follow.State != models.FollowStatePending {
		t.Fatalf("expected pending after refollow, got %s", follow.State)
	}
	if got := len(outbound.eventsFor("pod-b.example", EventFollowRequest)); got != 2 {
		t.Fatalf("expected 2 follow requests, got %d", got)
	}
}

func TestCoordinatorHandleFollowRequestAcceptsAndTransfersCatalog(t *testing.T) {
	coord, follows, catalog, ratings, outbound := testCoordinator(t, CoordinatorConfig{BulkBatchSize: 3})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		video := models.Video{
			ID:        fmt.Sprintf("video-%d", i),
			OwnerHost: "pod-a.example",
			Name:      fmt.Sprintf("video %d", i),
			CreatedAt: time.Now().UTC(),
		}
		if err := catalog.Upsert(ctx, video); err != nil {
			t.Fatalf("seed video: %v", err)
		}
	}
	// Mirrored videos of other pods must not be transferred.
	remote := models.Video{ID: "foreign", OwnerHost: "pod-c.example", Name: "foreign"}
	if err := catalog.Upsert(ctx, remote); err != nil {
		t.Fatalf("seed remote video: %v", err)
	}
	// Stored rating rows travel with their video.
	for _, rating := range []models.Rating{
		{VideoID: "video-0", RaterID: "alice@pod-a.example", Value: models.RatingLike},
		{VideoID: "video-0", RaterID: "bob@pod-c.example", Value: models.RatingDislike},
	} {
		if err := ratings.Upsert(ctx, rating); err != nil {
			t.Fatalf("seed rating: %v", err)
		}
	}

	if err := coord.HandleFollowRequest(ctx, "pod-b.example"); err != nil {
		t.Fatalf("handle follow request: %v", err)
	}

	follow, err := follows.FindByPair(ctx, "pod-b.example", "pod-a.example")
	if err != nil {
		t.Fatalf("find inbound follow: %v", err)
	}
	if follow.State != models.FollowStateAccepted {
		t.Fatalf("expected accepted follower, got %s", follow.State)
	}

	accepts := outbound.eventsFor("pod-b.example", EventFollowResponse)
	if len(accepts) != 1 || !accepts[0].Accepted {
		t.Fatalf("expected one accept response, got %+v", accepts)
	}

	added := outbound.eventsFor("pod-b.example", EventVideoAdded)
	if len(added) != 7 {
		t.Fatalf("expected 7 transferred videos, got %d", len(added))
	}
	for _, event := range added {
		if event.Video.OwnerHost != "pod-a.example" {
			t.Fatalf("transferred a video owned by %s", event.Video.OwnerHost)
		}
		if event.Video.ID == "video-0" {
			if len(event.Video.Ratings) != 2 {
				t.Fatalf("expected video-0 to carry 2 rating rows, got %d", len(event.Video.Ratings))
			}
		} else if len(event.Video.Ratings) != 0 {
			t.Fatalf("expected no rating rows on %s, got %d", event.Video.ID, len(event.Video.Ratings))
		}
	}

	// 7 videos at batch size 3 means 3 video-events requests.
	var batches int
	for _, call := range outbound.enqueued() {
		if call.events[0].Kind == EventVideoAdded {
			batches++
		}
	}
	if batches != 3 {
		t.Fatalf("expected 3 transfer batches, got %d", batches)
	}
}

func TestCoordinatorHandleFollowResponseTransitions(t *testing.T) {
	coord, follows, _, _, _ := testCoordinator(t, CoordinatorConfig{})
	ctx := context.Background()

	if err := coord.HandleFollowResponse(ctx, "pod-b.example", true); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without a pending request, got %v", err)
	}

	if err := coord.Follow(ctx, []string{"pod-b.example"}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if err := coord.HandleFollowResponse(ctx, "pod-b.example", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	follow, err := follows.FindByPair(ctx, "pod-a.example", "pod-b.example")
	if err != nil {
		t.Fatalf("find follow: %v", err)
	}
	if follow.State != models.FollowStateAccepted {
		t.Fatalf("expected accepted, got %s", follow.State)
	}

	// Redelivered accept converges without error.
	if err := coord.HandleFollowResponse(ctx, "pod-b.example", true); err != nil {
		t.Fatalf("redelivered accept: %v", err)
	}
	// A contradictory response after resolution is rejected.
	if err := coord.HandleFollowResponse(ctx, "pod-b.example", false); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for accept->reject flip, got %v", err)
	}
}

func TestCoordinatorUnfollowKeepsTransferredVideos(t *testing.T) {
	coord, _, catalog, _, _ := testCoordinator(t, CoordinatorConfig{})
	ctx := context.Background()

	if err := coord.Follow(ctx, []string{"pod-b.example"}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if err := coord.HandleFollowResponse(ctx, "pod-b.example", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	mirror := models.Video{ID: "their-video", OwnerHost: "pod-b.example", Name: "their video"}
	if err := catalog.Upsert(ctx, mirror); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	if err := coord.Unfollow(ctx, "pod-b.example"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}

	if _, err := catalog.FindByID(ctx, "their-video"); err != nil {
		t.Fatalf("expected mirror to survive unfollow: %v", err)
	}
	if coord.IsFollowing(ctx, "pod-b.example") {
		t.Fatalf("expected relationship to be gone")
	}

	if err := coord.Unfollow(ctx, "pod-b.example"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error unfollowing a stranger, got %v", err)
	}
}

func TestCoordinatorUnfollowPurgesWhenConfigured(t *testing.T) {
	coord, _, catalog, _, _ := testCoordinator(t, CoordinatorConfig{PurgeOnUnfollow: true})
	ctx := context.Background()

	if err := coord.Follow(ctx, []string{"pod-b.example"}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	mirror := models.Video{ID: "their-video", OwnerHost: "pod-b.example", Name: "their video"}
	if err := catalog.Upsert(ctx, mirror); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}
	keep := models.Video{ID: "other-video", OwnerHost: "pod-c.example", Name: "unrelated"}
	if err := catalog.Upsert(ctx, keep); err != nil {
		t.Fatalf("seed unrelated: %v", err)
	}

	if err := coord.Unfollow(ctx, "pod-b.example"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}

	if _, err := catalog.FindByID(ctx, "their-video"); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected purge of pod-b videos, got %v", err)
	}
	if _, err := catalog.FindByID(ctx, "other-video"); err != nil {
		t.Fatalf("expected unrelated mirror to survive: %v", err)
	}
}
