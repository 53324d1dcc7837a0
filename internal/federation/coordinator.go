package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

// CoordinatorConfig tunes follow-handshake behaviour.
type CoordinatorConfig struct {
	// BulkBatchSize bounds how many videos travel in one delivery unit
	// during the catalog transfer that follows an accepted handshake.
	BulkBatchSize int
	// PurgeOnUnfollow removes previously transferred videos owned by the
	// unfollowed pod. Off by default: unfollow historically keeps them.
	PurgeOnUnfollow bool
}

// Coordinator drives the follow/unfollow handshake state machine:
// none -> pending -> accepted|rejected, and accepted -> none via
// unfollow. A rejected relationship is retained so it suppresses
// automatic retries until a fresh follow request overwrites it.
type Coordinator struct {
	localHost string
	follows   repositories.FollowStore
	catalog   repositories.CatalogStore
	ratings   repositories.RatingStore
	outbound  Enqueuer
	cfg       CoordinatorConfig
	logger    *slog.Logger

	// Serializes handshake transitions so a duplicate follow/accept race
	// cannot interleave between read and write.
	mu sync.Mutex
}

// NewCoordinator constructs the follow coordinator for the local pod.
func NewCoordinator(localHost string, follows repositories.FollowStore, catalog repositories.CatalogStore, ratings repositories.RatingStore, outbound Enqueuer, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.BulkBatchSize <= 0 {
		cfg.BulkBatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		localHost: localHost,
		follows:   follows,
		catalog:   catalog,
		ratings:   ratings,
		outbound:  outbound,
		cfg:       cfg,
		logger:    logger,
	}
}

// Follow requests a subscription to each target pod. Targets already in a
// pending or accepted relationship are skipped; a rejected relationship
// is overwritten with a fresh pending one. Following yourself is invalid.
func (c *Coordinator) Follow(ctx context.Context, targetHosts []string) error {
	for _, target := range targetHosts {
		if target == "" || target == c.localHost {
			return fmt.Errorf("%w: cannot follow %q", ErrValidation, target)
		}
	}

	for _, target := range targetHosts {
		created, err := c.recordPending(ctx, target)
		if err != nil {
			return err
		}
		if !created {
			continue
		}

		if err := c.outbound.Enqueue(ctx, target, Event{Kind: EventFollowRequest}); err != nil {
			c.logger.Error("enqueue follow request", "target", target, "error", err)
		}
	}

	return nil
}

func (c *Coordinator) recordPending(ctx context.Context, target string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	follow := models.Follow{
		ID:            uuid.NewString(),
		FollowerHost:  c.localHost,
		FollowingHost: target,
		State:         models.FollowStatePending,
		CreatedAt:     time.Now().UTC(),
	}

	existing, err := c.follows.FindByPair(ctx, c.localHost, target)
	switch {
	case err == nil:
		if existing.State != models.FollowStateRejected {
			// Duplicate pending or already accepted: no-op.
			return false, nil
		}
		if err := c.follows.Upsert(ctx, follow); err != nil {
			return false, fmt.Errorf("overwrite rejected follow of %s: %w", target, err)
		}
		return true, nil
	case errors.Is(err, repositories.ErrNotFound):
		if err := c.follows.Create(ctx, follow); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				return false, nil
			}
			return false, fmt.Errorf("create follow of %s: %w", target, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("lookup follow of %s: %w", target, err)
	}
}

// HandleFollowRequest accepts an inbound follow. There is no admission
// policy: the relationship is recorded as accepted, an accept message is
// sent back, and the local pod's owned catalog is transferred to the new
// follower as batched video-added events.
func (c *Coordinator) HandleFollowRequest(ctx context.Context, fromHost string) error {
	if fromHost == "" || fromHost == c.localHost {
		return fmt.Errorf("%w: follow request from %q", ErrValidation, fromHost)
	}

	c.mu.Lock()
	follow := models.Follow{
		ID:            uuid.NewString(),
		FollowerHost:  fromHost,
		FollowingHost: c.localHost,
		State:         models.FollowStateAccepted,
		CreatedAt:     time.Now().UTC(),
	}
	err := c.follows.Upsert(ctx, follow)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("record follower %s: %w", fromHost, err)
	}

	c.logger.Info("accepted follow request", "follower", fromHost)

	if err := c.outbound.Enqueue(ctx, fromHost, Event{Kind: EventFollowResponse, Accepted: true}); err != nil {
		c.logger.Error("enqueue follow accept", "follower", fromHost, "error", err)
	}

	return c.transferCatalog(ctx, fromHost)
}

// transferCatalog enqueues every owned video for the new follower,
// together with its stored rating rows so the follower derives the same
// counters. The batches flow through the same idempotent video-added
// path as live propagation, so a partially delivered transfer heals on
// redelivery.
func (c *Coordinator) transferCatalog(ctx context.Context, toHost string) error {
	owned, err := c.catalog.ListOwned(ctx, c.localHost)
	if err != nil {
		return fmt.Errorf("list owned videos for transfer: %w", err)
	}
	if len(owned) == 0 {
		return nil
	}

	for start := 0; start < len(owned); start += c.cfg.BulkBatchSize {
		end := start + c.cfg.BulkBatchSize
		if end > len(owned) {
			end = len(owned)
		}

		events := make([]Event, 0, end-start)
		for _, video := range owned[start:end] {
			rows, err := c.ratings.ListByVideo(ctx, video.ID)
			if err != nil {
				return fmt.Errorf("list ratings of %s for transfer: %w", video.ID, err)
			}
			events = append(events, CatalogTransferEvent(video, rows))
		}

		if err := c.outbound.Enqueue(ctx, toHost, events...); err != nil {
			c.logger.Error("enqueue catalog transfer batch", "follower", toHost, "videos", len(events), "error", err)
			return nil
		}
	}

	c.logger.Info("enqueued catalog transfer", "follower", toHost, "videos", len(owned))
	return nil
}

// HandleFollowResponse resolves the pending handshake with fromHost.
// A rejected relationship is retained, not deleted, so repeated requests
// stay suppressed until an explicit refollow.
func (c *Coordinator) HandleFollowResponse(ctx context.Context, fromHost string, accepted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.follows.FindByPair(ctx, c.localHost, fromHost)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("%w: follow response from %s without a pending request", ErrValidation, fromHost)
		}
		return fmt.Errorf("lookup pending follow of %s: %w", fromHost, err)
	}

	state := models.FollowStateRejected
	if accepted {
		state = models.FollowStateAccepted
	}

	if existing.State == state {
		return nil
	}
	if existing.State != models.FollowStatePending {
		return fmt.Errorf("%w: follow of %s is %s, not pending", ErrValidation, fromHost, existing.State)
	}

	if err := c.follows.UpdateState(ctx, c.localHost, fromHost, state); err != nil {
		return fmt.Errorf("transition follow of %s to %s: %w", fromHost, state, err)
	}

	c.logger.Info("follow handshake resolved", "target", fromHost, "state", state)
	return nil
}

// Unfollow tears down the subscription to targetHost. The remote pod is
// not notified; it owns its own record of who follows it. Previously
// transferred videos are kept unless PurgeOnUnfollow is set.
func (c *Coordinator) Unfollow(ctx context.Context, targetHost string) error {
	c.mu.Lock()
	err := c.follows.DeleteByPair(ctx, c.localHost, targetHost)
	c.mu.Unlock()
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("%w: not following %s", ErrValidation, targetHost)
		}
		return fmt.Errorf("delete follow of %s: %w", targetHost, err)
	}

	c.logger.Info("unfollowed pod", "target", targetHost)

	if c.cfg.PurgeOnUnfollow {
		removed, err := c.catalog.RemoveByOwnerHost(ctx, targetHost)
		if err != nil {
			return fmt.Errorf("purge videos of %s: %w", targetHost, err)
		}
		c.logger.Info("purged videos of unfollowed pod", "target", targetHost, "removed", removed)
	}

	return nil
}

// IsFollowing reports whether a relationship with the host still exists
// in any direction. The scheduler uses it as the validity check before
// each delivery attempt.
func (c *Coordinator) IsFollowing(ctx context.Context, host string) bool {
	if _, err := c.follows.FindByPair(ctx, c.localHost, host); err == nil {
		return true
	}
	if _, err := c.follows.FindByPair(ctx, host, c.localHost); err == nil {
		return true
	}
	return false
}

// ListFollowers returns the pods subscribed to this one.
func (c *Coordinator) ListFollowers(ctx context.Context, page repositories.Page) ([]models.Follow, int, error) {
	return c.follows.ListFollowers(ctx, c.localHost, page)
}

// ListFollowing returns the pods this one subscribes to.
func (c *Coordinator) ListFollowing(ctx context.Context, page repositories.Page) ([]models.Follow, int, error) {
	return c.follows.ListFollowing(ctx, c.localHost, page)
}
