package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

// FollowResponder handles the follow-handshake events the reconciler
// delegates rather than applying itself.
type FollowResponder interface {
	HandleFollowRequest(ctx context.Context, fromHost string) error
	HandleFollowResponse(ctx context.Context, fromHost string, accepted bool) error
}

// Reconciler applies inbound federation events to local state. Every
// apply is idempotent and atomic per event: a rejected event leaves the
// catalog exactly as it was.
type Reconciler struct {
	localHost string
	catalog   repositories.CatalogStore
	ledger    *RatingLedger
	follows   FollowResponder
	logger    *slog.Logger
}

// NewReconciler constructs the inbound event reconciler. The ledger must
// be the same instance the local catalog service rates through.
func NewReconciler(localHost string, catalog repositories.CatalogStore, ledger *RatingLedger, follows FollowResponder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		localHost: localHost,
		catalog:   catalog,
		ledger:    ledger,
		follows:   follows,
		logger:    logger,
	}
}

// Apply reconciles one event asserted by the authenticated senderHost.
func (r *Reconciler) Apply(ctx context.Context, senderHost string, event Event) error {
	if senderHost == "" || senderHost == r.localHost {
		return fmt.Errorf("%w: event from %q", ErrValidation, senderHost)
	}
	if err := event.Validate(); err != nil {
		return err
	}

	switch event.Kind {
	case EventVideoAdded:
		return r.applyVideoAdded(ctx, senderHost, *event.Video)
	case EventVideoUpdated:
		return r.applyVideoUpdated(ctx, senderHost, *event.Video)
	case EventVideoRemoved:
		return r.applyVideoRemoved(ctx, senderHost, *event.Video)
	case EventVideoRated:
		return r.applyVideoRated(ctx, senderHost, *event.Rating)
	case EventFollowRequest:
		return r.follows.HandleFollowRequest(ctx, senderHost)
	case EventFollowResponse:
		return r.follows.HandleFollowResponse(ctx, senderHost, event.Accepted)
	default:
		return fmt.Errorf("%w: unhandled event kind %q", ErrValidation, event.Kind)
	}
}

// ApplyBatch reconciles a coalesced delivery unit event by event. A
// failing event is logged and reported but does not stop the rest of the
// batch; bulk catalog transfers therefore recover via simple redelivery.
func (r *Reconciler) ApplyBatch(ctx context.Context, senderHost string, events []Event) error {
	var errs []error
	for _, event := range events {
		if err := r.Apply(ctx, senderHost, event); err != nil {
			r.logger.Warn("rejected inbound event", "sender", senderHost, "kind", event.Kind, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyVideoAdded upserts the asserted video, stores any rating rows the
// owner transferred with it, and derives the counters from the rows.
// Redelivery of an add for a known id converges to the same single row.
func (r *Reconciler) applyVideoAdded(ctx context.Context, senderHost string, payload VideoPayload) error {
	if payload.OwnerHost != senderHost {
		return fmt.Errorf("%w: %s asserted a video owned by %s", ErrAuthorization, senderHost, payload.OwnerHost)
	}

	if existing, err := r.catalog.FindByID(ctx, payload.ID); err == nil {
		if existing.OwnerHost != senderHost {
			return fmt.Errorf("%w: video %s already attributed to %s", ErrAuthorization, payload.ID, existing.OwnerHost)
		}
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("lookup video %s: %w", payload.ID, err)
	}

	if err := r.catalog.Upsert(ctx, payload.ToVideo()); err != nil {
		return fmt.Errorf("store remote video %s: %w", payload.ID, err)
	}

	// The owner is authoritative for its own video's rating set, so the
	// rater-host check of live rate events does not apply here.
	now := time.Now().UTC()
	rows := make([]models.Rating, 0, len(payload.Ratings))
	for _, assertion := range payload.Ratings {
		rows = append(rows, models.Rating{
			VideoID:   payload.ID,
			RaterID:   assertion.RaterID,
			Value:     assertion.Value,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := r.ledger.Seed(ctx, payload.ID, rows); err != nil {
		return fmt.Errorf("seed ratings for %s: %w", payload.ID, err)
	}
	return nil
}

func (r *Reconciler) applyVideoUpdated(ctx context.Context, senderHost string, payload VideoPayload) error {
	if payload.OwnerHost != senderHost {
		return fmt.Errorf("%w: %s asserted a video owned by %s", ErrAuthorization, senderHost, payload.OwnerHost)
	}

	existing, err := r.catalog.FindByID(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Per-destination ordering guarantees the add arrived first;
			// an unknown id means the event is misattributed.
			return fmt.Errorf("%w: update for unknown video %s", ErrValidation, payload.ID)
		}
		return fmt.Errorf("lookup video %s: %w", payload.ID, err)
	}
	if existing.OwnerHost != senderHost {
		return fmt.Errorf("%w: video %s belongs to %s", ErrAuthorization, payload.ID, existing.OwnerHost)
	}

	// Counters stay derived from the rows this pod holds; the payload's
	// reflect only the owner's view.
	video := payload.ToVideo()
	video.Likes = existing.Likes
	video.Dislikes = existing.Dislikes
	if err := r.catalog.Upsert(ctx, video); err != nil {
		return fmt.Errorf("store remote video update %s: %w", payload.ID, err)
	}
	return nil
}

func (r *Reconciler) applyVideoRemoved(ctx context.Context, senderHost string, payload VideoPayload) error {
	existing, err := r.catalog.FindByID(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Already gone: removal is idempotent.
			return nil
		}
		return fmt.Errorf("lookup video %s: %w", payload.ID, err)
	}
	if existing.OwnerHost != senderHost {
		return fmt.Errorf("%w: %s cannot remove the video of %s", ErrAuthorization, senderHost, existing.OwnerHost)
	}

	if err := r.catalog.RemoveByID(ctx, payload.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("remove remote video %s: %w", payload.ID, err)
	}
	return nil
}

// applyVideoRated records the rater's latest value through the ledger,
// so redelivery of the same assertion never double counts.
func (r *Reconciler) applyVideoRated(ctx context.Context, senderHost string, payload RatingPayload) error {
	if host := raterHost(payload.RaterID); host != senderHost {
		return fmt.Errorf("%w: rating by %s asserted by %s", ErrAuthorization, payload.RaterID, senderHost)
	}

	if _, err := r.catalog.FindByID(ctx, payload.VideoID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("%w: rating for unknown video %s", ErrValidation, payload.VideoID)
		}
		return fmt.Errorf("lookup video %s: %w", payload.VideoID, err)
	}

	now := time.Now().UTC()
	_, err := r.ledger.Apply(ctx, models.Rating{
		VideoID:   payload.VideoID,
		RaterID:   payload.RaterID,
		Value:     payload.Value,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

func raterHost(raterID string) string {
	if at := strings.LastIndex(raterID, "@"); at >= 0 {
		return raterID[at+1:]
	}
	return ""
}
