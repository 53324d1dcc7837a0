package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/peervid/backend/internal/catalog"
	"github.com/peervid/backend/internal/config"
	"github.com/peervid/backend/internal/db"
	"github.com/peervid/backend/internal/federation"
	"github.com/peervid/backend/internal/handlers"
	"github.com/peervid/backend/internal/identity"
	"github.com/peervid/backend/internal/middleware"
	"github.com/peervid/backend/internal/repositories"
	"github.com/peervid/backend/internal/storage"
)

// buildDependencies wires together the concrete implementations used by
// the HTTP handlers, and returns the outbound scheduler so the caller can
// drain it on shutdown.
func buildDependencies(ctx context.Context, pool db.Pool, cfg config.Config, pod *identity.Pod, logger *slog.Logger) (handlers.Dependencies, *federation.Scheduler, error) {
	videoStore := repositories.NewPostgresCatalogStore(pool)
	followStore := repositories.NewPostgresFollowStore(pool)
	ratingStore := repositories.NewPostgresRatingStore(pool)

	keys := identity.NewCachingKeyProvider(
		identity.NewHTTPKeyProvider(cfg.Federation.RequestTimeout),
		cfg.Federation.KeyCacheTTL,
	)
	verifier := identity.NewPeerVerifier(keys)

	sender := federation.NewHTTPSender(cfg.PodHost, cfg.Federation.RequestTimeout)

	// The scheduler consults the coordinator for delivery validity, and
	// the coordinator enqueues through the scheduler. Bind the validity
	// check through a pointer settled below.
	var coordinator *federation.Coordinator
	valid := func(ctx context.Context, host string) bool {
		if coordinator == nil {
			return true
		}
		return coordinator.IsFollowing(ctx, host)
	}

	scheduler := federation.NewScheduler(cfg.PodHost, sender, pod, valid, federation.SchedulerConfig{
		RequestTimeout: cfg.Federation.RequestTimeout,
		MaxRetries:     cfg.Federation.MaxRetries,
		BaseBackoff:    cfg.Federation.BaseBackoff,
		MaxBackoff:     cfg.Federation.MaxBackoff,
		MaxConcurrent:  cfg.Federation.MaxConcurrent,
		QueueSize:      cfg.Federation.QueueSize,
		RequestsPerSec: cfg.Federation.RequestsPerSec,
	}, logger)

	coordinator = federation.NewCoordinator(cfg.PodHost, followStore, videoStore, ratingStore, scheduler, federation.CoordinatorConfig{
		BulkBatchSize:   cfg.Federation.BulkBatchSize,
		PurgeOnUnfollow: cfg.Federation.PurgeOnUnfollow,
	}, logger)

	// One ledger shared by the inbound and local rating paths.
	ratingLedger := federation.NewRatingLedger(videoStore, ratingStore)

	reconciler := federation.NewReconciler(cfg.PodHost, videoStore, ratingLedger, coordinator, logger)

	var assets catalog.AssetStorage
	if cfg.ObjectStore.Bucket != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
		if err != nil {
			return handlers.Dependencies{}, nil, err
		}
		assets = s3
	}

	catalogService := catalog.NewService(cfg.PodHost, videoStore, ratingLedger, followStore, scheduler, assets, logger)

	limiter := middleware.NewKeyedRateLimiter(120, time.Minute, 30, 10*time.Minute)

	return handlers.Dependencies{
		LocalHost:   cfg.PodHost,
		Identity:    pod,
		Verifier:    verifier,
		Catalog:     catalogService,
		Coordinator: coordinator,
		Reconciler:  reconciler,
		Limiter:     limiter,
	}, scheduler, nil
}
