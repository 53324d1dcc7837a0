package handlers

import (
	"net/http"

	"github.com/peervid/backend/internal/federation"
	"github.com/peervid/backend/internal/identity"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Host: deps.LocalHost}
	videos := VideoHandler{LocalHost: deps.LocalHost, Catalog: deps.Catalog, Limiter: deps.Limiter}
	follows := FollowHandler{Coordinator: deps.Coordinator}
	remote := FederationHandler{
		Identity:   deps.Identity,
		Verifier:   deps.Verifier,
		Reconciler: deps.Reconciler,
		Limiter:    deps.Limiter,
	}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/api/v1/videos", videos.List)
	mux.HandleFunc("/api/v1/videos/detail", videos.Detail)
	mux.HandleFunc("/api/v1/videos/search", videos.Search)
	mux.HandleFunc("/api/v1/videos/delete", videos.Delete)
	mux.HandleFunc("/api/v1/videos/rate", videos.Rate)
	mux.HandleFunc("/api/v1/server/followers", follows.Followers)
	mux.HandleFunc("/api/v1/server/following", follows.Following)
	mux.HandleFunc("/api/v1/server/following/remove", follows.Unfollow)
	mux.HandleFunc("/api/v1/pods/key", remote.Key)
	mux.HandleFunc(federation.RouteFollow, remote.Follow)
	mux.HandleFunc(federation.RouteFollowResponse, remote.FollowResponse)
	mux.HandleFunc(federation.RouteVideoEvents, remote.VideoEvents)
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	LocalHost   string
	Identity    *identity.Pod
	Verifier    identity.Verifier
	Catalog     VideoCatalog
	Coordinator FollowCoordinator
	Reconciler  InboundReconciler
	Limiter     RateLimiter
}
