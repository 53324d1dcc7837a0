package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/peervid/backend/internal/logging"
	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

// FollowHandler exposes the follow relationships of this pod.
type FollowHandler struct {
	Coordinator FollowCoordinator
}

// Followers handles GET /api/v1/server/followers requests.
func (h FollowHandler) Followers(w http.ResponseWriter, r *http.Request) {
	h.listFollows(w, r, func(page repositories.Page) ([]models.Follow, int, error) {
		return h.Coordinator.ListFollowers(r.Context(), page)
	})
}

// Following handles GET and POST /api/v1/server/following requests. A GET
// lists the pods this server follows; a POST requests new follows.
func (h FollowHandler) Following(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.follow(w, r)
		return
	}
	h.listFollows(w, r, func(page repositories.Page) ([]models.Follow, int, error) {
		return h.Coordinator.ListFollowing(r.Context(), page)
	})
}

func (h FollowHandler) listFollows(w http.ResponseWriter, r *http.Request, list func(repositories.Page) ([]models.Follow, int, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Coordinator == nil {
		logger.Error("follow coordinator unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "follow service unavailable"})
		return
	}

	follows, total, err := list(parsePage(r))
	if err != nil {
		logger.Error("list follows failed", "error", err)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to list follows"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, followListResponse{Total: total, Data: followResponses(follows)})
}

func (h FollowHandler) follow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Coordinator == nil {
		logger.Error("follow coordinator unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "follow service unavailable"})
		return
	}

	var req followRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid follow payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	hosts := make([]string, 0, len(req.Hosts))
	for _, host := range req.Hosts {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "at least one host is required"})
		return
	}

	if err := h.Coordinator.Follow(ctx, hosts); err != nil {
		logger.Warn("follow request failed", "error", err, "hosts", hosts)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to follow hosts"})
		return
	}

	respondJSON(ctx, w, http.StatusAccepted, map[string]string{"status": "follow requests queued"})
}

// Unfollow handles POST /api/v1/server/following/remove requests.
func (h FollowHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Coordinator == nil {
		logger.Error("follow coordinator unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "follow service unavailable"})
		return
	}

	var req unfollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid unfollow payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "host is required"})
		return
	}

	if err := h.Coordinator.Unfollow(ctx, req.Host); err != nil {
		logger.Warn("unfollow failed", "error", err, "host", req.Host)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to unfollow host"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "unfollowed"})
}

type followRequest struct {
	Hosts []string `json:"hosts"`
}

type unfollowRequest struct {
	Host string `json:"host"`
}

type followListResponse struct {
	Total int             `json:"total"`
	Data  []followPayload `json:"data"`
}

type followPayload struct {
	ID        string    `json:"id"`
	Follower  hostRef   `json:"follower"`
	Following hostRef   `json:"following"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

type hostRef struct {
	Host string `json:"host"`
}

func followResponses(follows []models.Follow) []followPayload {
	payloads := make([]followPayload, 0, len(follows))
	for _, follow := range follows {
		payloads = append(payloads, followPayload{
			ID:        follow.ID,
			Follower:  hostRef{Host: follow.FollowerHost},
			Following: hostRef{Host: follow.FollowingHost},
			State:     follow.State,
			CreatedAt: follow.CreatedAt,
		})
	}
	return payloads
}
