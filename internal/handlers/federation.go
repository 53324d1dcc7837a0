package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/peervid/backend/internal/federation"
	"github.com/peervid/backend/internal/identity"
	"github.com/peervid/backend/internal/logging"
)

// maxEventBodyBytes bounds inbound federation request bodies. Bulk catalog
// batches stay well under this.
const maxEventBodyBytes = 8 << 20

// FederationHandler receives signed pod-to-pod traffic.
type FederationHandler struct {
	Identity   *identity.Pod
	Verifier   identity.Verifier
	Reconciler InboundReconciler
	Limiter    RateLimiter
}

// Key handles GET /api/v1/pods/key requests. The response is unsigned;
// callers decide whether to trust the channel they fetched it over.
func (h FederationHandler) Key(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if h.Identity == nil {
		logging.FromContext(ctx).Error("pod identity unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "pod identity unavailable"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, podKeyResponse{
		Host:      h.Identity.Host,
		PublicKey: h.Identity.PublicKeyString(),
	})
}

// Follow handles POST /api/v1/remote/follow requests from peer pods.
func (h FederationHandler) Follow(w http.ResponseWriter, r *http.Request) {
	peer, body, ok := h.authenticate(w, r, "remote:follow")
	if !ok {
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req federation.FollowRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("invalid follow request body", "peer", peer, "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.FromHost != peer {
		logger.Warn("follow request host mismatch", "peer", peer, "fromHost", req.FromHost)
		respondJSON(ctx, w, http.StatusForbidden, map[string]string{"error": "sender host mismatch"})
		return
	}

	event := federation.Event{Kind: federation.EventFollowRequest}
	if err := h.Reconciler.Apply(ctx, peer, event); err != nil {
		logger.Warn("follow request rejected", "peer", peer, "error", err)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to process follow request"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FollowResponse handles POST /api/v1/remote/follow/response requests.
func (h FederationHandler) FollowResponse(w http.ResponseWriter, r *http.Request) {
	peer, body, ok := h.authenticate(w, r, "remote:follow")
	if !ok {
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req federation.FollowResponseBody
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("invalid follow response body", "peer", peer, "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.FromHost != peer {
		logger.Warn("follow response host mismatch", "peer", peer, "fromHost", req.FromHost)
		respondJSON(ctx, w, http.StatusForbidden, map[string]string{"error": "sender host mismatch"})
		return
	}

	event := federation.Event{Kind: federation.EventFollowResponse, Accepted: req.Accepted}
	if err := h.Reconciler.Apply(ctx, peer, event); err != nil {
		logger.Warn("follow response rejected", "peer", peer, "accepted", req.Accepted, "error", err)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to process follow response"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VideoEvents handles POST /api/v1/remote/videos requests carrying one or
// more catalog events from a single sender.
func (h FederationHandler) VideoEvents(w http.ResponseWriter, r *http.Request) {
	peer, body, ok := h.authenticate(w, r, "remote:videos")
	if !ok {
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req federation.VideoEventsBody
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("invalid video events body", "peer", peer, "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.FromHost != peer {
		logger.Warn("video events host mismatch", "peer", peer, "fromHost", req.FromHost)
		respondJSON(ctx, w, http.StatusForbidden, map[string]string{"error": "sender host mismatch"})
		return
	}
	if len(req.Events) == 0 {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "at least one event is required"})
		return
	}

	if err := h.Reconciler.ApplyBatch(ctx, peer, req.Events); err != nil {
		// Rejected events were already skipped and logged; a retriable
		// failure means the sender should redeliver the whole batch.
		if errors.Is(err, federation.ErrValidation) || errors.Is(err, federation.ErrAuthorization) {
			respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "one or more events were rejected"})
			return
		}
		logger.Error("video events apply failed", "peer", peer, "events", len(req.Events), "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "unable to apply events"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// authenticate reads the request body and proves it was signed by the pod
// named in the peer host header. It writes the error response itself and
// reports ok=false when the request must not proceed.
func (h FederationHandler) authenticate(w http.ResponseWriter, r *http.Request, scope string) (string, []byte, bool) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "", nil, false
	}

	if h.Verifier == nil || h.Reconciler == nil {
		logger.Error("federation dependencies unavailable", "hasVerifier", h.Verifier != nil, "hasReconciler", h.Reconciler != nil)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "federation services unavailable"})
		return "", nil, false
	}

	peer := strings.TrimSpace(r.Header.Get(federation.HeaderPeerHost))
	if peer == "" {
		logger.Warn("federation request missing peer host")
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "peer host header is required"})
		return "", nil, false
	}

	if !allowPeer(h.Limiter, peer, scope) {
		logger.Warn("federation request rate limited", "peer", peer, "scope", scope)
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return "", nil, false
	}

	signature, err := base64.StdEncoding.DecodeString(r.Header.Get(federation.HeaderPeerSignature))
	if err != nil || len(signature) == 0 {
		logger.Warn("federation request bad signature encoding", "peer", peer, "error", err)
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return "", nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes))
	if err != nil {
		logger.Warn("federation request body read failed", "peer", peer, "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "unable to read request body"})
		return "", nil, false
	}

	if err := h.Verifier.Verify(ctx, peer, body, signature); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, identity.ErrUnknownPeer) {
			status = http.StatusForbidden
		}
		logger.Warn("federation signature rejected", "peer", peer, "error", err)
		respondJSON(ctx, w, status, map[string]string{"error": "signature verification failed"})
		return "", nil, false
	}

	return peer, body, true
}

type podKeyResponse struct {
	Host      string `json:"host"`
	PublicKey string `json:"publicKey"`
}
