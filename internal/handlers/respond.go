package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/peervid/backend/internal/federation"
	"github.com/peervid/backend/internal/logging"
	"github.com/peervid/backend/internal/repositories"
)

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

// errorStatus translates domain errors into HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, federation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, federation.ErrAuthorization):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// parsePage extracts start, count and sort query parameters, falling back
// to the listing defaults when they are absent or malformed.
func parsePage(r *http.Request) repositories.Page {
	page := repositories.Page{Sort: repositories.SortCreatedAtDesc}

	if raw := strings.TrimSpace(r.URL.Query().Get("start")); raw != "" {
		if start, err := strconv.Atoi(raw); err == nil && start >= 0 {
			page.Start = start
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		if count, err := strconv.Atoi(raw); err == nil && count > 0 {
			page.Count = count
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("sort")); raw != "" {
		page.Sort = raw
	}
	return page
}
