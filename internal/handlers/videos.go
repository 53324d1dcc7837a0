package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/peervid/backend/internal/logging"
	"github.com/peervid/backend/internal/models"
	"github.com/peervid/backend/internal/repositories"
)

// maxUploadMemoryBytes bounds how much of a multipart upload is parsed
// into memory before the remainder spills to temporary files.
const maxUploadMemoryBytes = 32 << 20

// VideoHandler provides endpoints for publishing and browsing the catalog.
type VideoHandler struct {
	LocalHost string
	Catalog   VideoCatalog
	Limiter   RateLimiter
}

// List handles GET and POST /api/v1/videos.
func (h VideoHandler) List(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h VideoHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Catalog == nil {
		logger.Error("catalog service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "catalog unavailable"})
		return
	}

	videos, total, err := h.Catalog.List(ctx, parsePage(r))
	if err != nil {
		logger.Error("list videos failed", "error", err)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to list videos"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, videoListResponse{Total: total, Data: videoResponses(videos, h.LocalHost)})
}

func (h VideoHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Catalog == nil {
		logger.Error("catalog service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "catalog unavailable"})
		return
	}

	if !allowRequest(h.Limiter, r, "videos:create") {
		logger.Warn("video creation rate limited", "remoteAddr", r.RemoteAddr)
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many uploads"})
		return
	}

	draft, file, filename, err := decodeVideoDraft(r)
	if err != nil {
		logger.Warn("invalid video payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if file != nil {
		defer file.Close()
	}

	if strings.TrimSpace(draft.Name) == "" {
		logger.Warn("video missing name")
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "video name is required"})
		return
	}

	var reader io.Reader
	if file != nil {
		reader = file
	}
	video, err := h.Catalog.Publish(ctx, draft, reader, filename)
	if err != nil {
		logger.Error("publish video failed", "error", err, "name", draft.Name)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to publish video"})
		return
	}

	respondJSON(ctx, w, http.StatusCreated, videoResponse(video, h.LocalHost))
}

// Detail handles GET /api/v1/videos/detail?id= requests.
func (h VideoHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "video id is required"})
		return
	}

	video, err := h.Catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "video not found"})
			return
		}
		logger.Error("video lookup failed", "error", err, "videoId", id)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "unable to fetch video"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, videoResponse(video, h.LocalHost))
}

// Search handles GET /api/v1/videos/search?search= requests.
func (h VideoHandler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	pattern := strings.TrimSpace(r.URL.Query().Get("search"))
	if pattern == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "search term is required"})
		return
	}

	videos, total, err := h.Catalog.Search(ctx, pattern, parsePage(r))
	if err != nil {
		logger.Error("video search failed", "error", err, "pattern", pattern)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to search videos"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, videoListResponse{Total: total, Data: videoResponses(videos, h.LocalHost)})
}

// Delete handles POST /api/v1/videos/delete requests.
func (h VideoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req deleteVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid delete payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "video id is required"})
		return
	}

	if err := h.Catalog.Remove(ctx, req.ID); err != nil {
		logger.Warn("video removal failed", "error", err, "videoId", req.ID)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to remove video"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "removed"})
}

// Rate handles POST /api/v1/videos/rate requests.
func (h VideoHandler) Rate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req rateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid rating payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	req.User = strings.TrimSpace(req.User)
	if req.ID == "" || req.User == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "video id and user are required"})
		return
	}
	if req.Rating != models.RatingLike && req.Rating != models.RatingDislike {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "rating must be like or dislike"})
		return
	}

	if err := h.Catalog.Rate(ctx, req.ID, req.User, req.Rating); err != nil {
		logger.Warn("video rating failed", "error", err, "videoId", req.ID)
		respondJSON(ctx, w, errorStatus(err), map[string]string{"error": "unable to rate video"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "rated"})
}

// decodeVideoDraft accepts either a JSON body or a multipart form with an
// optional "videofile" part.
func decodeVideoDraft(r *http.Request) (models.Video, multipart.File, string, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadMemoryBytes); err != nil {
			return models.Video{}, nil, "", fmt.Errorf("invalid multipart form: %w", err)
		}

		draft := models.Video{
			Name:        strings.TrimSpace(r.FormValue("name")),
			Description: r.FormValue("description"),
			Privacy:     strings.TrimSpace(r.FormValue("privacy")),
			NSFW:        r.FormValue("nsfw") == "true",
		}
		draft.Category = formInt(r, "category")
		draft.Licence = formInt(r, "licence")
		draft.Language = formInt(r, "language")
		if tags := strings.TrimSpace(r.FormValue("tags")); tags != "" {
			for _, tag := range strings.Split(tags, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					draft.Tags = append(draft.Tags, tag)
				}
			}
		}

		file, header, err := r.FormFile("videofile")
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return draft, nil, "", nil
			}
			return models.Video{}, nil, "", fmt.Errorf("invalid video file: %w", err)
		}
		return draft, file, header.Filename, nil
	}

	var req createVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return models.Video{}, nil, "", errors.New("invalid request body")
	}
	return models.Video{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Category:    req.Category,
		Licence:     req.Licence,
		Language:    req.Language,
		NSFW:        req.NSFW,
		Privacy:     strings.TrimSpace(req.Privacy),
		Tags:        req.Tags,
	}, nil, "", nil
}

func formInt(r *http.Request, field string) int {
	value := strings.TrimSpace(r.FormValue(field))
	if value == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0
	}
	return n
}

type createVideoRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    int      `json:"category"`
	Licence     int      `json:"licence"`
	Language    int      `json:"language"`
	NSFW        bool     `json:"nsfw"`
	Privacy     string   `json:"privacy"`
	Tags        []string `json:"tags"`
}

type deleteVideoRequest struct {
	ID string `json:"id"`
}

type rateVideoRequest struct {
	ID     string `json:"id"`
	User   string `json:"user"`
	Rating string `json:"rating"`
}

type videoListResponse struct {
	Total int            `json:"total"`
	Data  []videoPayload `json:"data"`
}

type videoPayload struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	ServerHost    string             `json:"serverHost"`
	IsLocal       bool               `json:"isLocal"`
	Category      int                `json:"category"`
	CategoryLabel string             `json:"categoryLabel"`
	Licence       int                `json:"licence"`
	LicenceLabel  string             `json:"licenceLabel"`
	Language      int                `json:"language"`
	LanguageLabel string             `json:"languageLabel"`
	NSFW          bool               `json:"nsfw"`
	Privacy       string             `json:"privacy"`
	Tags          []string           `json:"tags"`
	Likes         int                `json:"likes"`
	Dislikes      int                `json:"dislikes"`
	Files         []videoFilePayload `json:"files"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

type videoFilePayload struct {
	Resolution      int    `json:"resolution"`
	ResolutionLabel string `json:"resolutionLabel"`
	Size            int64  `json:"size"`
	FileURL         string `json:"fileUrl"`
	Hash            string `json:"hash"`
}

func videoResponse(video models.Video, localHost string) videoPayload {
	payload := videoPayload{
		ID:            video.ID,
		Name:          video.Name,
		Description:   video.Description,
		ServerHost:    video.OwnerHost,
		IsLocal:       video.IsOwnedBy(localHost),
		Category:      video.Category,
		CategoryLabel: models.CategoryLabel(video.Category),
		Licence:       video.Licence,
		LicenceLabel:  models.LicenceLabel(video.Licence),
		Language:      video.Language,
		LanguageLabel: models.LanguageLabel(video.Language),
		NSFW:          video.NSFW,
		Privacy:       video.Privacy,
		Tags:          video.Tags,
		Likes:         video.Likes,
		Dislikes:      video.Dislikes,
		CreatedAt:     video.CreatedAt,
		UpdatedAt:     video.UpdatedAt,
	}
	for _, file := range video.Files {
		payload.Files = append(payload.Files, videoFilePayload{
			Resolution:      file.Resolution,
			ResolutionLabel: fmt.Sprintf("%dp", file.Resolution),
			Size:            file.Size,
			FileURL:         file.URL,
			Hash:            file.Hash,
		})
	}
	return payload
}

func videoResponses(videos []models.Video, localHost string) []videoPayload {
	payloads := make([]videoPayload, 0, len(videos))
	for _, video := range videos {
		payloads = append(payloads, videoResponse(video, localHost))
	}
	return payloads
}
