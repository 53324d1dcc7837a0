package federation

import (
	"fmt"
	"time"

	"github.com/peervid/backend/internal/models"
)

// EventKind discriminates the federation event payloads.
type EventKind string

const (
	EventVideoAdded     EventKind = "video-added"
	EventVideoUpdated   EventKind = "video-updated"
	EventVideoRemoved   EventKind = "video-removed"
	EventVideoRated     EventKind = "video-rated"
	EventFollowRequest  EventKind = "follow-request"
	EventFollowResponse EventKind = "follow-response"
)

// Event is one federation occurrence addressed to a remote pod. The
// envelope's sender identity comes from the signed wire request, not from
// the event itself.
type Event struct {
	Kind     EventKind      `json:"kind"`
	Video    *VideoPayload  `json:"video,omitempty"`
	Rating   *RatingPayload `json:"rating,omitempty"`
	Accepted bool           `json:"accepted,omitempty"`
}

// VideoPayload is the wire form of a video record. It never carries the
// owner's local storage path; receiving pods store metadata-only mirrors.
type VideoPayload struct {
	ID          string        `json:"id"`
	OwnerHost   string        `json:"ownerHost"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    int           `json:"category"`
	Licence     int           `json:"licence"`
	Language    int           `json:"language"`
	NSFW        bool          `json:"nsfw"`
	Privacy     string        `json:"privacy"`
	Tags        []string      `json:"tags"`
	Likes       int           `json:"likes"`
	Dislikes    int           `json:"dislikes"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Files       []FilePayload `json:"files"`
	// Ratings carries the owner's stored rating rows during bulk catalog
	// transfer, so the receiving pod derives the same counters instead of
	// trusting the transferred numbers without their rows.
	Ratings []RatingPayload `json:"ratings,omitempty"`
}

// FilePayload is the wire form of one encoded variant.
type FilePayload struct {
	Resolution int    `json:"resolution"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
	URL        string `json:"fileUrl"`
}

// RatingPayload is the wire form of a rating assertion.
type RatingPayload struct {
	VideoID string `json:"videoId"`
	RaterID string `json:"raterId"`
	Value   string `json:"value"`
}

// VideoEvent builds an event of the given kind for the video.
func VideoEvent(kind EventKind, video models.Video) Event {
	payload := PayloadFromVideo(video)
	return Event{Kind: kind, Video: &payload}
}

// CatalogTransferEvent builds the video-added event used during bulk
// catalog transfer. The owner's rating rows travel with the video.
func CatalogTransferEvent(video models.Video, ratings []models.Rating) Event {
	payload := PayloadFromVideo(video)
	for _, rating := range ratings {
		payload.Ratings = append(payload.Ratings, RatingPayload{
			VideoID: rating.VideoID,
			RaterID: rating.RaterID,
			Value:   rating.Value,
		})
	}
	return Event{Kind: EventVideoAdded, Video: &payload}
}

// RatingEvent builds a video-rated event.
func RatingEvent(rating models.Rating) Event {
	return Event{Kind: EventVideoRated, Rating: &RatingPayload{
		VideoID: rating.VideoID,
		RaterID: rating.RaterID,
		Value:   rating.Value,
	}}
}

// PayloadFromVideo converts a catalog record into its wire form,
// dropping owner-local fields.
func PayloadFromVideo(video models.Video) VideoPayload {
	payload := VideoPayload{
		ID:          video.ID,
		OwnerHost:   video.OwnerHost,
		Name:        video.Name,
		Description: video.Description,
		Category:    video.Category,
		Licence:     video.Licence,
		Language:    video.Language,
		NSFW:        video.NSFW,
		Privacy:     video.Privacy,
		Tags:        video.Tags,
		Likes:       video.Likes,
		Dislikes:    video.Dislikes,
		CreatedAt:   video.CreatedAt,
		UpdatedAt:   video.UpdatedAt,
	}
	for _, file := range video.Files {
		payload.Files = append(payload.Files, FilePayload{
			Resolution: file.Resolution,
			Size:       file.Size,
			Hash:       file.Hash,
			URL:        file.URL,
		})
	}
	return payload
}

// ToVideo converts the wire form into a catalog record. NamePath stays
// empty: the receiving pod is never the owner.
func (p VideoPayload) ToVideo() models.Video {
	video := models.Video{
		ID:          p.ID,
		OwnerHost:   p.OwnerHost,
		Name:        p.Name,
		Description: p.Description,
		Category:    p.Category,
		Licence:     p.Licence,
		Language:    p.Language,
		NSFW:        p.NSFW,
		Privacy:     p.Privacy,
		Tags:        p.Tags,
		Likes:       p.Likes,
		Dislikes:    p.Dislikes,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	for _, file := range p.Files {
		video.Files = append(video.Files, models.VideoFile{
			Resolution: file.Resolution,
			Size:       file.Size,
			Hash:       file.Hash,
			URL:        file.URL,
		})
	}
	return video
}

// Validate checks structural event invariants before any state is touched.
func (e Event) Validate() error {
	switch e.Kind {
	case EventVideoAdded, EventVideoUpdated, EventVideoRemoved:
		if e.Video == nil {
			return fmt.Errorf("%w: %s event without video payload", ErrValidation, e.Kind)
		}
		if e.Video.ID == "" || e.Video.OwnerHost == "" {
			return fmt.Errorf("%w: video event missing id or owner host", ErrValidation)
		}
		for _, rating := range e.Video.Ratings {
			if rating.RaterID == "" {
				return fmt.Errorf("%w: transferred rating missing rater", ErrValidation)
			}
			if rating.Value != models.RatingLike && rating.Value != models.RatingDislike {
				return fmt.Errorf("%w: unknown rating value %q", ErrValidation, rating.Value)
			}
		}
	case EventVideoRated:
		if e.Rating == nil {
			return fmt.Errorf("%w: rating event without payload", ErrValidation)
		}
		if e.Rating.VideoID == "" || e.Rating.RaterID == "" {
			return fmt.Errorf("%w: rating event missing video or rater", ErrValidation)
		}
		if e.Rating.Value != models.RatingLike && e.Rating.Value != models.RatingDislike {
			return fmt.Errorf("%w: unknown rating value %q", ErrValidation, e.Rating.Value)
		}
	case EventFollowRequest, EventFollowResponse:
		// Sender identity is the only payload; nothing further to check.
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrValidation, e.Kind)
	}
	return nil
}

// Federation wire routes. The scheduler groups events by route so one
// delivery unit maps onto exactly one HTTP request.
const (
	RouteFollow         = "/api/v1/remote/follow"
	RouteFollowResponse = "/api/v1/remote/follow/response"
	RouteVideoEvents    = "/api/v1/remote/videos"
)

// Route returns the inbound endpoint this event is delivered to.
func (e Event) Route() string {
	switch e.Kind {
	case EventFollowRequest:
		return RouteFollow
	case EventFollowResponse:
		return RouteFollowResponse
	default:
		return RouteVideoEvents
	}
}

// Wire envelopes posted between pods.

// FollowRequestBody is the body of POST /api/v1/remote/follow.
type FollowRequestBody struct {
	FromHost string `json:"fromHost"`
}

// FollowResponseBody is the body of POST /api/v1/remote/follow/response.
type FollowResponseBody struct {
	FromHost string `json:"fromHost"`
	Accepted bool   `json:"accepted"`
}

// VideoEventsBody is the body of POST /api/v1/remote/videos. Multiple
// logically independent events to one pod are coalesced into one request.
type VideoEventsBody struct {
	FromHost string  `json:"fromHost"`
	Events   []Event `json:"events"`
}
