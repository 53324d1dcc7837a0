package models

import "time"

// Video is a catalog entry. A video exists on exactly one owning pod;
// copies held by followers are metadata-only mirrors. NamePath points at
// the locally stored source file and is populated only on the owner.
type Video struct {
	ID          string
	OwnerHost   string
	Name        string
	Description string
	Category    int
	Licence     int
	Language    int
	NSFW        bool
	Privacy     string
	Tags        []string
	NamePath    string
	Likes       int
	Dislikes    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Files       []VideoFile
}

// VideoFile describes one encoded variant of a video.
type VideoFile struct {
	Resolution int
	Size       int64
	Hash       string
	URL        string
}

// IsOwnedBy reports whether the video belongs to the given pod host.
func (v Video) IsOwnedBy(host string) bool {
	return v.OwnerHost == host
}

const (
	PrivacyPublic   = "public"
	PrivacyUnlisted = "unlisted"
	PrivacyPrivate  = "private"
)

// Follow is a directed subscription between two pods. At most one
// relationship exists per ordered (follower, following) pair.
type Follow struct {
	ID            string
	FollowerHost  string
	FollowingHost string
	State         string
	CreatedAt     time.Time
}

const (
	FollowStatePending  = "pending"
	FollowStateAccepted = "accepted"
	FollowStateRejected = "rejected"
)

// Rating records one user's like or dislike of a video. The rater is
// pod-qualified (user@host) so ratings from different pods never collide.
type Rating struct {
	VideoID   string
	RaterID   string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	RatingLike    = "like"
	RatingDislike = "dislike"
)

var videoCategories = map[int]string{
	1:  "Music",
	2:  "Films",
	3:  "Vehicles",
	4:  "Art",
	5:  "Sports",
	6:  "Travels",
	7:  "Gaming",
	8:  "People",
	9:  "Comedy",
	10: "Entertainment",
	11: "News",
	12: "How To",
	13: "Education",
	14: "Activism",
	15: "Science & Technology",
	16: "Animals",
	17: "Kids",
	18: "Food",
}

var videoLicences = map[int]string{
	1: "Attribution",
	2: "Attribution - Share Alike",
	3: "Attribution - No Derivatives",
	4: "Attribution - Non Commercial",
	5: "Attribution - Non Commercial - Share Alike",
	6: "Attribution - Non Commercial - No Derivatives",
	7: "Public Domain Dedication",
}

var videoLanguages = map[int]string{
	1:  "English",
	2:  "French",
	3:  "Mandarin",
	4:  "Hindi",
	5:  "Spanish",
	6:  "Italian",
	7:  "Japanese",
	8:  "German",
	9:  "Korean",
	10: "Russian",
}

// CategoryLabel resolves a category enum to its display label.
func CategoryLabel(category int) string {
	return videoCategories[category]
}

// LicenceLabel resolves a licence enum to its display label.
func LicenceLabel(licence int) string {
	return videoLicences[licence]
}

// LanguageLabel resolves a language enum to its display label.
func LanguageLabel(language int) string {
	return videoLanguages[language]
}
