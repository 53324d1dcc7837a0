package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/peervid/backend/internal/db"
	"github.com/peervid/backend/internal/models"
)

// PostgresCatalogStore provides PostgreSQL-backed persistence for videos.
type PostgresCatalogStore struct {
	pool db.Pool
}

// NewPostgresCatalogStore constructs a catalog store backed by PostgreSQL.
func NewPostgresCatalogStore(pool db.Pool) *PostgresCatalogStore {
	return &PostgresCatalogStore{pool: pool}
}

// Upsert inserts the video or, when a row with the same (owner_host, id)
// already exists, replaces its mutable attributes. Redelivered federation
// events therefore converge instead of duplicating rows.
func (r *PostgresCatalogStore) Upsert(ctx context.Context, video models.Video) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	files, err := json.Marshal(video.Files)
	if err != nil {
		return fmt.Errorf("encode video files: %w", err)
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO videos (id, owner_host, name, description, category, licence, language,
                            nsfw, privacy, tags, name_path, likes, dislikes, files, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (owner_host, id) DO UPDATE
        SET name = EXCLUDED.name,
            description = EXCLUDED.description,
            category = EXCLUDED.category,
            licence = EXCLUDED.licence,
            language = EXCLUDED.language,
            nsfw = EXCLUDED.nsfw,
            privacy = EXCLUDED.privacy,
            tags = EXCLUDED.tags,
            likes = EXCLUDED.likes,
            dislikes = EXCLUDED.dislikes,
            files = EXCLUDED.files,
            updated_at = EXCLUDED.updated_at
    `, video.ID, video.OwnerHost, video.Name, video.Description, video.Category, video.Licence,
		video.Language, video.NSFW, video.Privacy, video.Tags, video.NamePath,
		video.Likes, video.Dislikes, files, video.CreatedAt, video.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("upsert video: %w", err)
	}

	return nil
}

const videoColumns = `id, owner_host, name, description, category, licence, language,
        nsfw, privacy, tags, name_path, likes, dislikes, files, created_at, updated_at`

// FindByID fetches a video by its identifier.
func (r *PostgresCatalogStore) FindByID(ctx context.Context, id string) (models.Video, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Video{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)

	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("select video by id: %w", err)
	}

	return video, nil
}

// List returns one page of the full catalog plus the total row count.
func (r *PostgresCatalogStore) List(ctx context.Context, page Page) ([]models.Video, int, error) {
	return r.query(ctx, page, ``)
}

// Search returns videos whose name matches the pattern.
func (r *PostgresCatalogStore) Search(ctx context.Context, pattern string, page Page) ([]models.Video, int, error) {
	return r.query(ctx, page, pattern)
}

func (r *PostgresCatalogStore) query(ctx context.Context, page Page, pattern string) ([]models.Video, int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	where := ``
	args := []any{}
	if pattern != "" {
		where = `WHERE name ILIKE '%' || $1 || '%'`
		args = append(args, pattern)
	}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM videos `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count videos: %w", err)
	}

	count := page.Count
	if count <= 0 {
		count = 100
	}
	args = append(args, count, page.Start)
	limitArgs := fmt.Sprintf("LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := conn.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM videos %s ORDER BY %s %s`,
		videoColumns, where, orderClause(page.Sort), limitArgs), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate videos: %w", err)
	}

	return videos, total, nil
}

// ListOwned returns the videos attributed to ownerHost, oldest first.
// This is the set transferred to a newly accepted follower.
func (r *PostgresCatalogStore) ListOwned(ctx context.Context, ownerHost string) ([]models.Video, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+videoColumns+`
        FROM videos
        WHERE owner_host = $1
        ORDER BY created_at ASC
    `, ownerHost)
	if err != nil {
		return nil, fmt.Errorf("query owned videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan owned video: %w", err)
		}
		videos = append(videos, video)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned videos: %w", err)
	}

	return videos, nil
}

// RemoveByID deletes a single video record.
func (r *PostgresCatalogStore) RemoveByID(ctx context.Context, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveByOwnerHost purges every video attributed to the given pod.
func (r *PostgresCatalogStore) RemoveByOwnerHost(ctx context.Context, ownerHost string) (int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM videos WHERE owner_host = $1`, ownerHost)
	if err != nil {
		return 0, fmt.Errorf("delete videos of pod: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// UpdateRatingCounts stores freshly aggregated like/dislike counters.
func (r *PostgresCatalogStore) UpdateRatingCounts(ctx context.Context, id string, likes, dislikes int) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE videos
        SET likes = $2, dislikes = $3
        WHERE id = $1
    `, id, likes, dislikes)
	if err != nil {
		return fmt.Errorf("update video rating counts: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.Video, error) {
	var (
		video models.Video
		files []byte
	)
	if err := row.Scan(&video.ID, &video.OwnerHost, &video.Name, &video.Description,
		&video.Category, &video.Licence, &video.Language, &video.NSFW, &video.Privacy,
		&video.Tags, &video.NamePath, &video.Likes, &video.Dislikes, &files,
		&video.CreatedAt, &video.UpdatedAt); err != nil {
		return models.Video{}, err
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &video.Files); err != nil {
			return models.Video{}, fmt.Errorf("decode video files: %w", err)
		}
	}
	return video, nil
}

func orderClause(sortKey string) string {
	switch sortKey {
	case SortName:
		return "name ASC"
	case SortCreatedAtDesc:
		return "created_at DESC"
	default:
		return "created_at ASC"
	}
}

// PostgresFollowStore provides PostgreSQL-backed persistence for follow
// relationships.
type PostgresFollowStore struct {
	pool db.Pool
}

// NewPostgresFollowStore constructs a follow store backed by PostgreSQL.
func NewPostgresFollowStore(pool db.Pool) *PostgresFollowStore {
	return &PostgresFollowStore{pool: pool}
}

// Create persists a new relationship. The unique constraint on
// (follower_host, following_host) rejects duplicate pairs.
func (r *PostgresFollowStore) Create(ctx context.Context, follow models.Follow) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO follows (id, follower_host, following_host, state, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `, follow.ID, follow.FollowerHost, follow.FollowingHost, follow.State, follow.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert follow: %w", err)
	}

	return nil
}

// Upsert persists the relationship, overwriting any existing pair.
func (r *PostgresFollowStore) Upsert(ctx context.Context, follow models.Follow) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO follows (id, follower_host, following_host, state, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (follower_host, following_host) DO UPDATE
        SET state = EXCLUDED.state, created_at = EXCLUDED.created_at
    `, follow.ID, follow.FollowerHost, follow.FollowingHost, follow.State, follow.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert follow: %w", err)
	}

	return nil
}

// FindByPair fetches the relationship for an ordered host pair.
func (r *PostgresFollowStore) FindByPair(ctx context.Context, followerHost, followingHost string) (models.Follow, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Follow{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, follower_host, following_host, state, created_at
        FROM follows
        WHERE follower_host = $1 AND following_host = $2
    `, followerHost, followingHost)

	var follow models.Follow
	if err := row.Scan(&follow.ID, &follow.FollowerHost, &follow.FollowingHost, &follow.State, &follow.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Follow{}, ErrNotFound
		}
		return models.Follow{}, fmt.Errorf("select follow by pair: %w", err)
	}

	return follow, nil
}

// ListFollowers returns accepted inbound relationships for the host.
func (r *PostgresFollowStore) ListFollowers(ctx context.Context, host string, page Page) ([]models.Follow, int, error) {
	return r.list(ctx, page, `following_host = $1 AND state = 'accepted'`, host)
}

// ListFollowing returns outbound relationships originated by the host.
func (r *PostgresFollowStore) ListFollowing(ctx context.Context, host string, page Page) ([]models.Follow, int, error) {
	return r.list(ctx, page, `follower_host = $1 AND state <> 'rejected'`, host)
}

func (r *PostgresFollowStore) list(ctx context.Context, page Page, where string, host string) ([]models.Follow, int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM follows WHERE `+where, host).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count follows: %w", err)
	}

	count := page.Count
	if count <= 0 {
		count = 100
	}

	order := "created_at ASC"
	if page.Sort == SortCreatedAtDesc {
		order = "created_at DESC"
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(`
        SELECT id, follower_host, following_host, state, created_at
        FROM follows
        WHERE %s
        ORDER BY %s
        LIMIT $2 OFFSET $3
    `, where, order), host, count, page.Start)
	if err != nil {
		return nil, 0, fmt.Errorf("query follows: %w", err)
	}
	defer rows.Close()

	var follows []models.Follow
	for rows.Next() {
		var follow models.Follow
		if err := rows.Scan(&follow.ID, &follow.FollowerHost, &follow.FollowingHost, &follow.State, &follow.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan follow: %w", err)
		}
		follows = append(follows, follow)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate follows: %w", err)
	}

	return follows, total, nil
}

// UpdateState transitions the relationship for the given pair.
func (r *PostgresFollowStore) UpdateState(ctx context.Context, followerHost, followingHost, state string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE follows
        SET state = $3
        WHERE follower_host = $1 AND following_host = $2
    `, followerHost, followingHost, state)
	if err != nil {
		return fmt.Errorf("update follow state: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteByPair removes the relationship for the given pair.
func (r *PostgresFollowStore) DeleteByPair(ctx context.Context, followerHost, followingHost string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM follows
        WHERE follower_host = $1 AND following_host = $2
    `, followerHost, followingHost)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// PostgresRatingStore provides PostgreSQL-backed persistence for ratings.
type PostgresRatingStore struct {
	pool db.Pool
}

// NewPostgresRatingStore constructs a rating store backed by PostgreSQL.
func NewPostgresRatingStore(pool db.Pool) *PostgresRatingStore {
	return &PostgresRatingStore{pool: pool}
}

// Upsert records the rater's latest value for the video. Repeated
// assertions from the same rater replace the previous value instead of
// double counting.
func (r *PostgresRatingStore) Upsert(ctx context.Context, rating models.Rating) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO ratings (video_id, rater_id, value, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (video_id, rater_id) DO UPDATE
        SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
    `, rating.VideoID, rating.RaterID, rating.Value, rating.CreatedAt, rating.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rating: %w", err)
	}

	return nil
}

// Find retrieves the rater's current value for the video.
func (r *PostgresRatingStore) Find(ctx context.Context, videoID, raterID string) (models.Rating, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Rating{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT video_id, rater_id, value, created_at, updated_at
        FROM ratings
        WHERE video_id = $1 AND rater_id = $2
    `, videoID, raterID)

	var rating models.Rating
	if err := row.Scan(&rating.VideoID, &rating.RaterID, &rating.Value, &rating.CreatedAt, &rating.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Rating{}, ErrNotFound
		}
		return models.Rating{}, fmt.Errorf("select rating: %w", err)
	}

	return rating, nil
}

// ListByVideo returns every stored rating row for the video.
func (r *PostgresRatingStore) ListByVideo(ctx context.Context, videoID string) ([]models.Rating, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT video_id, rater_id, value, created_at, updated_at
        FROM ratings
        WHERE video_id = $1
        ORDER BY rater_id ASC
    `, videoID)
	if err != nil {
		return nil, fmt.Errorf("select ratings: %w", err)
	}
	defer rows.Close()

	var ratings []models.Rating
	for rows.Next() {
		var rating models.Rating
		if err := rows.Scan(&rating.VideoID, &rating.RaterID, &rating.Value, &rating.CreatedAt, &rating.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		ratings = append(ratings, rating)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ratings: %w", err)
	}

	return ratings, nil
}

// Counts aggregates like/dislike totals for the video.
func (r *PostgresRatingStore) Counts(ctx context.Context, videoID string) (int, int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT
            COUNT(*) FILTER (WHERE value = 'like'),
            COUNT(*) FILTER (WHERE value = 'dislike')
        FROM ratings
        WHERE video_id = $1
    `, videoID)

	var likes, dislikes int
	if err := row.Scan(&likes, &dislikes); err != nil {
		return 0, 0, fmt.Errorf("count ratings: %w", err)
	}

	return likes, dislikes, nil
}

var _ CatalogStore = (*PostgresCatalogStore)(nil)
var _ FollowStore = (*PostgresFollowStore)(nil)
var _ RatingStore = (*PostgresRatingStore)(nil)
