package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peervid/backend/internal/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresCatalogStore_UpsertFindAndRemove(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresCatalogStore(testPool)

	video := testVideo("pod-a.example", "my super name")
	video.Tags = []string{"tag1", "tag2", "tag3"}
	video.Files = []models.VideoFile{{Resolution: 1080, Size: 2048, Hash: "abc123", URL: "http://pod-a.example/v.webm"}}

	if err := store.Upsert(ctx, video); err != nil {
		t.Fatalf("upsert video: %v", err)
	}

	fetched, err := store.FindByID(ctx, video.ID)
	if err != nil {
		t.Fatalf("find video: %v", err)
	}
	if fetched.Name != video.Name || fetched.OwnerHost != video.OwnerHost {
		t.Fatalf("unexpected video fetched: %+v", fetched)
	}
	if len(fetched.Tags) != 3 || fetched.Tags[2] != "tag3" {
		t.Fatalf("expected tags to roundtrip, got %v", fetched.Tags)
	}
	if len(fetched.Files) != 1 || fetched.Files[0].Resolution != 1080 {
		t.Fatalf("expected files to roundtrip, got %+v", fetched.Files)
	}

	// Redelivery converges on the same row instead of duplicating it.
	video.Name = "my super name v2"
	if err := store.Upsert(ctx, video); err != nil {
		t.Fatalf("redeliver upsert: %v", err)
	}

	_, total, err := store.List(ctx, Page{})
	if err != nil {
		t.Fatalf("list videos: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected a single row after redelivery, got %d", total)
	}

	fetched, err = store.FindByID(ctx, video.ID)
	if err != nil {
		t.Fatalf("find after redelivery: %v", err)
	}
	if fetched.Name != "my super name v2" {
		t.Fatalf("expected updated name, got %s", fetched.Name)
	}

	// The same id under another owner violates the global id constraint.
	takeover := video
	takeover.OwnerHost = "pod-b.example"
	if err := store.Upsert(ctx, takeover); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for ownership takeover, got %v", err)
	}

	if err := store.UpdateRatingCounts(ctx, video.ID, 3, 1); err != nil {
		t.Fatalf("update counters: %v", err)
	}
	fetched, err = store.FindByID(ctx, video.ID)
	if err != nil {
		t.Fatalf("find after counter update: %v", err)
	}
	if fetched.Likes != 3 || fetched.Dislikes != 1 {
		t.Fatalf("expected 3/1 counters, got %d/%d", fetched.Likes, fetched.Dislikes)
	}

	if err := store.RemoveByID(ctx, video.ID); err != nil {
		t.Fatalf("remove video: %v", err)
	}
	if err := store.RemoveByID(ctx, video.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound removing twice, got %v", err)
	}
	if _, err := store.FindByID(ctx, video.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
	if err := store.UpdateRatingCounts(ctx, video.ID, 1, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating removed video, got %v", err)
	}
}

func TestPostgresCatalogStore_ListSearchAndPaging(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresCatalogStore(testPool)

	names := []string{"intro to pods", "advanced pods", "cooking", "gardening", "Pods Weekly"}
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i, name := range names {
		video := testVideo("pod-a.example", name)
		video.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		video.UpdatedAt = video.CreatedAt
		if err := store.Upsert(ctx, video); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	page1, total, err := store.List(ctx, Page{Count: 2})
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if total != 5 || len(page1) != 2 {
		t.Fatalf("expected total 5 and page of 2, got %d/%d", total, len(page1))
	}
	if page1[0].Name != "intro to pods" {
		t.Fatalf("expected oldest first, got %s", page1[0].Name)
	}

	page3, _, err := store.List(ctx, Page{Start: 4, Count: 2})
	if err != nil {
		t.Fatalf("list last page: %v", err)
	}
	if len(page3) != 1 {
		t.Fatalf("expected short final page, got %d rows", len(page3))
	}

	newest, _, err := store.List(ctx, Page{Count: 1, Sort: SortCreatedAtDesc})
	if err != nil {
		t.Fatalf("list newest: %v", err)
	}
	if newest[0].Name != "Pods Weekly" {
		t.Fatalf("expected newest first, got %s", newest[0].Name)
	}

	matches, total, err := store.Search(ctx, "PODS", Page{Sort: SortName})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 case-insensitive matches, got %d", total)
	}
	if matches[0].Name != "Pods Weekly" {
		t.Fatalf("expected name sort, got %s first", matches[0].Name)
	}
}

func TestPostgresCatalogStore_OwnedAndPurge(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresCatalogStore(testPool)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		video := testVideo("pod-a.example", fmt.Sprintf("local %d", i))
		video.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		video.UpdatedAt = video.CreatedAt
		if err := store.Upsert(ctx, video); err != nil {
			t.Fatalf("seed local video: %v", err)
		}
	}
	if err := store.Upsert(ctx, testVideo("pod-b.example", "mirrored")); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	owned, err := store.ListOwned(ctx, "pod-a.example")
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if len(owned) != 3 {
		t.Fatalf("expected 3 owned videos, got %d", len(owned))
	}
	if owned[0].Name != "local 0" || owned[2].Name != "local 2" {
		t.Fatalf("expected oldest-first transfer order, got %+v", owned)
	}

	removed, err := store.RemoveByOwnerHost(ctx, "pod-b.example")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged row, got %d", removed)
	}

	_, total, err := store.List(ctx, Page{})
	if err != nil {
		t.Fatalf("list after purge: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected locals to survive the purge, got %d", total)
	}
}

func TestPostgresFollowStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresFollowStore(testPool)

	follow := models.Follow{
		ID:            uuid.NewString(),
		FollowerHost:  "pod-a.example",
		FollowingHost: "pod-b.example",
		State:         models.FollowStatePending,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := store.Create(ctx, follow); err != nil {
		t.Fatalf("create follow: %v", err)
	}

	dup := follow
	dup.ID = uuid.NewString()
	if err := store.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate pair, got %v", err)
	}

	fetched, err := store.FindByPair(ctx, "pod-a.example", "pod-b.example")
	if err != nil {
		t.Fatalf("find by pair: %v", err)
	}
	if fetched.State != models.FollowStatePending {
		t.Fatalf("unexpected state: %s", fetched.State)
	}

	if err := store.UpdateState(ctx, "pod-a.example", "pod-b.example", models.FollowStateAccepted); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if err := store.UpdateState(ctx, "pod-a.example", "pod-x.example", models.FollowStateAccepted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown pair, got %v", err)
	}

	// A rejected outbound follow and an accepted follower of pod-a.
	rejected := models.Follow{
		ID:            uuid.NewString(),
		FollowerHost:  "pod-a.example",
		FollowingHost: "pod-c.example",
		State:         models.FollowStateRejected,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.Create(ctx, rejected); err != nil {
		t.Fatalf("create rejected follow: %v", err)
	}
	inbound := models.Follow{
		ID:            uuid.NewString(),
		FollowerHost:  "pod-d.example",
		FollowingHost: "pod-a.example",
		State:         models.FollowStateAccepted,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.Create(ctx, inbound); err != nil {
		t.Fatalf("create inbound follow: %v", err)
	}

	following, total, err := store.ListFollowing(ctx, "pod-a.example", Page{})
	if err != nil {
		t.Fatalf("list following: %v", err)
	}
	if total != 1 || len(following) != 1 || following[0].FollowingHost != "pod-b.example" {
		t.Fatalf("rejected follows must not be listed: %+v", following)
	}

	followers, total, err := store.ListFollowers(ctx, "pod-a.example", Page{})
	if err != nil {
		t.Fatalf("list followers: %v", err)
	}
	if total != 1 || len(followers) != 1 || followers[0].FollowerHost != "pod-d.example" {
		t.Fatalf("unexpected followers: %+v", followers)
	}

	// Upsert overwrites the rejected pair on refollow.
	refollow := rejected
	refollow.ID = uuid.NewString()
	refollow.State = models.FollowStatePending
	if err := store.Upsert(ctx, refollow); err != nil {
		t.Fatalf("upsert refollow: %v", err)
	}
	fetched, err = store.FindByPair(ctx, "pod-a.example", "pod-c.example")
	if err != nil {
		t.Fatalf("find refollow: %v", err)
	}
	if fetched.State != models.FollowStatePending {
		t.Fatalf("expected pending after refollow, got %s", fetched.State)
	}

	if err := store.DeleteByPair(ctx, "pod-a.example", "pod-b.example"); err != nil {
		t.Fatalf("delete follow: %v", err)
	}
	if err := store.DeleteByPair(ctx, "pod-a.example", "pod-b.example"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestPostgresRatingStore_LastValueWins(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	videos := NewPostgresCatalogStore(testPool)
	store := NewPostgresRatingStore(testPool)

	video := testVideo("pod-a.example", "rated")
	if err := videos.Upsert(ctx, video); err != nil {
		t.Fatalf("seed video: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	rating := models.Rating{
		VideoID:   video.ID,
		RaterID:   "alice@pod-b.example",
		Value:     models.RatingLike,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.Upsert(ctx, rating); err != nil {
		t.Fatalf("upsert rating: %v", err)
	}
	if err := store.Upsert(ctx, models.Rating{
		VideoID:   video.ID,
		RaterID:   "bob@pod-b.example",
		Value:     models.RatingDislike,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("upsert second rating: %v", err)
	}

	likes, dislikes, err := store.Counts(ctx, video.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if likes != 1 || dislikes != 1 {
		t.Fatalf("expected 1/1, got %d/%d", likes, dislikes)
	}

	// A flipped value replaces the previous row for the rater.
	rating.Value = models.RatingDislike
	rating.UpdatedAt = now.Add(time.Minute)
	if err := store.Upsert(ctx, rating); err != nil {
		t.Fatalf("flip rating: %v", err)
	}

	fetched, err := store.Find(ctx, video.ID, rating.RaterID)
	if err != nil {
		t.Fatalf("find rating: %v", err)
	}
	if fetched.Value != models.RatingDislike {
		t.Fatalf("expected flipped value, got %s", fetched.Value)
	}

	likes, dislikes, err = store.Counts(ctx, video.ID)
	if err != nil {
		t.Fatalf("counts after flip: %v", err)
	}
	if likes != 0 || dislikes != 2 {
		t.Fatalf("expected 0/2 after flip, got %d/%d", likes, dislikes)
	}

	if _, err := store.Find(ctx, video.ID, "nobody@pod-x.example"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown rater, got %v", err)
	}

	rows, err := store.ListByVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("list ratings: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rating rows, got %d", len(rows))
	}
	if rows[0].RaterID != "alice@pod-b.example" || rows[0].Value != models.RatingDislike {
		t.Fatalf("expected alice's flipped row first, got %+v", rows[0])
	}
	if rows[1].RaterID != "bob@pod-b.example" {
		t.Fatalf("expected bob's row second, got %+v", rows[1])
	}

	other, err := store.ListByVideo(ctx, "no-such-video")
	if err != nil {
		t.Fatalf("list ratings of unknown video: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no rows for unknown video, got %d", len(other))
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "TRUNCATE TABLE ratings, follows, videos CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func testVideo(ownerHost, name string) models.Video {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.Video{
		ID:        uuid.NewString(),
		OwnerHost: ownerHost,
		Name:      name,
		Privacy:   models.PrivacyPublic,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
