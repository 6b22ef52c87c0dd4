package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/autowatch/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// TruncateAll wipes the pipeline tables between tests.
func TruncateAll(t *testing.T, database *sql.DB) {
	t.Helper()
	for _, table := range []string{"processed_videos", "webhook_events", "subscriptions", "api_quota_usage", "kv", "users"} {
		if _, err := database.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("failed to clear %s: %v", table, err)
		}
	}
}

// SeedUser inserts a user row with pre-encrypted token opaques.
func SeedUser(t *testing.T, database *sql.DB, id, accessOpaque, refreshOpaque, playlistID string) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO users (id, access_token, refresh_token, playlist_id, token_expires_at)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NOW() + INTERVAL '1 hour')`,
		id, accessOpaque, refreshOpaque, playlistID)
	if err != nil {
		t.Fatalf("failed to seed user %s: %v", id, err)
	}
}

// SeedSubscription inserts a subscription row for a user and channel.
func SeedSubscription(t *testing.T, database *sql.DB, userID, channelID string) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO subscriptions (user_id, channel_id, channel_title)
		VALUES ($1, $2, $2)`, userID, channelID)
	if err != nil {
		t.Fatalf("failed to seed subscription %s/%s: %v", userID, channelID, err)
	}
}

// SeedEvent inserts an unprocessed webhook event.
func SeedEvent(t *testing.T, database *sql.DB, channelID, videoID, source string) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO webhook_events (channel_id, video_id, title, source, received_at, processed)
		VALUES ($1, $2, $2, $3, NOW(), FALSE)`, channelID, videoID, source)
	if err != nil {
		t.Fatalf("failed to seed event %s/%s: %v", channelID, videoID, err)
	}
}
