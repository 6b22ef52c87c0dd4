// Command migrate-tokens encrypts user OAuth tokens that were stored as
// plaintext, for deployments seeded before encryption at rest was enabled.
//
// A stored value that already decrypts under the configured master key is
// left alone; anything else is treated as plaintext and encrypted in place.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--user USER_ID]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte master key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/autowatch/crypto"
)

type userTokens struct {
	ID           string
	AccessToken  sql.NullString
	RefreshToken sql.NullString
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	userFilter := flag.String("user", "", "Migrate tokens for a single user only (default: all users)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}

	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migrateTokens(ctx, database, encryptor, *dryRun, *userFilter); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func migrateTokens(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, dryRun bool, userFilter string) error {
	query := `
		SELECT id, access_token, refresh_token
		FROM users
		WHERE (access_token IS NOT NULL AND access_token <> '')
		   OR (refresh_token IS NOT NULL AND refresh_token <> '')`
	args := []interface{}{}
	if userFilter != "" {
		query += " AND id = $1"
		args = append(args, userFilter)
	}
	query += " ORDER BY id"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []userTokens
	for rows.Next() {
		var u userTokens
		if err := rows.Scan(&u.ID, &u.AccessToken, &u.RefreshToken); err != nil {
			return fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating user rows: %w", err)
	}

	migrated := 0
	for _, u := range users {
		access, accessChanged, err := ensureEncrypted(encryptor, u.AccessToken.String)
		if err != nil {
			return fmt.Errorf("user %s: encrypt access token: %w", u.ID, err)
		}
		refresh, refreshChanged, err := ensureEncrypted(encryptor, u.RefreshToken.String)
		if err != nil {
			return fmt.Errorf("user %s: encrypt refresh token: %w", u.ID, err)
		}
		if !accessChanged && !refreshChanged {
			continue
		}

		if dryRun {
			slog.Info("would migrate", slog.String("user_id", u.ID),
				slog.Bool("access", accessChanged), slog.Bool("refresh", refreshChanged))
			migrated++
			continue
		}

		if _, err := database.ExecContext(ctx,
			`UPDATE users SET access_token=$1, refresh_token=$2, updated_at=NOW() WHERE id=$3`,
			access, refresh, u.ID); err != nil {
			return fmt.Errorf("user %s: update failed: %w", u.ID, err)
		}
		slog.Info("migrated", slog.String("user_id", u.ID),
			slog.Bool("access", accessChanged), slog.Bool("refresh", refreshChanged))
		migrated++
	}

	slog.Info("migration summary", slog.Int("total", len(users)), slog.Int("migrated", migrated), slog.Bool("dry_run", dryRun))
	return nil
}

// ensureEncrypted returns the value encrypted under the master key. Values
// that already decrypt cleanly are returned unchanged.
func ensureEncrypted(encryptor crypto.Encryptor, value string) (string, bool, error) {
	if value == "" {
		return "", false, nil
	}
	if _, err := crypto.DecryptString(encryptor, value); err == nil {
		return value, false, nil
	}
	encrypted, err := crypto.EncryptString(encryptor, value)
	if err != nil {
		return "", false, err
	}
	return encrypted, true, nil
}
