package oauth

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/onnwee/autowatch/crypto"
	"github.com/onnwee/autowatch/telemetry"
	"github.com/onnwee/autowatch/testutil"
	"github.com/onnwee/autowatch/youtubeapi"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeRefresher struct {
	calls  int
	result youtubeapi.TokenResult
	err    error
}

func (f *fakeRefresher) RefreshAccessToken(_ context.Context, refreshToken string) (youtubeapi.TokenResult, error) {
	f.calls++
	if f.err != nil {
		return youtubeapi.TokenResult{}, f.err
	}
	return f.result, nil
}

func testVault(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return enc
}

func seedUserWithExpiry(t *testing.T, dbx *sql.DB, vault crypto.Encryptor, id string, expiry time.Time) {
	t.Helper()
	accessOpaque, err := crypto.EncryptString(vault, "old-access-"+id)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	refreshOpaque, err := crypto.EncryptString(vault, "refresh-"+id)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := dbx.Exec(`
		INSERT INTO users (id, access_token, refresh_token, token_expires_at)
		VALUES ($1, $2, $3, $4)`, id, accessOpaque, refreshOpaque, expiry); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func TestRefreshWithinWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	// Expires in 5 minutes, inside the 30-minute window.
	seedUserWithExpiry(t, dbx, vault, "u1", time.Now().Add(5*time.Minute))

	newExpiry := time.Now().Add(time.Hour).Truncate(time.Second)
	rf := &fakeRefresher{result: youtubeapi.TokenResult{AccessToken: "fresh-access", Expiry: newExpiry}}

	runOnce(context.Background(), dbx, vault, rf)

	if rf.calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", rf.calls)
	}

	var accessOpaque, refreshOpaque string
	var expiry time.Time
	if err := dbx.QueryRow(`SELECT access_token, refresh_token, token_expires_at FROM users WHERE id='u1'`).
		Scan(&accessOpaque, &refreshOpaque, &expiry); err != nil {
		t.Fatalf("reload user: %v", err)
	}
	access, err := crypto.DecryptString(vault, accessOpaque)
	if err != nil || access != "fresh-access" {
		t.Errorf("stored access = %q, err %v", access, err)
	}
	// Provider did not rotate; the stored refresh token must survive.
	refresh, err := crypto.DecryptString(vault, refreshOpaque)
	if err != nil || refresh != "refresh-u1" {
		t.Errorf("stored refresh = %q, err %v", refresh, err)
	}
	if !expiry.Truncate(time.Second).Equal(newExpiry) {
		t.Errorf("expiry = %s, want %s", expiry, newExpiry)
	}
}

func TestRefreshIdempotentAfterSuccess(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedUserWithExpiry(t, dbx, vault, "u1", time.Now().Add(5*time.Minute))
	rf := &fakeRefresher{result: youtubeapi.TokenResult{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}}

	runOnce(context.Background(), dbx, vault, rf)
	runOnce(context.Background(), dbx, vault, rf)

	if rf.calls != 1 {
		t.Errorf("second tick refreshed again: calls = %d, want 1", rf.calls)
	}
}

func TestRefreshSkipsFreshAndDisabledUsers(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedUserWithExpiry(t, dbx, vault, "fresh", time.Now().Add(2*time.Hour))
	seedUserWithExpiry(t, dbx, vault, "disabled", time.Now().Add(-time.Minute))
	if _, err := dbx.Exec(`UPDATE users SET automation_disabled=TRUE WHERE id='disabled'`); err != nil {
		t.Fatalf("disable user: %v", err)
	}

	rf := &fakeRefresher{result: youtubeapi.TokenResult{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}}
	runOnce(context.Background(), dbx, vault, rf)

	if rf.calls != 0 {
		t.Errorf("refresh calls = %d, want 0", rf.calls)
	}
}

func TestRefreshNullExpiryTreatedAsStale(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	refreshOpaque, _ := crypto.EncryptString(vault, "refresh-u1")
	if _, err := dbx.Exec(`INSERT INTO users (id, refresh_token) VALUES ('u1', $1)`, refreshOpaque); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	rf := &fakeRefresher{result: youtubeapi.TokenResult{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}}
	runOnce(context.Background(), dbx, vault, rf)

	if rf.calls != 1 {
		t.Errorf("NULL expiry should force refresh: calls = %d, want 1", rf.calls)
	}
}

func TestRefreshUnauthorizedDisablesButKeepsRefreshToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedUserWithExpiry(t, dbx, vault, "u1", time.Now().Add(-time.Minute))
	rf := &fakeRefresher{err: &youtubeapi.APIError{Class: youtubeapi.ClassUnauthorized, Op: "refresh token", Err: errors.New("invalid_grant")}}

	runOnce(context.Background(), dbx, vault, rf)

	var disabled bool
	var refreshOpaque string
	if err := dbx.QueryRow(`SELECT automation_disabled, refresh_token FROM users WHERE id='u1'`).
		Scan(&disabled, &refreshOpaque); err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if !disabled {
		t.Error("user not disabled after invalid_grant")
	}
	refresh, err := crypto.DecryptString(vault, refreshOpaque)
	if err != nil || refresh != "refresh-u1" {
		t.Errorf("refresh token not preserved: %q, err %v", refresh, err)
	}
}

func TestRefreshTransientLeavesUserEnabled(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedUserWithExpiry(t, dbx, vault, "u1", time.Now().Add(-time.Minute))
	rf := &fakeRefresher{err: &youtubeapi.APIError{Class: youtubeapi.ClassTransient, Op: "refresh token", Err: errors.New("timeout")}}

	runOnce(context.Background(), dbx, vault, rf)

	var disabled bool
	if err := dbx.QueryRow(`SELECT automation_disabled FROM users WHERE id='u1'`).Scan(&disabled); err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if disabled {
		t.Error("transient failure must not disable the user")
	}
}

func TestRefreshUnreadableTokenDisablesUser(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	if _, err := dbx.Exec(`
		INSERT INTO users (id, refresh_token, token_expires_at)
		VALUES ('u1', 'garbage-not-a-ciphertext', NOW() - INTERVAL '1 minute')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	rf := &fakeRefresher{result: youtubeapi.TokenResult{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}}
	runOnce(context.Background(), dbx, vault, rf)

	if rf.calls != 0 {
		t.Errorf("refresh attempted with unreadable token: calls = %d", rf.calls)
	}
	var disabled bool
	if err := dbx.QueryRow(`SELECT automation_disabled FROM users WHERE id='u1'`).Scan(&disabled); err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if !disabled {
		t.Error("user with unreadable refresh token not disabled")
	}
}
