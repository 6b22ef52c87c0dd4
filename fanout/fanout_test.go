package fanout

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"os"
	"testing"

	"github.com/onnwee/autowatch/crypto"
	"github.com/onnwee/autowatch/telemetry"
	"github.com/onnwee/autowatch/testutil"
	"github.com/onnwee/autowatch/youtubeapi"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type insertCall struct {
	playlistID string
	videoID    string
}

type fakeInserter struct {
	calls []insertCall
	errs  map[string]error // keyed by videoID
}

func (f *fakeInserter) InsertPlaylistItem(_ context.Context, _, playlistID, videoID string) (int, error) {
	f.calls = append(f.calls, insertCall{playlistID: playlistID, videoID: videoID})
	if err, ok := f.errs[videoID]; ok {
		return 1, err
	}
	return 1, nil
}

func testVault(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return enc
}

func seedSubscriber(t *testing.T, dbx *sql.DB, vault crypto.Encryptor, userID, channelID, playlistID string) {
	t.Helper()
	opaque, err := crypto.EncryptString(vault, "access-"+userID)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	testutil.SeedUser(t, dbx, userID, opaque, opaque, playlistID)
	testutil.SeedSubscription(t, dbx, userID, channelID)
}

func outcome(t *testing.T, dbx *sql.DB, userID, videoID string) (added bool, errMsg sql.NullString, retries int) {
	t.Helper()
	if err := dbx.QueryRow(`
		SELECT added_to_playlist, error_message, retry_attempts
		FROM processed_videos WHERE user_id=$1 AND video_id=$2`, userID, videoID).
		Scan(&added, &errMsg, &retries); err != nil {
		t.Fatalf("read outcome for %s/%s: %v", userID, videoID, err)
	}
	return
}

func TestFanOutInsertsForEachSubscriber(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedSubscriber(t, dbx, vault, "u1", "UC_a", "PL_u1")
	seedSubscriber(t, dbx, vault, "u2", "UC_a", "PL_u2")
	testutil.SeedEvent(t, dbx, "UC_a", "v1", "webhook")

	ins := &fakeInserter{}
	ProcessOnce(context.Background(), dbx, vault, ins)

	if len(ins.calls) != 2 {
		t.Fatalf("insert calls = %d, want 2", len(ins.calls))
	}
	added, _, _ := outcome(t, dbx, "u1", "v1")
	if !added {
		t.Error("u1 outcome not recorded as added")
	}
	added, _, _ = outcome(t, dbx, "u2", "v1")
	if !added {
		t.Error("u2 outcome not recorded as added")
	}

	var processed bool
	if err := dbx.QueryRow(`SELECT processed FROM webhook_events WHERE video_id='v1'`).Scan(&processed); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !processed {
		t.Error("event not marked processed")
	}
}

func TestFanOutExactlyOnceAcrossDuplicateEvents(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedSubscriber(t, dbx, vault, "u1", "UC_a", "PL_u1")
	// Same video delivered twice: once pushed, once polled.
	testutil.SeedEvent(t, dbx, "UC_a", "v1", "webhook")
	testutil.SeedEvent(t, dbx, "UC_a", "v1", "polling")

	ins := &fakeInserter{}
	ProcessOnce(context.Background(), dbx, vault, ins)

	if len(ins.calls) != 1 {
		t.Fatalf("insert calls = %d, want exactly 1", len(ins.calls))
	}

	var unprocessed int
	if err := dbx.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE processed=FALSE`).Scan(&unprocessed); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if unprocessed != 0 {
		t.Errorf("unprocessed events = %d, want 0 (duplicate consumed too)", unprocessed)
	}

	// A later tick must not insert again either.
	ProcessOnce(context.Background(), dbx, vault, ins)
	if len(ins.calls) != 1 {
		t.Errorf("second tick re-inserted: calls = %d", len(ins.calls))
	}
}

func TestFanOutSkipsIneligibleUsers(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedSubscriber(t, dbx, vault, "excluded", "UC_a", "PL_1")
	seedSubscriber(t, dbx, vault, "disabled", "UC_a", "PL_2")
	seedSubscriber(t, dbx, vault, "noplaylist", "UC_a", "")
	seedSubscriber(t, dbx, vault, "ok", "UC_a", "PL_4")

	for _, stmt := range []string{
		`UPDATE subscriptions SET included=FALSE WHERE user_id='excluded'`,
		`UPDATE users SET automation_disabled=TRUE WHERE id='disabled'`,
	} {
		if _, err := dbx.Exec(stmt); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	testutil.SeedEvent(t, dbx, "UC_a", "v1", "webhook")

	ins := &fakeInserter{}
	ProcessOnce(context.Background(), dbx, vault, ins)

	if len(ins.calls) != 1 || ins.calls[0].playlistID != "PL_4" {
		t.Fatalf("insert calls = %+v, want only the eligible user", ins.calls)
	}
}

func TestFanOutNoSubscribersStillProcessesEvent(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	testutil.SeedEvent(t, dbx, "UC_lonely", "v1", "webhook")

	ins := &fakeInserter{}
	ProcessOnce(context.Background(), dbx, vault, ins)

	if len(ins.calls) != 0 {
		t.Errorf("insert calls = %d, want 0", len(ins.calls))
	}
	var processed bool
	if err := dbx.QueryRow(`SELECT processed FROM webhook_events WHERE video_id='v1'`).Scan(&processed); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !processed {
		t.Error("no-subscriber event must still be marked processed")
	}
}

func TestFanOutRecordsFailureOutcome(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedSubscriber(t, dbx, vault, "u1", "UC_a", "PL_u1")
	testutil.SeedEvent(t, dbx, "UC_a", "v1", "webhook")

	ins := &fakeInserter{errs: map[string]error{
		"v1": &youtubeapi.APIError{Class: youtubeapi.ClassNotFound, Op: "insert playlist item", Err: errors.New("video deleted")},
	}}
	ProcessOnce(context.Background(), dbx, vault, ins)

	added, errMsg, retries := outcome(t, dbx, "u1", "v1")
	if added {
		t.Error("failed insert recorded as added")
	}
	if !errMsg.Valid || errMsg.String == "" {
		t.Error("error message not recorded")
	}
	if retries != 1 {
		t.Errorf("retry_attempts = %d, want 1", retries)
	}

	var processed bool
	if err := dbx.QueryRow(`SELECT processed FROM webhook_events WHERE video_id='v1'`).Scan(&processed); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !processed {
		t.Error("event must be marked processed even when an insert fails")
	}
}

func TestFanOutQuotaFailureDoesNotRequeue(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	seedSubscriber(t, dbx, vault, "u1", "UC_a", "PL_u1")
	testutil.SeedEvent(t, dbx, "UC_a", "v1", "webhook")

	ins := &fakeInserter{errs: map[string]error{
		"v1": &youtubeapi.APIError{Class: youtubeapi.ClassQuotaExceeded, Op: "insert playlist item", Err: errors.New("quotaExceeded")},
	}}
	ProcessOnce(context.Background(), dbx, vault, ins)

	added, _, _ := outcome(t, dbx, "u1", "v1")
	if added {
		t.Error("quota failure recorded as added")
	}
	var unprocessed int
	if err := dbx.QueryRow(`SELECT COUNT(*) FROM webhook_events WHERE processed=FALSE`).Scan(&unprocessed); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if unprocessed != 0 {
		t.Error("quota-exhausted event must not be re-queued")
	}
}

func TestFanOutUnreadableTokenDisablesAndRecords(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	vault := testVault(t)

	testutil.SeedUser(t, dbx, "u1", "garbage-not-a-ciphertext", "", "PL_u1")
	testutil.SeedSubscription(t, dbx, "u1", "UC_a")
	testutil.SeedEvent(t, dbx, "UC_a", "v1", "webhook")

	ins := &fakeInserter{}
	ProcessOnce(context.Background(), dbx, vault, ins)

	if len(ins.calls) != 0 {
		t.Errorf("insert attempted with unreadable token: %+v", ins.calls)
	}
	var disabled bool
	if err := dbx.QueryRow(`SELECT automation_disabled FROM users WHERE id='u1'`).Scan(&disabled); err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if !disabled {
		t.Error("user not disabled after unreadable token")
	}
	added, errMsg, _ := outcome(t, dbx, "u1", "v1")
	if added || !errMsg.Valid {
		t.Error("decrypt failure outcome not recorded")
	}
}
