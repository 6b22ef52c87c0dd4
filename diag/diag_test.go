package diag

import (
	"context"
	"testing"

	"github.com/onnwee/autowatch/testutil"
)

func TestRecordQuotaUsageIsAdditive(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	s := NewStore(dbx)
	ctx := context.Background()

	s.RecordQuotaUsage(ctx, "youtube", 1, 50)
	s.RecordQuotaUsage(ctx, "youtube", 2, 100)
	s.RecordQuotaUsage(ctx, "other", 1, 1)

	rows, err := s.QuotaUsage(ctx, 1)
	if err != nil {
		t.Fatalf("quota query failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	byService := map[string]QuotaRow{}
	for _, r := range rows {
		byService[r.Service] = r
	}
	yt := byService["youtube"]
	if yt.RequestsUsed != 3 || yt.CostUnitsUsed != 150 {
		t.Errorf("youtube tally = %d req / %d units, want 3 / 150", yt.RequestsUsed, yt.CostUnitsUsed)
	}
}

func TestSummaryCounts(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	s := NewStore(dbx)
	ctx := context.Background()

	testutil.SeedUser(t, dbx, "u1", "a", "r", "PL1")
	testutil.SeedSubscription(t, dbx, "u1", "UC_a")
	testutil.SeedSubscription(t, dbx, "u1", "UC_b")
	if _, err := dbx.Exec(`
		UPDATE subscriptions SET websub_subscribed=TRUE, websub_lease_expires_at=NOW() + INTERVAL '1 day'
		WHERE channel_id='UC_a'`); err != nil {
		t.Fatalf("setup lease: %v", err)
	}
	testutil.SeedEvent(t, dbx, "UC_a", "v_pending", "webhook")
	if _, err := dbx.Exec(`
		INSERT INTO processed_videos (user_id, video_id, added_to_playlist, processed_at)
		VALUES ('u1','v_ok',TRUE,NOW()), ('u1','v_bad',FALSE,NOW())`); err != nil {
		t.Fatalf("setup outcomes: %v", err)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if sum.ActiveSubscriptions != 2 {
		t.Errorf("active subscriptions = %d, want 2", sum.ActiveSubscriptions)
	}
	if sum.WebSubActive != 1 {
		t.Errorf("websub active = %d, want 1", sum.WebSubActive)
	}
	if sum.UnprocessedEvents != 1 {
		t.Errorf("unprocessed = %d, want 1", sum.UnprocessedEvents)
	}
	if sum.FailedJobs24h != 1 {
		t.Errorf("failed jobs = %d, want 1", sum.FailedJobs24h)
	}
	if sum.Processed7d != 2 {
		t.Errorf("processed 7d = %d, want 2", sum.Processed7d)
	}
	if sum.SuccessRate7d != 0.5 {
		t.Errorf("success rate = %f, want 0.5", sum.SuccessRate7d)
	}
}

func TestFailedJobsAndUnprocessedEvents(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbx)
	s := NewStore(dbx)
	ctx := context.Background()

	if _, err := dbx.Exec(`
		INSERT INTO processed_videos (user_id, video_id, channel_id, added_to_playlist, error_message, retry_attempts, processed_at)
		VALUES ('u1','v1','UC_a',FALSE,'quota exceeded',3,NOW())`); err != nil {
		t.Fatalf("setup: %v", err)
	}
	testutil.SeedEvent(t, dbx, "UC_a", "v_queued", "polling")

	failed, err := s.FailedJobs(ctx, 1)
	if err != nil {
		t.Fatalf("failed jobs query: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "quota exceeded" || failed[0].Retries != 3 {
		t.Errorf("unexpected failed jobs: %+v", failed)
	}

	pending, err := s.UnprocessedEvents(ctx, 24)
	if err != nil {
		t.Fatalf("unprocessed query: %v", err)
	}
	if len(pending) != 1 || pending[0].VideoID != "v_queued" || pending[0].Source != "polling" {
		t.Errorf("unexpected pending events: %+v", pending)
	}
}
