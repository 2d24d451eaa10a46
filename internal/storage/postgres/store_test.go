package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

var (
	jobCols = []string{
		"id", "area", "specialty", "count_per_run", "max_total", "total_discovered",
		"is_active", "end_date", "last_run_at", "created_at",
	}
	runCols = []string{
		"id", "job_id", "run_date", "vendors_discovered", "vendors_staged", "duplicates_found",
		"status", "triggered_by", "error", "started_at", "finished_at",
	}
	vendorCols = []string{
		"id", "discovery_job_id", "name", "normalized_name", "location", "phone", "email", "website",
		"categories", "notes", "status", "duplicate_of_vendor_id", "website_verified",
		"website_checked_at", "created_at",
	}
	fixedNow = time.Date(2026, 6, 1, 13, 30, 0, 0, time.UTC)
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS discovery_jobs")).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	maxTotal := 25
	job := discovery.Job{
		ID:          "job-1",
		Area:        "Austin, TX",
		Specialty:   "florist",
		CountPerRun: 5,
		MaxTotal:    &maxTotal,
		IsActive:    true,
		CreatedAt:   fixedNow,
	}

	mock.ExpectExec(q("INSERT INTO discovery_jobs")).
		WithArgs("job-1", "Austin, TX", "florist", 5, &maxTotal, 0, true, (*time.Time)(nil), (*time.Time)(nil), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateJob(ctx, job))

	lastRun := fixedNow.Add(-24 * time.Hour)
	mock.ExpectQuery(q("FROM discovery_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("job-1", "Austin, TX", "florist", 5, &maxTotal, 7, true, nil, &lastRun, fixedNow))
	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 25, *got.MaxTotal)
	require.Equal(t, 7, got.TotalDiscovered)
	require.Nil(t, got.EndDate)
	require.Equal(t, lastRun, *got.LastRunAt)

	mock.ExpectQuery(q("FROM discovery_jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(jobCols))
	_, err = store.GetJob(ctx, "missing")
	require.True(t, errors.Is(err, discovery.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveJobs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(q("FROM discovery_jobs WHERE is_active ORDER BY created_at, id")).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("job-1", "Austin, TX", "florist", 5, nil, 0, true, nil, nil, fixedNow).
			AddRow("job-2", "Austin, TX", "baker", 3, nil, 0, true, nil, nil, fixedNow))

	jobs, err := store.ListActiveJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "baker", jobs[1].Specialty)
	require.Nil(t, jobs[0].MaxTotal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobUpdatesReportMissingRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(q("UPDATE discovery_jobs SET is_active = FALSE WHERE id = $1")).
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.DeactivateJob(ctx, "job-1"))

	mock.ExpectExec(q("SET total_discovered = total_discovered + $2, last_run_at = $3")).
		WithArgs("job-9", 4, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.RecordJobProgress(ctx, "job-9", 4, fixedNow)
	require.True(t, errors.Is(err, discovery.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	run := discovery.Run{
		ID:          "run-1",
		JobID:       "job-1",
		RunDate:     "2026-06-01",
		Status:      discovery.RunStatusQueued,
		TriggeredBy: discovery.TriggerManual,
		StartedAt:   fixedNow,
	}

	mock.ExpectExec(q("INSERT INTO discovery_runs")).
		WithArgs("run-1", "job-1", "2026-06-01", 0, 0, 0, "queued", "manual", "", fixedNow, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateRun(ctx, run))

	mock.ExpectExec(q("SET status = 'running', started_at = $2")).
		WithArgs("run-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkRunRunning(ctx, "run-1", fixedNow))

	finished := fixedNow.Add(time.Minute)
	counters := discovery.RunCounters{VendorsDiscovered: 4, VendorsStaged: 3, DuplicatesFound: 1}
	mock.ExpectExec(q("WHERE id = $1 AND status IN ('queued', 'running')")).
		WithArgs("run-1", "completed", 4, 3, 1, "", finished).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.FinishRun(ctx, "run-1", discovery.RunStatusCompleted, counters, "", finished))

	mock.ExpectQuery(q("FROM discovery_runs WHERE id = $1")).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("run-1", "job-1", "2026-06-01", 4, 3, 1, discovery.RunStatusCompleted, discovery.TriggerManual, "", fixedNow, &finished))
	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, discovery.RunStatusCompleted, got.Status)
	require.Equal(t, 3, got.VendorsStaged)
	require.Equal(t, finished, *got.FinishedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunRejectsTerminalAndMissingRuns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	err := store.FinishRun(ctx, "run-1", discovery.RunStatusRunning, discovery.RunCounters{}, "", fixedNow)
	require.Error(t, err)

	mock.ExpectExec(q("UPDATE discovery_runs")).
		WithArgs("run-1", "failed", 0, 0, 0, "boom", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(q("SELECT status FROM discovery_runs WHERE id = $1")).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(discovery.RunStatusCompleted))
	err = store.FinishRun(ctx, "run-1", discovery.RunStatusFailed, discovery.RunCounters{}, "boom", fixedNow)
	require.True(t, errors.Is(err, discovery.ErrRunFinished))

	mock.ExpectExec(q("UPDATE discovery_runs")).
		WithArgs("ghost", "cancelled", 0, 0, 0, "run cancelled", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(q("SELECT status FROM discovery_runs WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))
	err = store.FinishRun(ctx, "ghost", discovery.RunStatusCancelled, discovery.RunCounters{}, "run cancelled", fixedNow)
	require.True(t, errors.Is(err, discovery.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsAndDailyCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(q("ORDER BY started_at DESC, id DESC")).
		WithArgs("job-1", 0).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("run-2", "job-1", "2026-06-02", 2, 2, 0, discovery.RunStatusCompleted, discovery.TriggerScheduler, "", fixedNow.Add(24*time.Hour), nil).
			AddRow("run-1", "job-1", "2026-06-01", 0, 0, 0, discovery.RunStatusFailed, discovery.TriggerScheduler, "upstream timeout", fixedNow, nil))
	runs, err := store.ListRuns(ctx, "job-1", -3)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "upstream timeout", runs[1].Error)

	mock.ExpectQuery(q("WHERE job_id = $1 AND run_date = $2")).
		WithArgs("job-1", "2026-06-01").
		WillReturnRows(pgxmock.NewRows(runCols))
	runs, err = store.ListRunsForDate(ctx, "job-1", "2026-06-01")
	require.NoError(t, err)
	require.Empty(t, runs)

	// Every status counts toward the daily total, not only completed runs.
	mock.ExpectQuery(q("SELECT COALESCE(SUM(vendors_staged), 0) FROM discovery_runs WHERE run_date = $1") + "$").
		WithArgs("2026-06-01").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(42))
	total, err := store.CountStagedForDate(ctx, "2026-06-01")
	require.NoError(t, err)
	require.Equal(t, 42, total)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageVendor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	dupOf := "v123"
	vendor := discovery.StagedVendor{
		ID:                  "sv-1",
		DiscoveryJobID:      "job-1",
		Name:                "  Acme Decor ",
		Website:             "https://acme.example",
		Status:              discovery.VendorStatusDuplicate,
		DuplicateOfVendorID: &dupOf,
		CreatedAt:           fixedNow,
	}

	mock.ExpectExec(q("INSERT INTO staged_vendors")).
		WithArgs("sv-1", "job-1", "  Acme Decor ", "acme decor", "", "", "", "https://acme.example",
			[]string{}, "", "duplicate", &dupOf, "pending", (*time.Time)(nil), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.StageVendor(ctx, vendor))

	vendor.ID = "sv-2"
	mock.ExpectExec(q("INSERT INTO staged_vendors")).
		WithArgs("sv-2", "job-1", "  Acme Decor ", "acme decor", "", "", "", "https://acme.example",
			[]string{}, "", "duplicate", &dupOf, "pending", (*time.Time)(nil), fixedNow).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "staged_vendors_discovery_job_id_normalized_name_key"})
	err := store.StageVendor(ctx, vendor)
	require.True(t, errors.Is(err, discovery.ErrDuplicateVendor))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStagedVendorsAndWebsiteStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(q("FROM staged_vendors")).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(vendorCols).
			AddRow("sv-1", "job-1", "Acme Decor", "acme decor", "Austin", "", "", "https://acme.example",
				[]string{"florist"}, "", discovery.VendorStatusStaged, nil, discovery.WebsitePending, nil, fixedNow))
	vendors, err := store.ListStagedVendors(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, vendors, 1)
	require.Equal(t, []string{"florist"}, vendors[0].Categories)
	require.Equal(t, discovery.WebsitePending, vendors[0].WebsiteVerified)
	require.Nil(t, vendors[0].DuplicateOfVendorID)

	mock.ExpectExec(q("SET website_verified = $2, website_checked_at = $3")).
		WithArgs("sv-1", "valid", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateWebsiteStatus(ctx, "sv-1", discovery.WebsiteValid, fixedNow))

	mock.ExpectExec(q("SET website_verified = $2, website_checked_at = $3")).
		WithArgs("sv-404", "error", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = store.UpdateWebsiteStatus(ctx, "sv-404", discovery.WebsiteError, fixedNow)
	require.True(t, errors.Is(err, discovery.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOnboardedVendorLookups(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(q("WHERE lower(btrim(name)) = $1")).
		WithArgs("acme decor").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow("v123", "Acme Decor"))
	v, ok, err := store.FindOnboardedVendor(ctx, "acme decor")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v123", v.ID)

	mock.ExpectQuery(q("WHERE lower(btrim(name)) = $1")).
		WithArgs("nobody").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}))
	_, ok, err = store.FindOnboardedVendor(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectQuery(q("SELECT name FROM vendors ORDER BY name LIMIT NULLIF($1, 0)")).
		WithArgs(200).
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("Acme Decor").AddRow("Bloom Co"))
	names, err := store.ListOnboardedVendorNames(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, []string{"Acme Decor", "Bloom Co"}, names)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	history := []discovery.Turn{
		{Role: discovery.RoleRequester, Parts: []string{"find florists"}},
		{Role: discovery.RoleResponder, Parts: []string{`{"vendors":[]}`}},
	}

	mock.ExpectExec(q("INSERT INTO discovery_conversations")).
		WithArgs("Austin, TX", "florist",
			[]byte(`[{"role":"requester","parts":["find florists"]},{"role":"responder","parts":["{\"vendors\":[]}"]}]`),
			9, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveConversation(ctx, discovery.Conversation{
		Area: "Austin, TX", Specialty: "florist", History: history, TotalVendorsFound: 9, UpdatedAt: fixedNow,
	}))

	mock.ExpectQuery(q("FROM discovery_conversations")).
		WithArgs("Austin, TX", "florist").
		WillReturnRows(pgxmock.NewRows([]string{"history", "total_vendors_found", "updated_at"}).
			AddRow([]byte(`[{"role":"requester","parts":["find florists"]},{"role":7},"junk"]`), 9, fixedNow))
	conv, ok, err := store.GetConversation(ctx, "Austin, TX", "florist")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 9, conv.TotalVendorsFound)
	require.Len(t, conv.History, 3)
	require.Equal(t, history[0], conv.History[0])
	require.Equal(t, discovery.Turn{}, conv.History[2])

	mock.ExpectQuery(q("FROM discovery_conversations")).
		WithArgs("Austin, TX", "baker").
		WillReturnRows(pgxmock.NewRows([]string{"history", "total_vendors_found", "updated_at"}))
	_, ok, err = store.GetConversation(ctx, "Austin, TX", "baker")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulerConfig(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(q("FROM discovery_config WHERE id = 1")).
		WillReturnRows(pgxmock.NewRows([]string{"run_hour", "daily_cap", "updated_at"}))
	_, ok, err := store.GetSchedulerConfig(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec(q("INSERT INTO discovery_config")).
		WithArgs(7, 40, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveSchedulerConfig(ctx, discovery.SchedulerConfig{RunHour: 7, DailyCap: 40, UpdatedAt: fixedNow}))

	mock.ExpectQuery(q("FROM discovery_config WHERE id = 1")).
		WillReturnRows(pgxmock.NewRows([]string{"run_hour", "daily_cap", "updated_at"}).AddRow(7, 40, fixedNow))
	cfg, ok, err := store.GetSchedulerConfig(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 40, cfg.DailyCap)

	require.NoError(t, mock.ExpectationsWereMet())
}
