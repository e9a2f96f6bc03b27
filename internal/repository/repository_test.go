package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func seedSource(t *testing.T, db *gorm.DB, active bool) *domain.Source {
	t.Helper()
	src := &domain.Source{
		ID:        uuid.New().String(),
		URL:       "http://example.com/" + uuid.New().String(),
		Type:      "ckan",
		Active:    active,
		Frequency: domain.FrequencyManual,
	}
	require.NoError(t, NewSourceRepository(db).Create(context.Background(), src))
	return src
}

func seedObject(t *testing.T, db *gorm.DB, jobID, sourceID, guid string, state domain.ObjectState) *domain.HarvestObject {
	t.Helper()
	obj := &domain.HarvestObject{
		ID:       uuid.New().String(),
		GUID:     guid,
		JobID:    jobID,
		SourceID: sourceID,
		State:    state,
	}
	require.NoError(t, NewObjectRepository(db).Create(context.Background(), obj))
	return obj
}

func TestCreateForSource(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobs := NewJobRepository(db)

	t.Run("missing source", func(t *testing.T) {
		_, err := jobs.CreateForSource(ctx, "nope")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("inactive source", func(t *testing.T) {
		src := seedSource(t, db, false)
		_, err := jobs.CreateForSource(ctx, src.ID)
		assert.True(t, errors.Is(err, errors.ErrInvalidState))
	})

	t.Run("second job rejected until the first settles", func(t *testing.T) {
		src := seedSource(t, db, true)
		first, err := jobs.CreateForSource(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusNew, first.Status)

		_, err = jobs.CreateForSource(ctx, src.ID)
		assert.True(t, errors.Is(err, errors.ErrJobExists))
		assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

		ok, err := jobs.Abort(ctx, first.ID, time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)

		_, err = jobs.CreateForSource(ctx, src.ID)
		assert.NoError(t, err)
	})
}

func TestCreateForSourceConcurrent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobs := NewJobRepository(db)
	src := seedSource(t, db, true)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		exists  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := jobs.CreateForSource(ctx, src.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, errors.ErrJobExists):
				exists++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, exists)

	active, err := jobs.List(ctx, JobFilter{SourceID: src.ID, Status: domain.JobStatusNew})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobs := NewJobRepository(db)
	objects := NewObjectRepository(db)
	src := seedSource(t, db, true)
	now := time.Now().UTC()

	job, err := jobs.CreateForSource(ctx, src.ID)
	require.NoError(t, err)

	ok, err := jobs.ClaimGather(ctx, job.ID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "a New job cannot be gathered")

	ok, err = jobs.MarkRunning(ctx, job.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = jobs.MarkRunning(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = jobs.ClaimGather(ctx, job.ID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = jobs.ClaimGather(ctx, job.ID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "duplicate gather message must lose the claim")

	obj := seedObject(t, db, job.ID, src.ID, "guid-1", domain.ObjectStateWaiting)

	ok, err = jobs.TryFinish(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "gather has not finished")

	require.NoError(t, jobs.FinishGather(ctx, job.ID, now))
	ok, err = jobs.TryFinish(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "an object is still waiting")

	ok, err = objects.ClaimFetch(ctx, obj.ID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = objects.ClaimFetch(ctx, obj.ID, now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, objects.SetState(ctx, obj.ID, domain.ObjectStateError, now))
	ok, err = jobs.TryFinish(ctx, job.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
	require.NotNil(t, got.FinishedAt)

	ok, err = jobs.Abort(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "finished jobs cannot be aborted")
}

func TestTransferCurrent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobs := NewJobRepository(db)
	objects := NewObjectRepository(db)
	src := seedSource(t, db, true)
	now := time.Now().UTC()

	job, err := jobs.CreateForSource(ctx, src.ID)
	require.NoError(t, err)

	first := seedObject(t, db, job.ID, src.ID, "guid-1", domain.ObjectStateImport)
	second := seedObject(t, db, job.ID, src.ID, "guid-1", domain.ObjectStateImport)

	require.NoError(t, objects.TransferCurrent(ctx, first, "pkg-1", now))
	require.NoError(t, objects.TransferCurrent(ctx, second, "pkg-1", now))

	n, err := objects.CountCurrent(ctx, "guid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	current, err := objects.GetCurrentByGUID(ctx, "guid-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
	assert.Equal(t, "pkg-1", current.PackageRef())
	assert.Equal(t, domain.ObjectStateComplete, current.State)

	// A raw second current row violates the partial unique index.
	err = db.Model(&domain.HarvestObject{}).Where("id = ?", first.ID).Update("is_current", true).Error
	assert.Error(t, err)
}

func TestSaveAndReportStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobs := NewJobRepository(db)
	objects := NewObjectRepository(db)
	src := seedSource(t, db, true)

	job, err := jobs.CreateForSource(ctx, src.ID)
	require.NoError(t, err)
	obj := seedObject(t, db, job.ID, src.ID, "guid-1", domain.ObjectStateWaiting)

	content := `{"id": "remote-1"}`
	obj.Content = &content
	obj.SetExtra(domain.ExtraStatus, string(domain.StatusNew))
	obj.SetExtra(domain.ExtraURL, "http://example.com/dataset/remote-1")
	require.NoError(t, objects.Save(ctx, obj))

	require.NoError(t, objects.SetReportStatus(ctx, obj.ID, domain.StatusChanged))
	require.NoError(t, objects.AddError(ctx, obj.ID, domain.StageImport, "boom"))

	got, err := objects.GetByID(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got.ContentString())
	assert.Equal(t, domain.StatusChanged, got.Status())
	assert.Equal(t, string(domain.StatusChanged), got.ReportStatus)
	url, ok := got.Extra(domain.ExtraURL)
	assert.True(t, ok)
	assert.Equal(t, "http://example.com/dataset/remote-1", url)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "boom", got.Errors[0].Message)

	stats, err := jobs.Stats(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(domain.StatusChanged)])
	assert.Equal(t, int64(1), stats.ObjectErrors)
}

func TestSelectIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobs := NewJobRepository(db)
	objects := NewObjectRepository(db)
	catalog := NewCatalogRepository(db)
	src := seedSource(t, db, true)
	other := seedSource(t, db, true)
	now := time.Now().UTC()

	for _, pkg := range []*domain.Package{
		{ID: "pkg-a", Name: "alpha", State: domain.PackageStateActive},
		{ID: "pkg-b", Name: "beta", State: domain.PackageStateDeleted},
		{ID: "pkg-c", Name: "gamma", State: domain.PackageStateActive},
	} {
		require.NoError(t, catalog.CreatePackage(ctx, pkg))
	}

	job, err := jobs.CreateForSource(ctx, src.ID)
	require.NoError(t, err)
	otherJob, err := jobs.CreateForSource(ctx, other.ID)
	require.NoError(t, err)

	a := seedObject(t, db, job.ID, src.ID, "guid-a", domain.ObjectStateImport)
	require.NoError(t, objects.TransferCurrent(ctx, a, "pkg-a", now))
	b := seedObject(t, db, job.ID, src.ID, "guid-b", domain.ObjectStateImport)
	require.NoError(t, objects.TransferCurrent(ctx, b, "pkg-b", now))
	c := seedObject(t, db, otherJob.ID, other.ID, "guid-c", domain.ObjectStateImport)
	require.NoError(t, objects.TransferCurrent(ctx, c, "pkg-c", now))
	stale := seedObject(t, db, job.ID, src.ID, "guid-a", domain.ObjectStateError)

	tests := []struct {
		name   string
		filter ReimportFilter
		want   []string
	}{
		{"all current", ReimportFilter{}, []string{a.ID, b.ID, c.ID}},
		{"all current with active packages", ReimportFilter{JoinActivePackages: true}, []string{a.ID, c.ID}},
		{"by guid", ReimportFilter{GUID: "guid-a", JoinActivePackages: true}, []string{a.ID}},
		{"by source", ReimportFilter{SourceID: src.ID}, []string{a.ID, b.ID}},
		{"by object id ignores current and join", ReimportFilter{ObjectID: stale.ID, JoinActivePackages: true}, []string{stale.ID}},
		{"by package name", ReimportFilter{PackageID: "gamma"}, []string{c.ID}},
		{"by deleted package", ReimportFilter{PackageID: "pkg-b"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ids, err := objects.SelectIDs(ctx, tc.filter)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, ids)
		})
	}
}

func TestListDue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sources := NewSourceRepository(db)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(freq domain.Frequency, active bool, next *time.Time) *domain.Source {
		src := &domain.Source{
			ID:        uuid.New().String(),
			URL:       "http://example.com/" + uuid.New().String(),
			Type:      "ckan",
			Active:    active,
			Frequency: freq,
			NextRun:   next,
		}
		require.NoError(t, sources.Create(ctx, src))
		return src
	}

	neverRun := mk(domain.FrequencyDaily, true, nil)
	overdue := mk(domain.FrequencyWeekly, true, &past)
	mk(domain.FrequencyDaily, true, &future)
	mk(domain.FrequencyManual, true, nil)
	mk(domain.FrequencyDaily, false, &past)

	due, err := sources.ListDue(ctx, now)
	require.NoError(t, err)
	var ids []string
	for _, s := range due {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{neverRun.ID, overdue.ID}, ids)
}
