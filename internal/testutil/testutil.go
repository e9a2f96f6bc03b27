// Package testutil sets up ledgers and stores for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Stores bundles the repositories over one test database.
type Stores struct {
	DB      *gorm.DB
	Sources *repository.SourceRepository
	Jobs    *repository.JobRepository
	Objects *repository.ObjectRepository
	Catalog *repository.CatalogRepository
}

// NewDB opens a migrated SQLite database in a temp dir. A single
// connection keeps SQLite from reporting busy under concurrent tests.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.db")
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
	require.NoError(t, repository.Migrate(db))
	return db
}

// NewStores opens a test database and wraps it in repositories.
func NewStores(t testing.TB) *Stores {
	db := NewDB(t)
	return &Stores{
		DB:      db,
		Sources: repository.NewSourceRepository(db),
		Jobs:    repository.NewJobRepository(db),
		Objects: repository.NewObjectRepository(db),
		Catalog: repository.NewCatalogRepository(db),
	}
}

// SeedSource inserts an active MANUAL source of sourceType pointing at url.
func (s *Stores) SeedSource(t testing.TB, sourceType, url, config string) *domain.Source {
	t.Helper()
	src := &domain.Source{
		ID:          uuid.New().String(),
		URL:         url,
		Title:       "Test source",
		Type:        sourceType,
		Config:      config,
		Active:      true,
		PublisherID: "publisher",
		Frequency:   domain.FrequencyManual,
	}
	require.NoError(t, s.Sources.Create(context.Background(), src))
	return src
}

// SeedJob creates a job for src and moves it to Running.
func (s *Stores) SeedJob(t testing.TB, src *domain.Source) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.Jobs.CreateForSource(ctx, src.ID)
	require.NoError(t, err)
	ok, err := s.Jobs.MarkRunning(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	job.Status = domain.JobStatusRunning
	return job
}

// AbortJob settles a job so the source can get a new one.
func (s *Stores) AbortJob(t testing.TB, job *domain.Job) {
	t.Helper()
	ok, err := s.Jobs.Abort(context.Background(), job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
}
