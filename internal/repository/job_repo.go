package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	activeJobStatuses = []domain.JobStatus{domain.JobStatusNew, domain.JobStatusRunning}
	settledStates     = []domain.ObjectState{domain.ObjectStateComplete, domain.ObjectStateError}
)

// JobRepository handles harvest jobs and their gather errors.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// JobFilter narrows List. Empty fields match everything.
type JobFilter struct {
	SourceID string
	Status   domain.JobStatus
	Limit    int
}

// CreateForSource inserts a New job for sourceID.
//
// The source row is locked (on dialects that support it), its active flag
// and existing New/Running jobs are checked, and the insert happens in the
// same transaction. The partial unique index on harvest_job(source_id)
// catches any writer that slipped past the check.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - sourceID: source the job belongs to.
// Returns:
//   - *domain.Job: the inserted job.
//   - error: ErrNotFound, ErrInvalidState or ErrJobExists on rejection.
func (r *JobRepository) CreateForSource(ctx context.Context, sourceID string) (*domain.Job, error) {
	var job *domain.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if isPostgres(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var src domain.Source
		if err := q.First(&src, "id = ?", sourceID).Error; err != nil {
			return translate(err, "harvest source %s", sourceID)
		}
		if !src.Active {
			return errors.Wrapf(errors.ErrInvalidState, "can not create jobs on inactive source %s", sourceID)
		}

		var pending int64
		if err := tx.Model(&domain.Job{}).
			Where("source_id = ? AND status IN ?", sourceID, activeJobStatuses).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return errors.Wrapf(errors.ErrJobExists, "source %s", sourceID)
		}

		job = &domain.Job{
			ID:       uuid.New().String(),
			SourceID: sourceID,
			Status:   domain.JobStatusNew,
		}
		if err := tx.Create(job).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errors.Wrapf(errors.ErrJobExists, "source %s", sourceID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID retrieves a job with its gather errors.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Preload("GatherErrors", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&job, "id = ?", id).Error
	if err != nil {
		return nil, translate(err, "harvest job %s", id)
	}
	return &job, nil
}

// Latest returns the most recently created job of a source.
func (r *JobRepository) Latest(ctx context.Context, sourceID string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, translate(err, "harvest job for source %s", sourceID)
	}
	return &job, nil
}

// List returns jobs matching filter, oldest first.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	var jobs []domain.Job
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if filter.SourceID != "" {
		q = q.Where("source_id = ?", filter.SourceID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkRunning moves a New job to Running. It reports false when the job
// was no longer New.
func (r *JobRepository) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusNew).
		Updates(map[string]interface{}{
			"status":    domain.JobStatusRunning,
			"queued_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// Abort moves a New or Running job to Aborted.
func (r *JobRepository) Abort(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, activeJobStatuses).
		Updates(map[string]interface{}{
			"status":      domain.JobStatusAborted,
			"finished_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// AbortNew aborts every New job of a source and returns how many changed.
func (r *JobRepository) AbortNew(ctx context.Context, sourceID string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("source_id = ? AND status = ?", sourceID, domain.JobStatusNew).
		Updates(map[string]interface{}{
			"status":      domain.JobStatusAborted,
			"finished_at": at,
		})
	return res.RowsAffected, res.Error
}

// ClaimGather stamps gather_started on a Running job that has not finished
// gathering and is either unclaimed or claimed before staleBefore. Only one
// of several concurrent consumers of a duplicated message wins.
func (r *JobRepository) ClaimGather(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ? AND gather_finished_at IS NULL", id, domain.JobStatusRunning).
		Where("gather_started_at IS NULL OR gather_started_at < ?", staleBefore).
		Update("gather_started_at", now)
	return res.RowsAffected == 1, res.Error
}

// FinishGather stamps gather_finished.
func (r *JobRepository) FinishGather(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Update("gather_finished_at", at).Error
}

// TryFinish marks a Running job Finished when its gather stage is done and
// none of its objects is still waiting, fetching or importing. The check
// and the write are one statement.
func (r *JobRepository) TryFinish(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ? AND gather_finished_at IS NOT NULL", id, domain.JobStatusRunning).
		Where("NOT EXISTS (SELECT 1 FROM harvest_object o WHERE o.job_id = harvest_job.id AND o.state NOT IN ?)", settledStates).
		Updates(map[string]interface{}{
			"status":      domain.JobStatusFinished,
			"finished_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// ListStuck returns Running jobs whose gather was queued or started before
// the cutoff and never finished.
func (r *JobRepository) ListStuck(ctx context.Context, before time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND gather_finished_at IS NULL", domain.JobStatusRunning).
		Where("(gather_started_at IS NULL AND queued_at < ?) OR gather_started_at < ?", before, before).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// PreviousGathered returns the latest other job of the source whose gather
// stage finished, or ErrNotFound.
func (r *JobRepository) PreviousGathered(ctx context.Context, sourceID, excludeID string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Preload("GatherErrors").
		Where("source_id = ? AND id <> ? AND gather_finished_at IS NOT NULL", sourceID, excludeID).
		Order("gather_finished_at DESC").
		First(&job).Error
	if err != nil {
		return nil, translate(err, "previous job for source %s", sourceID)
	}
	return &job, nil
}

// AddGatherError appends a gather error to a job.
func (r *JobRepository) AddGatherError(ctx context.Context, jobID, message string) error {
	return r.db.WithContext(ctx).Create(&domain.GatherError{
		JobID:   jobID,
		Message: message,
	}).Error
}

// Stats counts the objects and errors of a job.
func (r *JobRepository) Stats(ctx context.Context, jobID string) (*domain.JobStats, error) {
	db := r.db.WithContext(ctx)
	stats := &domain.JobStats{
		JobID:    jobID,
		ByStatus: map[string]int{},
		ByState:  map[string]int{},
	}

	type bucket struct {
		Bucket string
		Count  int
	}

	var byState []bucket
	if err := db.Model(&domain.HarvestObject{}).
		Select("state AS bucket, COUNT(*) AS count").
		Where("job_id = ?", jobID).
		Group("state").
		Scan(&byState).Error; err != nil {
		return nil, err
	}
	for _, b := range byState {
		stats.ByState[b.Bucket] = b.Count
		stats.Total += int64(b.Count)
	}

	var byStatus []bucket
	if err := db.Model(&domain.HarvestObject{}).
		Select("report_status AS bucket, COUNT(*) AS count").
		Where("job_id = ? AND report_status <> ''", jobID).
		Group("report_status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, b := range byStatus {
		stats.ByStatus[b.Bucket] = b.Count
	}

	if err := db.Model(&domain.GatherError{}).
		Where("job_id = ?", jobID).
		Count(&stats.GatherErrors).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&domain.ObjectError{}).
		Joins("JOIN harvest_object ON harvest_object.id = harvest_object_error.object_id").
		Where("harvest_object.job_id = ?", jobID).
		Count(&stats.ObjectErrors).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
