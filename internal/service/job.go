package service

import (
	"context"
	"time"

	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/lock"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/queue"
	"github.com/timmy/harvest/internal/repository"
)

// JobService creates, schedules, runs and aborts harvest jobs.
type JobService struct {
	sources    *repository.SourceRepository
	jobs       *repository.JobRepository
	publisher  *queue.Publisher
	locker     lock.Locker
	dispatcher *Dispatcher
	now        func() time.Time
}

// NewJobService creates a JobService.
// Parameters:
//   - sources, jobs: ledger stores.
//   - publisher: gather queue publisher.
//   - locker: serialises job creation per source.
//   - dispatcher: imports deferred objects and resubmits stuck work.
// Returns:
//   - *JobService: service instance.
func NewJobService(
	sources *repository.SourceRepository,
	jobs *repository.JobRepository,
	publisher *queue.Publisher,
	locker lock.Locker,
	dispatcher *Dispatcher,
) *JobService {
	return &JobService{
		sources:    sources,
		jobs:       jobs,
		publisher:  publisher,
		locker:     locker,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NextRun returns when a source with frequency should next be harvested,
// counting from now. MANUAL sources have no next run.
func NextRun(frequency domain.Frequency, now time.Time) (*time.Time, error) {
	var next time.Time
	switch frequency {
	case domain.FrequencyManual:
		return nil, nil
	case domain.FrequencyAlways:
		next = now
	case domain.FrequencyDaily:
		next = now.AddDate(0, 0, 1)
	case domain.FrequencyWeekly:
		next = now.AddDate(0, 0, 7)
	case domain.FrequencyBiweekly:
		next = now.AddDate(0, 0, 14)
	case domain.FrequencyMonthly:
		next = now.AddDate(0, 0, daysInMonth(now))
	default:
		return nil, errors.Wrapf(errors.ErrUnknownFrequency, "%q", frequency)
	}
	return &next, nil
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// CreateJob creates a New job for a source and, when run is set, sends it
// to the gather queue straight away.
// Parameters:
//   - ctx: request context.
//   - sourceID: source to harvest.
//   - run: publish the job immediately.
// Returns:
//   - *domain.Job: the created job, Running when it was published.
//   - error: ErrNotFound, ErrInvalidState or ErrJobExists on rejection.
func (s *JobService) CreateJob(ctx context.Context, sourceID string, run bool) (*domain.Job, error) {
	release, err := s.locker.Acquire(ctx, "source:"+sourceID)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.CreateForSource(ctx, sourceID)
	release()
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldSourceID: sourceID,
	}).Info("Harvest job created")

	if run {
		if _, err := s.send(ctx, job); err != nil {
			return job, err
		}
	}
	return job, nil
}

// CreateJobsForAll creates a job for every active source that has none
// pending. Sources that already have one are skipped.
func (s *JobService) CreateJobsForAll(ctx context.Context, run bool) ([]domain.Job, error) {
	sources, err := s.sources.List(ctx, true)
	if err != nil {
		return nil, err
	}
	created := []domain.Job{}
	for _, src := range sources {
		job, err := s.CreateJob(ctx, src.ID, run)
		if err != nil {
			if errors.Is(err, errors.ErrJobExists) {
				logger.CtxInfo(ctx, "Source %s already has a pending job, skipping", src.ID)
				continue
			}
			return created, err
		}
		created = append(created, *job)
	}
	logger.CtxInfo(ctx, "Created %d new harvest jobs", len(created))
	return created, nil
}

// CreateJobsForDueSources creates a job for every scheduled source whose
// next run has come and moves its next run forward.
//
// Existing pending jobs are not an error. A source whose latest job was
// aborted is held until it gets a manual job or is updated. Sources with
// an unknown frequency are skipped; they are reported together in the
// returned error, which wraps ErrUnknownFrequency.
func (s *JobService) CreateJobsForDueSources(ctx context.Context) ([]domain.Job, error) {
	now := s.now()
	sources, err := s.sources.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}

	created := []domain.Job{}
	var unknown []string
	for i := range sources {
		src := &sources[i]
		log := logger.FromContext(ctx).WithField(logger.FieldSourceID, src.ID)

		next, err := NextRun(src.Frequency, now)
		if err != nil {
			log.WithError(err).Error("Cannot schedule source")
			unknown = append(unknown, src.ID)
			continue
		}

		held, err := s.heldByAbort(ctx, src)
		if err != nil {
			return created, err
		}
		if held {
			log.Warn("Latest job of source was aborted, not scheduling")
			continue
		}

		job, err := s.CreateJob(ctx, src.ID, false)
		switch {
		case err == nil:
			created = append(created, *job)
		case errors.Is(err, errors.ErrJobExists):
			log.Info("Source already has a pending job")
		default:
			return created, err
		}

		if err := s.sources.SetNextRun(ctx, src.ID, next); err != nil {
			return created, err
		}
	}

	if len(unknown) > 0 {
		return created, errors.Wrapf(errors.ErrUnknownFrequency, "sources %v", unknown)
	}
	return created, nil
}

// heldByAbort reports whether the latest job of src is Aborted and the
// source was not updated since.
func (s *JobService) heldByAbort(ctx context.Context, src *domain.Source) (bool, error) {
	latest, err := s.jobs.Latest(ctx, src.ID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if latest.Status != domain.JobStatusAborted {
		return false, nil
	}
	return latest.FinishedAt == nil || !src.UpdatedAt.After(*latest.FinishedAt), nil
}

// RunJobs is the scheduler entry point. When sourceID is empty it first
// creates jobs for due sources. It then settles Running jobs whose gather
// finished, resubmits stuck work and sends every New job to the gather
// queue.
//
// It returns the jobs sent, an empty slice when there were none. Only
// store and queue failures are returned as errors.
func (s *JobService) RunJobs(ctx context.Context, sourceID string) ([]domain.Job, error) {
	ctx = logger.SetComponent(ctx, "run_jobs")

	if sourceID == "" {
		if _, err := s.CreateJobsForDueSources(ctx); err != nil {
			if !errors.Is(err, errors.ErrUnknownFrequency) {
				return nil, err
			}
			logger.FromContext(ctx).WithError(err).Warn("Some sources could not be scheduled")
		}
	}

	running, err := s.jobs.List(ctx, repository.JobFilter{SourceID: sourceID, Status: domain.JobStatusRunning})
	if err != nil {
		return nil, err
	}
	for i := range running {
		job := &running[i]
		if job.GatherFinishedAt == nil {
			continue
		}
		if _, err := s.dispatcher.ImportJob(ctx, job.ID); err != nil {
			return nil, err
		}
		if _, err := s.UpdateJobStatus(ctx, job); err != nil {
			return nil, err
		}
	}

	if _, _, err := s.dispatcher.ResubmitStuck(ctx); err != nil {
		return nil, err
	}

	pending, err := s.jobs.List(ctx, repository.JobFilter{SourceID: sourceID, Status: domain.JobStatusNew})
	if err != nil {
		return nil, err
	}
	sent := []domain.Job{}
	for i := range pending {
		job := &pending[i]
		src, err := s.sources.GetByID(ctx, job.SourceID)
		if err != nil {
			return sent, err
		}
		if !src.Active {
			continue
		}
		ok, err := s.send(ctx, job)
		if err != nil {
			return sent, err
		}
		if ok {
			sent = append(sent, *job)
		}
	}
	if len(sent) == 0 {
		logger.CtxDebug(ctx, "No new harvest jobs")
	}
	return sent, nil
}

// send moves a New job to Running and publishes it. It reports false when
// another caller sent the job first.
func (s *JobService) send(ctx context.Context, job *domain.Job) (bool, error) {
	now := s.now()
	ok, err := s.jobs.MarkRunning(ctx, job.ID, now)
	if err != nil || !ok {
		return false, err
	}
	if err := s.publisher.PublishGather(ctx, job.ID); err != nil {
		// resubmitted once the job counts as stuck
		return false, err
	}
	job.Status = domain.JobStatusRunning
	job.QueuedAt = &now
	logger.FromContext(ctx).WithField(logger.FieldJobID, job.ID).Info("Sent job to the gather queue")
	return true, nil
}

// UpdateJobStatus marks job Finished when its gather stage is done and
// every object settled.
func (s *JobService) UpdateJobStatus(ctx context.Context, job *domain.Job) (bool, error) {
	finished, err := s.jobs.TryFinish(ctx, job.ID, s.now())
	if err != nil || !finished {
		return false, err
	}
	job.Status = domain.JobStatusFinished
	stats, err := s.jobs.Stats(ctx, job.ID)
	if err != nil {
		return true, err
	}
	logger.With(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldSourceID: job.SourceID,
		"by_status":          stats.ByStatus,
		"errors":             stats.GatherErrors + stats.ObjectErrors,
	}).WithCount(int(stats.Total)).WithStatus(string(domain.JobStatusFinished)).Info(ctx, "Harvest job finished")
	return true, nil
}

// AbortJob aborts the most recent job of a source. In-flight gather and
// fetch work is not cancelled.
// Parameters:
//   - ctx: request context.
//   - sourceID: source whose latest job is aborted.
// Returns:
//   - *domain.Job: the aborted job.
//   - error: ErrNotFound without source or job, ErrInvalidState when the
//     job already finished or was aborted.
func (s *JobService) AbortJob(ctx context.Context, sourceID string) (*domain.Job, error) {
	if _, err := s.sources.GetByID(ctx, sourceID); err != nil {
		return nil, err
	}
	job, err := s.jobs.Latest(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	ok, err := s.jobs.Abort(ctx, job.ID, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidState, "job %s is %s", job.ID, job.Status)
	}
	logger.FromContext(ctx).WithField(logger.FieldJobID, job.ID).Info("Harvest job aborted")
	return s.jobs.GetByID(ctx, job.ID)
}

// GetJob returns a job with its object counts.
func (s *JobService) GetJob(ctx context.Context, id string) (*domain.Job, *domain.JobStats, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	stats, err := s.jobs.Stats(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job, stats, nil
}

// ListJobs returns jobs matching filter.
func (s *JobService) ListJobs(ctx context.Context, filter repository.JobFilter) ([]domain.Job, error) {
	return s.jobs.List(ctx, filter)
}
