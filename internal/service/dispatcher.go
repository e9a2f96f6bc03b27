package service

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/queue"
	"github.com/timmy/harvest/internal/repository"
	"github.com/timmy/harvest/internal/storage"
)

// DispatcherConfig holds configuration for the stage workers.
type DispatcherConfig struct {
	// DeferredImport leaves fetched objects in IMPORT for RunJobs.
	DeferredImport bool
	// StuckThreshold is how long a claim or a queued message may sit
	// before the work is considered lost.
	StuckThreshold time.Duration
	// Workers is the number of consumers per queue.
	Workers int
}

// Dispatcher runs the gather, fetch and import stages for queue messages.
type Dispatcher struct {
	sources   *repository.SourceRepository
	jobs      *repository.JobRepository
	objects   *repository.ObjectRepository
	registry  *harvester.Registry
	publisher *queue.Publisher
	archive   *storage.Archive
	cfg       DispatcherConfig
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. archive may be nil.
func NewDispatcher(
	sources *repository.SourceRepository,
	jobs *repository.JobRepository,
	objects *repository.ObjectRepository,
	registry *harvester.Registry,
	publisher *queue.Publisher,
	archive *storage.Archive,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 2 * time.Hour
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Dispatcher{
		sources:   sources,
		jobs:      jobs,
		objects:   objects,
		registry:  registry,
		publisher: publisher,
		archive:   archive,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// guard runs fn, turning a panic into a system error.
func guard(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(errors.ErrSystem, "panic in %s stage: %v\n%s", stage, r, debug.Stack())
		}
	}()
	return fn()
}

// HandleGather is the gather queue handler. Undecodable messages are
// logged and dropped.
func (d *Dispatcher) HandleGather(ctx context.Context, body []byte) error {
	msg, err := queue.DecodeGather(body)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Dropping gather message")
		return nil
	}
	return d.Gather(ctx, msg.JobID)
}

// HandleFetch is the fetch queue handler. Undecodable messages are logged
// and dropped.
func (d *Dispatcher) HandleFetch(ctx context.Context, body []byte) error {
	msg, err := queue.DecodeFetch(body)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Dropping fetch message")
		return nil
	}
	return d.Fetch(ctx, msg.ObjectID)
}

// Gather runs the gather stage of a job and publishes one fetch message
// per object it created. Jobs that are not Running, or that another worker
// is already gathering, are skipped.
// Parameters:
//   - ctx: worker context.
//   - jobID: job to gather.
// Returns:
//   - error: non-nil only for store and queue failures.
func (d *Dispatcher) Gather(ctx context.Context, jobID string) error {
	ctx = logger.SetStage(logger.SetJobID(ctx, jobID), domain.StageGather)
	log := logger.FromContext(ctx)
	start := time.Now()

	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Warn("Gather message for unknown job")
			return nil
		}
		return err
	}
	if job.Status != domain.JobStatusRunning {
		log.Infof("Job is %s, not gathering", job.Status)
		return nil
	}
	now := d.now()
	claimed, err := d.jobs.ClaimGather(ctx, job.ID, now, now.Add(-d.cfg.StuckThreshold))
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("Job is already being gathered")
		return nil
	}

	ctx = logger.SetSourceID(ctx, job.SourceID)
	var ids []string
	h, err := d.harvesterFor(ctx, job.SourceID)
	if err == nil {
		err = guard(domain.StageGather, func() error {
			var gerr error
			ids, gerr = h.GatherStage(ctx, job)
			return gerr
		})
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Gather stage failed")
		if aerr := d.jobs.AddGatherError(ctx, job.ID, "System error: "+err.Error()); aerr != nil {
			return aerr
		}
	}

	if err := d.jobs.FinishGather(ctx, job.ID, d.now()); err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.publisher.PublishFetch(ctx, id); err != nil {
			return err
		}
	}
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCount:      len(ids),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("Gather stage finished")
	return nil
}

func (d *Dispatcher) harvesterFor(ctx context.Context, sourceID string) (harvester.Harvester, error) {
	src, err := d.sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return d.registry.Get(src.Type)
}

// Fetch runs the fetch stage of an object and, unless imports are
// deferred, its import stage. Objects another worker claimed are skipped.
func (d *Dispatcher) Fetch(ctx context.Context, objectID string) error {
	ctx = logger.SetStage(logger.SetObjectID(ctx, objectID), domain.StageFetch)
	log := logger.FromContext(ctx)

	now := d.now()
	claimed, err := d.objects.ClaimFetch(ctx, objectID, now, now.Add(-d.cfg.StuckThreshold))
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("Object is not waiting to be fetched, skipping")
		return nil
	}
	obj, err := d.objects.GetByID(ctx, objectID)
	if err != nil {
		return err
	}
	ctx = logger.SetSourceID(logger.SetJobID(ctx, obj.JobID), obj.SourceID)

	h, err := d.harvesterFor(ctx, obj.SourceID)
	if err != nil {
		return d.fail(ctx, obj, domain.StageFetch, err)
	}

	var result harvester.FetchResult
	err = guard(domain.StageFetch, func() error {
		var ferr error
		result, ferr = h.FetchStage(ctx, obj)
		return ferr
	})
	if err != nil {
		return d.fail(ctx, obj, domain.StageFetch, err)
	}

	if result != harvester.FetchFailed {
		d.archiveContent(ctx, obj)
	}

	switch result {
	case harvester.FetchUnchanged:
		return d.objects.SetState(ctx, obj.ID, domain.ObjectStateComplete, d.now())
	case harvester.FetchFailed:
		return d.objects.SetState(ctx, obj.ID, domain.ObjectStateError, d.now())
	}

	if err := d.objects.SetState(ctx, obj.ID, domain.ObjectStateImport, d.now()); err != nil {
		return err
	}
	if d.cfg.DeferredImport {
		return nil
	}
	_, err = d.importObject(ctx, h, obj.ID)
	return err
}

// archiveContent copies the fetched payload into the archive. Failures
// only cost the archived copy.
func (d *Dispatcher) archiveContent(ctx context.Context, obj *domain.HarvestObject) {
	if d.archive == nil {
		return
	}
	key, err := d.archive.Put(ctx, obj)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to archive fetched content")
		return
	}
	if key == "" {
		return
	}
	if err := d.objects.Save(ctx, obj); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to record archive key")
	}
}

// fail records a system error against obj and moves it to ERROR.
func (d *Dispatcher) fail(ctx context.Context, obj *domain.HarvestObject, stage string, cause error) error {
	logger.FromContext(ctx).WithError(cause).Errorf("%s stage failed", stage)
	if err := d.objects.AddError(ctx, obj.ID, stage, "System error: "+cause.Error()); err != nil {
		return err
	}
	return d.objects.SetState(ctx, obj.ID, domain.ObjectStateError, d.now())
}

// importObject claims and imports one object in IMPORT. It reports whether
// the import succeeded.
func (d *Dispatcher) importObject(ctx context.Context, h harvester.Harvester, objectID string) (bool, error) {
	ctx = logger.SetStage(ctx, domain.StageImport)
	now := d.now()
	claimed, err := d.objects.ClaimImport(ctx, objectID, now, now.Add(-d.cfg.StuckThreshold))
	if err != nil || !claimed {
		return false, err
	}
	obj, err := d.objects.GetByID(ctx, objectID)
	if err != nil {
		return false, err
	}

	var ok bool
	err = guard(domain.StageImport, func() error {
		var ierr error
		ok, ierr = h.ImportStage(ctx, obj)
		return ierr
	})
	if err != nil {
		return false, d.fail(ctx, obj, domain.StageImport, err)
	}
	state := domain.ObjectStateComplete
	if !ok {
		state = domain.ObjectStateError
	}
	return ok, d.objects.SetState(ctx, obj.ID, state, d.now())
}

// ImportJob imports the fetched objects of a job that are waiting in
// IMPORT and returns how many imported successfully. Unless imports are
// deferred, only objects whose fetch finished before the stuck threshold
// are taken; fresher ones still belong to their fetch worker.
func (d *Dispatcher) ImportJob(ctx context.Context, jobID string) (int, error) {
	ctx = logger.SetJobID(ctx, jobID)
	all, err := d.objects.ListByJob(ctx, jobID, domain.ObjectStateImport)
	if err != nil {
		return 0, err
	}
	objs := all
	if !d.cfg.DeferredImport {
		before := d.now().Add(-d.cfg.StuckThreshold)
		objs = objs[:0:0]
		for _, obj := range all {
			if obj.FetchFinishedAt == nil || obj.FetchFinishedAt.Before(before) {
				objs = append(objs, obj)
			}
		}
	}
	if len(objs) == 0 {
		return 0, nil
	}
	h, err := d.harvesterFor(ctx, objs[0].SourceID)
	if err != nil {
		return 0, err
	}
	imported := 0
	for _, obj := range objs {
		ok, err := d.importObject(logger.SetObjectID(ctx, obj.ID), h, obj.ID)
		if err != nil {
			return imported, err
		}
		if ok {
			imported++
		}
	}
	logger.FromContext(ctx).WithField(logger.FieldCount, imported).Info("Imported fetched objects")
	return imported, nil
}

// ResubmitStuck republishes gather messages for Running jobs and fetch
// messages for objects that have waited longer than the stuck threshold.
// Handlers skip work that is no longer pending, so repeated calls only
// cost duplicate messages.
func (d *Dispatcher) ResubmitStuck(ctx context.Context) (int, int, error) {
	before := d.now().Add(-d.cfg.StuckThreshold)

	jobs, err := d.jobs.ListStuck(ctx, before)
	if err != nil {
		return 0, 0, err
	}
	for _, job := range jobs {
		logger.FromContext(ctx).WithField(logger.FieldJobID, job.ID).Warn("Resubmitting stuck gather")
		if err := d.publisher.PublishGather(ctx, job.ID); err != nil {
			return 0, 0, err
		}
	}

	objs, err := d.objects.ListStuck(ctx, before)
	if err != nil {
		return len(jobs), 0, err
	}
	for _, obj := range objs {
		logger.FromContext(ctx).WithField(logger.FieldObjectID, obj.ID).Warn("Resubmitting stuck fetch")
		if err := d.publisher.PublishFetch(ctx, obj.ID); err != nil {
			return len(jobs), 0, err
		}
	}
	return len(jobs), len(objs), nil
}

// ConsumeGather runs gather workers until ctx is done.
func (d *Dispatcher) ConsumeGather(ctx context.Context) error {
	return d.consume(ctx, d.publisher.GatherQueue(), d.HandleGather)
}

// ConsumeFetch runs fetch workers until ctx is done.
func (d *Dispatcher) ConsumeFetch(ctx context.Context) error {
	return d.consume(ctx, d.publisher.FetchQueue(), d.HandleFetch)
}

func (d *Dispatcher) consume(ctx context.Context, name string, handler queue.Handler) error {
	broker := d.publisher.Broker()
	errs := make(chan error, d.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wctx := logger.WithFields(ctx, logger.Fields{
				logger.FieldQueue: name,
				"worker":          workerID,
			})
			logger.CtxInfo(wctx, "Consumer started")
			if err := broker.Consume(wctx, name, handler); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	return <-errs
}
