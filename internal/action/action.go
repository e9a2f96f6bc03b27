// Package action exposes the harvester operations as validated calls
// shared by the HTTP API and the command line.
package action

import (
	"context"
	"strings"

	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/repository"
	"github.com/timmy/harvest/internal/service"
)

// SourceRequest is the body of harvest_source_create.
type SourceRequest struct {
	URL         string           `json:"url" validate:"required,max=1024"`
	Title       string           `json:"title" validate:"max=200"`
	Description string           `json:"notes"`
	Type        string           `json:"source_type" validate:"required"`
	Config      string           `json:"config"`
	Frequency   domain.Frequency `json:"frequency"`
	Active      *bool            `json:"active"`
	UserID      string           `json:"user_id"`
	PublisherID string           `json:"owner_org"`
}

// SourceUpdateRequest is the body of harvest_source_update.
type SourceUpdateRequest struct {
	ID string `json:"id" validate:"required"`
	SourceRequest
}

// IDRequest names a single record.
type IDRequest struct {
	ID string `json:"id" validate:"required"`
}

// JobCreateRequest is the body of harvest_job_create. Run defaults to true.
type JobCreateRequest struct {
	SourceID string `json:"source_id" validate:"required"`
	Run      *bool  `json:"run"`
}

// JobCreateAllRequest is the body of harvest_job_create_all.
type JobCreateAllRequest struct {
	Run *bool `json:"run"`
}

// JobsRunRequest is the body of harvest_jobs_run. An empty SourceID runs
// every source and creates jobs for the due ones.
type JobsRunRequest struct {
	SourceID string `json:"source_id"`
}

// JobAbortRequest is the body of harvest_job_abort.
type JobAbortRequest struct {
	SourceID string `json:"source_id" validate:"required"`
}

// ObjectsImportRequest is the body of harvest_objects_import.
type ObjectsImportRequest struct {
	SourceID  string `json:"source_id"`
	GUID      string `json:"guid"`
	ObjectID  string `json:"harvest_object_id"`
	PackageID string `json:"package_id"`
	Segments  string `json:"segments" validate:"omitempty,segments"`
}

// ObjectCreateRequest is the body of harvest_object_create.
type ObjectCreateRequest struct {
	GUID      string            `json:"guid"`
	Content   *string           `json:"content"`
	JobID     string            `json:"job_id" validate:"required"`
	SourceID  string            `json:"source_id"`
	PackageID string            `json:"package_id"`
	Extras    map[string]string `json:"extras"`
}

// JobReport is a job with its object statistics.
type JobReport struct {
	*domain.Job
	Stats *domain.JobStats `json:"stats"`
}

// Actions dispatches each operation to its service.
type Actions struct {
	sources  *service.SourceService
	jobs     *service.JobService
	objects  *service.ObjectService
	reimport *service.ReimportService
}

// New creates the action set.
// Parameters:
//   - sources, jobs, objects, reimport: the services the actions call.
//
// Returns:
//   - *Actions: ready to serve requests.
func New(
	sources *service.SourceService,
	jobs *service.JobService,
	objects *service.ObjectService,
	reimport *service.ReimportService,
) *Actions {
	return &Actions{
		sources:  sources,
		jobs:     jobs,
		objects:  objects,
		reimport: reimport,
	}
}

func (r *SourceRequest) input() service.SourceInput {
	return service.SourceInput{
		URL:         strings.TrimSpace(r.URL),
		Title:       r.Title,
		Description: r.Description,
		Type:        r.Type,
		Config:      r.Config,
		Frequency:   domain.Frequency(strings.ToUpper(string(r.Frequency))),
		Active:      r.Active,
		UserID:      r.UserID,
		PublisherID: r.PublisherID,
	}
}

func runFlag(run *bool) bool {
	return run == nil || *run
}

// HarvestSourceCreate validates and stores a new harvest source.
func (a *Actions) HarvestSourceCreate(ctx context.Context, req *SourceRequest) (*domain.Source, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.sources.Create(ctx, req.input())
}

// HarvestSourceUpdate replaces the writable fields of a source.
func (a *Actions) HarvestSourceUpdate(ctx context.Context, req *SourceUpdateRequest) (*domain.Source, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.sources.Update(ctx, req.ID, req.input())
}

// HarvestSourceDelete deactivates a source and aborts its pending jobs.
func (a *Actions) HarvestSourceDelete(ctx context.Context, req *IDRequest) (*domain.Source, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.sources.Delete(ctx, req.ID)
}

// HarvestSourceShow returns one source.
func (a *Actions) HarvestSourceShow(ctx context.Context, req *IDRequest) (*domain.Source, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.sources.Get(ctx, req.ID)
}

// HarvestSourceList returns the sources, optionally only the active ones.
func (a *Actions) HarvestSourceList(ctx context.Context, onlyActive bool) ([]domain.Source, error) {
	return a.sources.List(ctx, onlyActive)
}

// HarvesterTypes lists the registered harvesters.
func (a *Actions) HarvesterTypes() []harvester.Info {
	return a.sources.Types()
}

// HarvestJobCreate creates a New job for a source and, unless Run is
// false, sends it straight to the gather queue.
func (a *Actions) HarvestJobCreate(ctx context.Context, req *JobCreateRequest) (*domain.Job, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.jobs.CreateJob(ctx, req.SourceID, runFlag(req.Run))
}

// HarvestJobCreateAll creates a job for every active source without one
// pending.
func (a *Actions) HarvestJobCreateAll(ctx context.Context, req *JobCreateAllRequest) ([]domain.Job, error) {
	return a.jobs.CreateJobsForAll(ctx, runFlag(req.Run))
}

// HarvestJobsRun settles finished jobs, resubmits stuck work and sends
// New jobs to the gather queue. It returns the jobs sent.
func (a *Actions) HarvestJobsRun(ctx context.Context, req *JobsRunRequest) ([]domain.Job, error) {
	return a.jobs.RunJobs(ctx, strings.TrimSpace(req.SourceID))
}

// HarvestJobAbort aborts the latest job of a source.
func (a *Actions) HarvestJobAbort(ctx context.Context, req *JobAbortRequest) (*domain.Job, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.jobs.AbortJob(ctx, req.SourceID)
}

// HarvestJobShow returns a job with its statistics.
func (a *Actions) HarvestJobShow(ctx context.Context, req *IDRequest) (*JobReport, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	job, stats, err := a.jobs.GetJob(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &JobReport{Job: job, Stats: stats}, nil
}

// HarvestJobList returns jobs matching filter, oldest first.
func (a *Actions) HarvestJobList(ctx context.Context, filter repository.JobFilter) ([]domain.Job, error) {
	return a.jobs.ListJobs(ctx, filter)
}

// HarvestObjectsImport runs the import stage again over stored objects.
func (a *Actions) HarvestObjectsImport(ctx context.Context, req *ObjectsImportRequest) (*service.ReimportStats, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.reimport.Import(ctx, service.ReimportOptions{
		SourceID:  strings.TrimSpace(req.SourceID),
		GUID:      strings.TrimSpace(req.GUID),
		ObjectID:  strings.TrimSpace(req.ObjectID),
		PackageID: strings.TrimSpace(req.PackageID),
		Segments:  req.Segments,
	})
}

// HarvestObjectCreate stores a WAITING object in an existing job.
func (a *Actions) HarvestObjectCreate(ctx context.Context, req *ObjectCreateRequest) (*domain.HarvestObject, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.objects.Create(ctx, service.ObjectInput{
		GUID:      req.GUID,
		Content:   req.Content,
		JobID:     req.JobID,
		SourceID:  req.SourceID,
		PackageID: req.PackageID,
		Extras:    req.Extras,
	})
}

// HarvestObjectShow returns one object with its extras and errors.
func (a *Actions) HarvestObjectShow(ctx context.Context, req *IDRequest) (*domain.HarvestObject, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return a.objects.Get(ctx, req.ID)
}
