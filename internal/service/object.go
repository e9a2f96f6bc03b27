package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/repository"
	"github.com/timmy/harvest/internal/storage"
)

// ObjectInput carries the fields of a manually created harvest object.
type ObjectInput struct {
	GUID      string
	Content   *string
	JobID     string
	SourceID  string
	PackageID string
	Extras    map[string]string
}

// ObjectService creates and reads harvest objects outside the pipeline.
type ObjectService struct {
	jobs    *repository.JobRepository
	objects *repository.ObjectRepository
	catalog *repository.CatalogRepository
	archive *storage.Archive
}

// NewObjectService creates an ObjectService. archive may be nil.
func NewObjectService(
	jobs *repository.JobRepository,
	objects *repository.ObjectRepository,
	catalog *repository.CatalogRepository,
	archive *storage.Archive,
) *ObjectService {
	return &ObjectService{jobs: jobs, objects: objects, catalog: catalog, archive: archive}
}

// Create stores a WAITING object in an existing job. The source defaults
// to the job's source and must match it when given.
func (s *ObjectService) Create(ctx context.Context, in ObjectInput) (*domain.HarvestObject, error) {
	fields := map[string]string{}
	job, err := s.jobs.GetByID(ctx, in.JobID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return nil, err
		}
		fields["job_id"] = "Harvest job " + in.JobID + " does not exist"
	}
	if job != nil && in.SourceID != "" && in.SourceID != job.SourceID {
		fields["source_id"] = "Harvest source " + in.SourceID + " does not own job " + job.ID
	}
	if in.PackageID != "" {
		if _, err := s.catalog.GetPackage(ctx, in.PackageID); err != nil {
			if !errors.IsNotFound(err) {
				return nil, err
			}
			fields["package_id"] = "Package " + in.PackageID + " does not exist"
		}
	}
	if len(fields) > 0 {
		return nil, errors.NewValidationError(fields)
	}

	obj := &domain.HarvestObject{
		ID:       uuid.New().String(),
		GUID:     in.GUID,
		JobID:    job.ID,
		SourceID: job.SourceID,
		Content:  in.Content,
		State:    domain.ObjectStateWaiting,
	}
	if in.PackageID != "" {
		obj.PackageID = &in.PackageID
	}
	for k, v := range in.Extras {
		obj.SetExtra(k, v)
	}
	if status, ok := in.Extras[domain.ExtraStatus]; ok {
		obj.ReportStatus = status
	}
	if err := s.objects.Create(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Get returns an object with its extras and errors, and the URL of its
// archived payload when there is one.
func (s *ObjectService) Get(ctx context.Context, id string) (*domain.HarvestObject, error) {
	obj, err := s.objects.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.archive != nil {
		obj.ArchiveURL = s.archive.URL(obj)
	}
	return obj, nil
}
