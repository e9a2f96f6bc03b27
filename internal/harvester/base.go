package harvester

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/merge"
	"github.com/timmy/harvest/internal/repository"
)

// Deps are the stores every harvester works against.
type Deps struct {
	Sources *repository.SourceRepository
	Jobs    *repository.JobRepository
	Objects *repository.ObjectRepository
	Catalog *repository.CatalogRepository

	// ExtrasNotOverwritten lists package extras kept across reimports for
	// every source.
	ExtrasNotOverwritten []string

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Base carries the stage helpers shared by harvester implementations.
// Implementations embed it.
type Base struct {
	Deps
	Type string
}

// NewBase creates a Base for harvesters of sourceType.
func NewBase(deps Deps, sourceType string) Base {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return Base{Deps: deps, Type: sourceType}
}

// SaveGatherError records a gather error on the job and logs it.
func (b *Base) SaveGatherError(ctx context.Context, jobID, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.FromContext(ctx).WithField(logger.FieldJobID, jobID).Error(msg)
	if err := b.Jobs.AddGatherError(ctx, jobID, msg); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to save gather error")
	}
}

// SaveObjectError records an object error and logs it.
func (b *Base) SaveObjectError(ctx context.Context, obj *domain.HarvestObject, stage, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.FromContext(ctx).
		WithField(logger.FieldObjectID, obj.ID).
		WithField(logger.FieldStage, stage).
		Error(msg)
	if err := b.Objects.AddError(ctx, obj.ID, stage, msg); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to save object error")
	}
}

// LoadSource returns the source of a job or object.
func (b *Base) LoadSource(ctx context.Context, sourceID string) (*domain.Source, error) {
	return b.Sources.GetByID(ctx, sourceID)
}

// CreateObject inserts a WAITING object for guid in job.
func (b *Base) CreateObject(ctx context.Context, job *domain.Job, guid string, extras map[string]string) (*domain.HarvestObject, error) {
	obj := &domain.HarvestObject{
		ID:       uuid.New().String(),
		GUID:     guid,
		JobID:    job.ID,
		SourceID: job.SourceID,
		State:    domain.ObjectStateWaiting,
	}
	for k, v := range extras {
		obj.SetExtra(k, v)
	}
	if err := b.Objects.Create(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// CreateDeletedObjects creates an object with status deleted for every
// current object of the job's source whose guid is missing from seen.
// Gatherers call it after a complete listing of the remote catalog.
func (b *Base) CreateDeletedObjects(ctx context.Context, job *domain.Job, seen map[string]bool) ([]string, error) {
	current, err := b.Objects.ListCurrentBySource(ctx, job.SourceID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, prev := range current {
		if seen[prev.GUID] || domain.RecordStatus(prev.ReportStatus) == domain.StatusDeleted {
			continue
		}
		obj := &domain.HarvestObject{
			ID:       uuid.New().String(),
			GUID:     prev.GUID,
			JobID:    job.ID,
			SourceID: job.SourceID,
			State:    domain.ObjectStateWaiting,
		}
		if pkg := prev.PackageRef(); pkg != "" {
			obj.PackageID = &pkg
		}
		obj.SetExtra(domain.ExtraStatus, string(domain.StatusDeleted))
		obj.ReportStatus = string(domain.StatusDeleted)
		if err := b.Objects.Create(ctx, obj); err != nil {
			return nil, err
		}
		logger.CtxInfo(ctx, "Remote record %s has gone, marking it deleted", prev.GUID)
		ids = append(ids, obj.ID)
	}
	return ids, nil
}

// previousModified returns the stored timestamp of a current object,
// falling back to the "modified" extra written by older imports.
func previousModified(prev *domain.HarvestObject) *time.Time {
	if prev.MetadataModifiedDate != nil {
		return prev.MetadataModifiedDate
	}
	if raw, ok := prev.Extra(domain.ExtraModified); ok {
		if t, err := ParseTimestamp(raw); err == nil {
			return &t
		}
	}
	return nil
}

// RecordFetch classifies a fetched object against the current object for
// its guid and stores the content, timestamp and status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - obj: the object being fetched; content must already be set.
//   - modified: metadata_modified reported by the remote catalog.
//   - url: where the content came from, stored in the url extra.
//   - forceAll: re-import records whose timestamp did not move.
// Returns:
//   - FetchResult: FetchOK or FetchUnchanged.
//   - error: non-nil when the ledger could not be written.
func (b *Base) RecordFetch(ctx context.Context, obj *domain.HarvestObject, modified time.Time, url string, forceAll bool) (FetchResult, error) {
	previous, err := b.Objects.GetCurrentByGUID(ctx, obj.GUID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return FetchFailed, err
	}

	var c merge.Classification
	if previous == nil {
		c = merge.Classify(nil, modified, forceAll)
	} else {
		prevModified := previousModified(previous)
		c = merge.CompareTimestamps(prevModified, modified, forceAll)
		if c.Backwards {
			b.SaveObjectError(ctx, obj, domain.StageFetch,
				"Modification date is earlier than when it was last harvested! %s Last harvest: %s This harvest: %s",
				url, prevModified.Format(time.RFC3339Nano), modified.Format(time.RFC3339Nano))
		}
	}

	modified = modified.UTC()
	obj.MetadataModifiedDate = &modified
	obj.SetExtra(domain.ExtraStatus, string(c.Status))
	if url != "" {
		obj.SetExtra(domain.ExtraURL, url)
	}
	obj.ReportStatus = string(c.Status)
	if err := b.Objects.Save(ctx, obj); err != nil {
		return FetchFailed, err
	}

	if c.Status == domain.StatusUnchanged {
		logger.CtxInfo(ctx, "Record with GUID %s not updated, skipping...", obj.GUID)
		return FetchUnchanged, nil
	}
	if c.Status == domain.StatusChanged {
		logger.CtxInfo(ctx, "Record with GUID %s exists and needs to be updated", obj.GUID)
	}
	return FetchOK, nil
}

// timestampLayouts are tried in order by ParseTimestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats remote catalogs emit.
// Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("unrecognised timestamp %q", s)
}
