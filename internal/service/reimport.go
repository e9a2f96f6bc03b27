package service

import (
	"context"
	"time"

	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/repository"
	"github.com/timmy/harvest/internal/segment"
)

// ReimportOptions selects the objects to import again. At most one of
// SourceID, GUID, ObjectID and PackageID may be set; none selects every
// current object with an active package.
type ReimportOptions struct {
	SourceID  string
	GUID      string
	ObjectID  string
	PackageID string
	// Segments restricts the run to objects whose segment is listed,
	// e.g. "15af". Empty means all segments.
	Segments string
}

// ReimportStats counts a reimport run.
type ReimportStats struct {
	Total     int `json:"total"`
	Attempted int `json:"attempted"`
	Imported  int `json:"imported"`
	Failed    int `json:"failed"`
}

// ReimportService runs the import stage again over objects already in
// the ledger, without fetching.
type ReimportService struct {
	sources  *repository.SourceRepository
	objects  *repository.ObjectRepository
	registry *harvester.Registry
}

// NewReimportService creates a ReimportService.
func NewReimportService(
	sources *repository.SourceRepository,
	objects *repository.ObjectRepository,
	registry *harvester.Registry,
) *ReimportService {
	return &ReimportService{sources: sources, objects: objects, registry: registry}
}

func (o *ReimportOptions) filter() (repository.ReimportFilter, error) {
	set := 0
	for _, v := range []string{o.SourceID, o.GUID, o.ObjectID, o.PackageID} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return repository.ReimportFilter{}, errors.Wrap(errors.ErrValidation,
			"only one of source_id, guid, harvest_object_id and package_id may be given")
	}
	return repository.ReimportFilter{
		GUID:               o.GUID,
		SourceID:           o.SourceID,
		ObjectID:           o.ObjectID,
		PackageID:          o.PackageID,
		JoinActivePackages: o.ObjectID == "",
	}, nil
}

// Import reimports the selected objects. Objects outside the segment mask
// count towards Total only.
// Parameters:
//   - ctx: request context.
//   - opts: object selection.
// Returns:
//   - *ReimportStats: totals for the run.
//   - error: ErrValidation for a bad selection or mask, ErrNotFound for an
//     unknown source or object, ErrInvalidState for an inactive source.
func (s *ReimportService) Import(ctx context.Context, opts ReimportOptions) (*ReimportStats, error) {
	ctx = logger.SetComponent(ctx, "reimport")
	start := time.Now()

	filter, err := opts.filter()
	if err != nil {
		return nil, err
	}
	mask, err := segment.ParseMask(opts.Segments)
	if err != nil {
		return nil, err
	}
	if opts.SourceID != "" {
		src, err := s.sources.GetByID(ctx, opts.SourceID)
		if err != nil {
			return nil, err
		}
		if !src.Active {
			return nil, errors.Wrapf(errors.ErrInvalidState, "harvest source %s is not active", src.ID)
		}
	}

	ids, err := s.objects.SelectIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if opts.ObjectID != "" && len(ids) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "harvest object %s", opts.ObjectID)
	}

	stats := &ReimportStats{Total: len(ids)}
	forced := harvester.WithForceImport(ctx)
	for _, id := range mask.Filter(ids) {
		stats.Attempted++
		octx := logger.SetObjectID(forced, id)
		ok, err := s.importOne(octx, id)
		if err != nil {
			logger.FromContext(octx).WithError(err).Error("Reimport failed")
		}
		if ok {
			stats.Imported++
		} else {
			stats.Failed++
		}
	}

	logger.With(logger.Fields{"total": stats.Total, "segments": mask.String()}).
		WithCount(stats.Attempted).
		WithDuration(time.Since(start)).
		Info(ctx, "Harvest objects imported: %d/%d", stats.Attempted, stats.Total)
	return stats, nil
}

func (s *ReimportService) importOne(ctx context.Context, id string) (bool, error) {
	obj, err := s.objects.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	src, err := s.sources.GetByID(ctx, obj.SourceID)
	if err != nil {
		return false, err
	}
	h, err := s.registry.Get(src.Type)
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
		if aerr := s.objects.AddError(ctx, obj.ID, domain.StageImport, "System error: "+err.Error()); aerr != nil {
			return false, aerr
		}
		return false, err
	}
	return ok, nil
}
