package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/repository"
)

// SourceInput carries the writable fields of a harvest source.
type SourceInput struct {
	URL         string
	Title       string
	Description string
	Type        string
	Config      string
	Frequency   domain.Frequency
	Active      *bool
	UserID      string
	PublisherID string
}

// SourceService manages harvest sources.
type SourceService struct {
	sources  *repository.SourceRepository
	jobs     *repository.JobRepository
	registry *harvester.Registry
	now      func() time.Time
}

// NewSourceService creates a SourceService.
func NewSourceService(
	sources *repository.SourceRepository,
	jobs *repository.JobRepository,
	registry *harvester.Registry,
) *SourceService {
	return &SourceService{
		sources:  sources,
		jobs:     jobs,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// check validates in against the registry and the existing sources.
// selfID excludes the source being updated from the URL check.
func (s *SourceService) check(ctx context.Context, in *SourceInput, selfID string) (string, error) {
	fields := map[string]string{}
	in.URL = strings.TrimSpace(in.URL)
	if in.URL == "" {
		fields["url"] = "Missing value"
	} else if other, err := s.sources.GetByURL(ctx, in.URL); err == nil && other.ID != selfID {
		fields["url"] = "There already is a Harvest Source for this URL: " + in.URL
	} else if err != nil && !errors.IsNotFound(err) {
		return "", err
	}

	if in.Frequency == "" {
		in.Frequency = domain.FrequencyManual
	}
	if !in.Frequency.Valid() {
		fields["frequency"] = "Frequency " + string(in.Frequency) + " not recognised"
	}

	var config string
	h, err := s.registry.Get(in.Type)
	if err != nil {
		fields["type"] = "Unknown harvester type " + in.Type + ", must be one of " + strings.Join(s.registry.Types(), ", ")
	} else {
		config, err = h.ValidateConfig(ctx, in.Config)
		if err != nil {
			if !errors.Is(err, errors.ErrConfig) {
				return "", err
			}
			fields["config"] = err.Error()
		}
	}

	if len(fields) > 0 {
		return "", errors.NewValidationError(fields)
	}
	return config, nil
}

// Create validates and stores a new source.
// Parameters:
//   - ctx: request context.
//   - in: source fields; Active defaults to true, Frequency to MANUAL.
// Returns:
//   - *domain.Source: the stored source.
//   - error: a *errors.ValidationError for rejected fields.
func (s *SourceService) Create(ctx context.Context, in SourceInput) (*domain.Source, error) {
	config, err := s.check(ctx, &in, "")
	if err != nil {
		return nil, err
	}
	src := &domain.Source{
		ID:          uuid.New().String(),
		URL:         in.URL,
		Title:       in.Title,
		Description: in.Description,
		Type:        in.Type,
		Config:      config,
		Active:      in.Active == nil || *in.Active,
		UserID:      in.UserID,
		PublisherID: in.PublisherID,
		Frequency:   in.Frequency,
	}
	if err := s.sources.Create(ctx, src); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).WithField(logger.FieldSourceID, src.ID).Info("Harvest source created")
	return src, nil
}

// Update replaces the writable fields of a source. A frequency change
// clears next_run so the scheduler picks the source up again; making the
// source inactive aborts its New jobs.
func (s *SourceService) Update(ctx context.Context, id string, in SourceInput) (*domain.Source, error) {
	src, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	config, err := s.check(ctx, &in, src.ID)
	if err != nil {
		return nil, err
	}

	if in.Frequency != src.Frequency {
		src.NextRun = nil
	}
	src.URL = in.URL
	src.Title = in.Title
	src.Description = in.Description
	src.Type = in.Type
	src.Config = config
	src.Frequency = in.Frequency
	src.UserID = in.UserID
	src.PublisherID = in.PublisherID
	if in.Active != nil {
		src.Active = *in.Active
	}
	if err := s.sources.Save(ctx, src); err != nil {
		return nil, err
	}

	if !src.Active {
		if err := s.abortNew(ctx, src.ID); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// Delete deactivates a source and aborts its New jobs. Its jobs, objects
// and packages stay in the ledger.
func (s *SourceService) Delete(ctx context.Context, id string) (*domain.Source, error) {
	src, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	src.Active = false
	if err := s.sources.Save(ctx, src); err != nil {
		return nil, err
	}
	if err := s.abortNew(ctx, src.ID); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).WithField(logger.FieldSourceID, src.ID).Info("Harvest source deleted")
	return src, nil
}

func (s *SourceService) abortNew(ctx context.Context, sourceID string) error {
	n, err := s.jobs.AbortNew(ctx, sourceID, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldSourceID: sourceID,
			logger.FieldCount:    n,
		}).Info("Aborted pending jobs of inactive source")
	}
	return nil
}

// Get returns a source by id.
func (s *SourceService) Get(ctx context.Context, id string) (*domain.Source, error) {
	return s.sources.GetByID(ctx, id)
}

// List returns the sources, optionally only the active ones.
func (s *SourceService) List(ctx context.Context, onlyActive bool) ([]domain.Source, error) {
	return s.sources.List(ctx, onlyActive)
}

// Types returns the harvester types sources may use.
func (s *SourceService) Types() []harvester.Info {
	return s.registry.Infos()
}
