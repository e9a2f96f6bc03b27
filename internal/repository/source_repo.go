package repository

import (
	"context"
	"time"

	"github.com/timmy/harvest/internal/domain"
	"gorm.io/gorm"
)

// SourceRepository handles harvest source records.
type SourceRepository struct {
	db *gorm.DB
}

// NewSourceRepository creates a new SourceRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *SourceRepository: repository instance bound to db.
func NewSourceRepository(db *gorm.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// Create inserts a new source.
func (r *SourceRepository) Create(ctx context.Context, src *domain.Source) error {
	return translate(r.db.WithContext(ctx).Create(src).Error, "harvest source %s", src.ID)
}

// Save writes every column of src.
func (r *SourceRepository) Save(ctx context.Context, src *domain.Source) error {
	return translate(r.db.WithContext(ctx).Save(src).Error, "harvest source %s", src.ID)
}

// GetByID retrieves a source by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: source ID.
// Returns:
//   - *domain.Source: source record if found.
//   - error: wraps errors.ErrNotFound when no source has the id.
func (r *SourceRepository) GetByID(ctx context.Context, id string) (*domain.Source, error) {
	var src domain.Source
	if err := r.db.WithContext(ctx).First(&src, "id = ?", id).Error; err != nil {
		return nil, translate(err, "harvest source %s", id)
	}
	return &src, nil
}

// GetByURL returns the active source registered for url, if any.
func (r *SourceRepository) GetByURL(ctx context.Context, url string) (*domain.Source, error) {
	var src domain.Source
	err := r.db.WithContext(ctx).
		Where("url = ? AND active = ?", url, true).
		First(&src).Error
	if err != nil {
		return nil, translate(err, "harvest source with url %s", url)
	}
	return &src, nil
}

// List returns sources ordered by creation time.
func (r *SourceRepository) List(ctx context.Context, onlyActive bool) ([]domain.Source, error) {
	var sources []domain.Source
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if onlyActive {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

// ListDue returns active, scheduled sources whose next run is not after now.
// A source with no next_run yet is due.
func (r *SourceRepository) ListDue(ctx context.Context, now time.Time) ([]domain.Source, error) {
	var sources []domain.Source
	err := r.db.WithContext(ctx).
		Where("active = ? AND frequency <> ?", true, domain.FrequencyManual).
		Where("next_run IS NULL OR next_run <= ?", now).
		Order("created_at ASC").
		Find(&sources).Error
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// SetNextRun stores the next scheduled run of a source. It leaves
// updated_at alone: scheduling is not an edit of the source.
func (r *SourceRepository) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.Source{}).
		Where("id = ?", id).
		UpdateColumn("next_run", next).Error
}
