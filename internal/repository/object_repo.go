package repository

import (
	"context"
	"time"

	"github.com/timmy/harvest/internal/domain"
	"gorm.io/gorm"
)

// ObjectRepository handles harvest objects, their extras and errors.
type ObjectRepository struct {
	db *gorm.DB
}

// NewObjectRepository creates a new ObjectRepository.
func NewObjectRepository(db *gorm.DB) *ObjectRepository {
	return &ObjectRepository{db: db}
}

func preloadObject(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Extras", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

// Create inserts an object together with its extras.
func (r *ObjectRepository) Create(ctx context.Context, obj *domain.HarvestObject) error {
	return translate(r.db.WithContext(ctx).Create(obj).Error, "harvest object %s", obj.ID)
}

// GetByID retrieves an object with its extras and errors.
func (r *ObjectRepository) GetByID(ctx context.Context, id string) (*domain.HarvestObject, error) {
	var obj domain.HarvestObject
	if err := preloadObject(r.db.WithContext(ctx)).First(&obj, "id = ?", id).Error; err != nil {
		return nil, translate(err, "harvest object %s", id)
	}
	return &obj, nil
}

// GetCurrentByGUID returns the current object for guid, or ErrNotFound.
func (r *ObjectRepository) GetCurrentByGUID(ctx context.Context, guid string) (*domain.HarvestObject, error) {
	var obj domain.HarvestObject
	err := preloadObject(r.db.WithContext(ctx)).
		Where("guid = ? AND is_current = ?", guid, true).
		First(&obj).Error
	if err != nil {
		return nil, translate(err, "current harvest object for guid %s", guid)
	}
	return &obj, nil
}

// ListCurrentBySource returns the current objects of a source.
func (r *ObjectRepository) ListCurrentBySource(ctx context.Context, sourceID string) ([]domain.HarvestObject, error) {
	var objs []domain.HarvestObject
	err := r.db.WithContext(ctx).
		Where("source_id = ? AND is_current = ?", sourceID, true).
		Order("guid ASC").
		Find(&objs).Error
	return objs, err
}

// ListByJob returns the objects of a job, optionally in one state.
func (r *ObjectRepository) ListByJob(ctx context.Context, jobID string, state domain.ObjectState) ([]domain.HarvestObject, error) {
	var objs []domain.HarvestObject
	q := r.db.WithContext(ctx).Where("job_id = ?", jobID)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	err := q.Order("created_at ASC").Find(&objs).Error
	return objs, err
}

// ClaimFetch moves a WAITING object (or a FETCH claim older than
// staleBefore) into FETCH. Only one of several concurrent consumers of a
// duplicated message wins.
func (r *ObjectRepository) ClaimFetch(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.HarvestObject{}).
		Where("id = ?", id).
		Where("state = ? OR (state = ? AND fetch_started_at < ?)",
			domain.ObjectStateWaiting, domain.ObjectStateFetch, staleBefore).
		Updates(map[string]interface{}{
			"state":            domain.ObjectStateFetch,
			"fetch_started_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// ClaimImport stamps import_started on an object in IMPORT that nobody
// started importing, or whose import started before staleBefore.
func (r *ObjectRepository) ClaimImport(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.HarvestObject{}).
		Where("id = ? AND state = ?", id, domain.ObjectStateImport).
		Where("import_started_at IS NULL OR import_started_at < ?", staleBefore).
		Update("import_started_at", now)
	return res.RowsAffected == 1, res.Error
}

// Save writes the object's columns and its extras. Extras without an id are
// inserted, the others updated in place.
func (r *ObjectRepository) Save(ctx context.Context, obj *domain.HarvestObject) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Extras", "Errors", "is_current").Save(obj).Error; err != nil {
			return translate(err, "harvest object %s", obj.ID)
		}
		for i := range obj.Extras {
			extra := &obj.Extras[i]
			extra.ObjectID = obj.ID
			if extra.ID == 0 {
				if err := tx.Create(extra).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(extra).Update("value", extra.Value).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SetState moves an object to state and stamps the matching finish column.
func (r *ObjectRepository) SetState(ctx context.Context, id string, state domain.ObjectState, at time.Time) error {
	updates := map[string]interface{}{"state": state}
	switch state {
	case domain.ObjectStateImport:
		updates["fetch_finished_at"] = at
	case domain.ObjectStateComplete, domain.ObjectStateError:
		updates["import_finished_at"] = at
	}
	return r.db.WithContext(ctx).
		Model(&domain.HarvestObject{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// SetReportStatus mirrors the status extra onto the report_status column.
func (r *ObjectRepository) SetReportStatus(ctx context.Context, id string, status domain.RecordStatus) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.HarvestObject{}).
			Where("id = ?", id).
			Update("report_status", string(status)).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.HarvestObjectExtra{}).
			Where("object_id = ? AND key = ?", id, domain.ExtraStatus).
			Update("value", string(status))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&domain.HarvestObjectExtra{
				ObjectID: id,
				Key:      domain.ExtraStatus,
				Value:    string(status),
			}).Error
		}
		return nil
	})
}

// AddError appends an object error.
func (r *ObjectRepository) AddError(ctx context.Context, objectID, stage, message string) error {
	return r.db.WithContext(ctx).Create(&domain.ObjectError{
		ObjectID: objectID,
		Stage:    stage,
		Message:  message,
	}).Error
}

// TransferCurrent makes obj the current object for its guid and records the
// package it was imported into. The previous current object is cleared
// first, in the same transaction, so the partial unique index on
// harvest_object(guid) never sees two current rows.
func (r *ObjectRepository) TransferCurrent(ctx context.Context, obj *domain.HarvestObject, packageID string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.HarvestObject{}).
			Where("guid = ? AND is_current = ? AND id <> ?", obj.GUID, true, obj.ID).
			Update("is_current", false).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"is_current":         true,
			"state":              domain.ObjectStateComplete,
			"import_finished_at": at,
		}
		if packageID != "" {
			updates["package_id"] = packageID
		}
		if err := tx.Model(&domain.HarvestObject{}).
			Where("id = ?", obj.ID).
			Updates(updates).Error; err != nil {
			return translate(err, "harvest object %s", obj.ID)
		}
		obj.Current = true
		obj.State = domain.ObjectStateComplete
		obj.ImportFinishedAt = &at
		if packageID != "" {
			obj.PackageID = &packageID
		}
		return nil
	})
}

// CountCurrent returns how many objects are current for guid.
func (r *ObjectRepository) CountCurrent(ctx context.Context, guid string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.HarvestObject{}).
		Where("guid = ? AND is_current = ?", guid, true).
		Count(&n).Error
	return n, err
}

// ListStuck returns objects waiting to be fetched since before the cutoff,
// or whose fetch claim is older than the cutoff.
func (r *ObjectRepository) ListStuck(ctx context.Context, before time.Time) ([]domain.HarvestObject, error) {
	var objs []domain.HarvestObject
	err := r.db.WithContext(ctx).
		Where("(state = ? AND created_at < ?) OR (state = ? AND fetch_started_at < ?)",
			domain.ObjectStateWaiting, before, domain.ObjectStateFetch, before).
		Order("created_at ASC").
		Find(&objs).Error
	return objs, err
}

// ReimportFilter selects objects for a reimport. Exactly one of GUID,
// SourceID, ObjectID and PackageID should be set; none selects every
// current object.
type ReimportFilter struct {
	GUID      string
	SourceID  string
	ObjectID  string
	PackageID string // id or name

	// JoinActivePackages restricts the result to objects whose package is
	// active. It is ignored for ObjectID and implied for PackageID.
	JoinActivePackages bool
}

// SelectIDs returns the ids of the objects matching filter in gather order.
func (r *ObjectRepository) SelectIDs(ctx context.Context, filter ReimportFilter) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&domain.HarvestObject{})
	join := filter.JoinActivePackages

	switch {
	case filter.GUID != "":
		q = q.Where("harvest_object.guid = ? AND harvest_object.is_current = ?", filter.GUID, true)
	case filter.SourceID != "":
		q = q.Where("harvest_object.source_id = ? AND harvest_object.is_current = ?", filter.SourceID, true)
	case filter.ObjectID != "":
		q = q.Where("harvest_object.id = ?", filter.ObjectID)
		join = false
	case filter.PackageID != "":
		q = q.Joins("JOIN package ON package.id = harvest_object.package_id").
			Where("harvest_object.is_current = ? AND package.state = ?", true, domain.PackageStateActive).
			Where("package.id = ? OR package.name = ?", filter.PackageID, filter.PackageID)
		join = false
	default:
		q = q.Where("harvest_object.is_current = ?", true)
	}

	if join {
		q = q.Joins("JOIN package ON package.id = harvest_object.package_id").
			Where("package.state = ?", domain.PackageStateActive)
	}

	var ids []string
	err := q.Order("harvest_object.created_at ASC").Pluck("harvest_object.id", &ids).Error
	return ids, err
}
