package domain

import "time"

// ObjectState tracks where a harvest object is in the pipeline.
type ObjectState string

const (
	ObjectStateWaiting  ObjectState = "WAITING"
	ObjectStateFetch    ObjectState = "FETCH"
	ObjectStateImport   ObjectState = "IMPORT"
	ObjectStateComplete ObjectState = "COMPLETE"
	ObjectStateError    ObjectState = "ERROR"
)

// Settled reports whether no further stage will run for the object.
func (s ObjectState) Settled() bool {
	return s == ObjectStateComplete || s == ObjectStateError
}

// RecordStatus is the disposition stored under the "status" extra.
type RecordStatus string

const (
	StatusNew       RecordStatus = "new"
	StatusChanged   RecordStatus = "changed"
	StatusDeleted   RecordStatus = "deleted"
	StatusUnchanged RecordStatus = "unchanged"
)

// Importable reports whether the import stage accepts the status.
func (s RecordStatus) Importable() bool {
	return s == StatusNew || s == StatusChanged || s == StatusDeleted
}

// Well-known extra keys.
const (
	ExtraStatus   = "status"
	ExtraURL      = "url"
	ExtraModified = "modified"
)

// HarvestObject is one discovered remote record within a Job.
type HarvestObject struct {
	ID                   string               `gorm:"type:text;primaryKey" json:"id"`
	GUID                 string               `gorm:"column:guid;type:text;index" json:"guid"`
	JobID                string               `gorm:"type:text;not null;index" json:"harvest_job_id"`
	SourceID             string               `gorm:"type:text;index" json:"harvest_source_id"`
	Content              *string              `gorm:"type:text" json:"content,omitempty"`
	PackageID            *string              `gorm:"type:text;index" json:"package_id,omitempty"`
	Current              bool                 `gorm:"column:is_current;not null;index" json:"current"`
	State                ObjectState          `gorm:"type:text;not null;index" json:"state"`
	ReportStatus         string               `gorm:"type:text" json:"report_status,omitempty"`
	MetadataModifiedDate *time.Time           `json:"metadata_modified_date,omitempty"`
	FetchStartedAt       *time.Time           `json:"fetch_started,omitempty"`
	FetchFinishedAt      *time.Time           `json:"fetch_finished,omitempty"`
	ImportStartedAt      *time.Time           `json:"import_started,omitempty"`
	ImportFinishedAt     *time.Time           `json:"import_finished,omitempty"`
	CreatedAt            time.Time            `json:"gathered"`
	Extras               []HarvestObjectExtra `gorm:"foreignKey:ObjectID" json:"extras,omitempty"`
	Errors               []ObjectError        `gorm:"foreignKey:ObjectID" json:"errors,omitempty"`

	// ArchiveURL points at the archived payload; filled in on read.
	ArchiveURL string `gorm:"-" json:"archive_url,omitempty"`
}

// TableName returns the database table name for HarvestObject.
func (HarvestObject) TableName() string {
	return "harvest_object"
}

// Extra returns the value of the last extra stored under key.
func (o *HarvestObject) Extra(key string) (string, bool) {
	for i := len(o.Extras) - 1; i >= 0; i-- {
		if o.Extras[i].Key == key {
			return o.Extras[i].Value, true
		}
	}
	return "", false
}

// SetExtra updates key in place or appends it.
func (o *HarvestObject) SetExtra(key, value string) {
	for i := range o.Extras {
		if o.Extras[i].Key == key {
			o.Extras[i].Value = value
			return
		}
	}
	o.Extras = append(o.Extras, HarvestObjectExtra{ObjectID: o.ID, Key: key, Value: value})
}

// Status returns the "status" extra as a RecordStatus.
func (o *HarvestObject) Status() RecordStatus {
	v, _ := o.Extra(ExtraStatus)
	return RecordStatus(v)
}

// ContentString returns the fetched payload or "" when none was stored.
func (o *HarvestObject) ContentString() string {
	if o.Content == nil {
		return ""
	}
	return *o.Content
}

// PackageRef returns the imported package id or "".
func (o *HarvestObject) PackageRef() string {
	if o.PackageID == nil {
		return ""
	}
	return *o.PackageID
}

// HarvestObjectExtra is an ordered key/value sidecar of a HarvestObject.
type HarvestObjectExtra struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ObjectID string `gorm:"type:text;not null;index" json:"-"`
	Key      string `gorm:"type:text;not null" json:"key"`
	Value    string `gorm:"type:text" json:"value"`
}

// TableName returns the database table name for HarvestObjectExtra.
func (HarvestObjectExtra) TableName() string {
	return "harvest_object_extra"
}
