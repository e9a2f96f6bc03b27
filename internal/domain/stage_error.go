package domain

import "time"

// Stage names recorded on object errors.
const (
	StageGather = "Gather"
	StageFetch  = "Fetch"
	StageImport = "Import"
)

// GatherError is an append-only diagnostic attached to a Job.
type GatherError struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     string    `gorm:"type:text;not null;index" json:"harvest_job_id"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `json:"created"`
}

// TableName returns the database table name for GatherError.
func (GatherError) TableName() string {
	return "harvest_gather_error"
}

// ObjectError is an append-only diagnostic attached to a HarvestObject.
type ObjectError struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ObjectID  string    `gorm:"type:text;not null;index" json:"harvest_object_id"`
	Message   string    `gorm:"type:text" json:"message"`
	Stage     string    `gorm:"type:text" json:"stage"`
	Line      *int      `json:"line,omitempty"`
	CreatedAt time.Time `json:"created"`
}

// TableName returns the database table name for ObjectError.
func (ObjectError) TableName() string {
	return "harvest_object_error"
}
