package domain

import "time"

// JobStatus is the lifecycle state of a harvest job.
//
//	New --publish--> Running --all objects settled--> Finished
//	New/Running --operator--> Aborted
type JobStatus string

const (
	JobStatusNew      JobStatus = "New"
	JobStatusRunning  JobStatus = "Running"
	JobStatusFinished JobStatus = "Finished"
	JobStatusAborted  JobStatus = "Aborted"
)

// Active reports whether the job still counts against the one-active-job rule.
func (s JobStatus) Active() bool {
	return s == JobStatusNew || s == JobStatusRunning
}

// Job is one harvesting run over a Source.
type Job struct {
	ID               string        `gorm:"type:text;primaryKey" json:"id"`
	SourceID         string        `gorm:"type:text;not null;index" json:"source_id"`
	Status           JobStatus     `gorm:"type:text;not null;index" json:"status"`
	CreatedAt        time.Time     `json:"created"`
	QueuedAt         *time.Time    `json:"queued_at,omitempty"`
	GatherStartedAt  *time.Time    `json:"gather_started,omitempty"`
	GatherFinishedAt *time.Time    `json:"gather_finished,omitempty"`
	FinishedAt       *time.Time    `json:"finished,omitempty"`
	GatherErrors     []GatherError `gorm:"foreignKey:JobID" json:"gather_errors,omitempty"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "harvest_job"
}

// JobStats summarises the objects of a job by report status.
type JobStats struct {
	JobID        string         `json:"job_id"`
	Total        int64          `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByState      map[string]int `json:"by_state"`
	GatherErrors int64          `json:"gather_errors"`
	ObjectErrors int64          `json:"object_errors"`
}
