package domain

import (
	"strings"
	"time"
)

// Frequency is the scheduling interval of a harvest source.
type Frequency string

const (
	FrequencyManual   Frequency = "MANUAL"
	FrequencyAlways   Frequency = "ALWAYS"
	FrequencyDaily    Frequency = "DAILY"
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
)

// Frequencies lists every recognised frequency.
var Frequencies = []Frequency{
	FrequencyManual,
	FrequencyAlways,
	FrequencyDaily,
	FrequencyWeekly,
	FrequencyBiweekly,
	FrequencyMonthly,
}

// Valid reports whether f is one of Frequencies.
func (f Frequency) Valid() bool {
	for _, known := range Frequencies {
		if f == known {
			return true
		}
	}
	return false
}

// Source is a configured remote catalog endpoint.
//
// Config holds the raw JSON blob interpreted by the harvester named by Type;
// it is checked by that harvester's ValidateConfig before it is stored.
type Source struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	URL         string     `gorm:"type:text;not null;index" json:"url"`
	Title       string     `gorm:"type:text" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Type        string     `gorm:"type:text;not null" json:"type"`
	Config      string     `gorm:"type:text" json:"config"`
	Active      bool       `gorm:"not null" json:"active"`
	UserID      string     `gorm:"type:text" json:"user_id,omitempty"`
	PublisherID string     `gorm:"type:text;index" json:"publisher_id,omitempty"`
	Frequency   Frequency  `gorm:"type:text;not null" json:"frequency"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	CreatedAt   time.Time  `json:"created"`
	UpdatedAt   time.Time  `json:"updated"`
}

// TableName returns the database table name for Source.
func (Source) TableName() string {
	return "harvest_source"
}

// BaseURL returns the source URL without trailing slashes.
func (s *Source) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(s.URL), "/")
}
