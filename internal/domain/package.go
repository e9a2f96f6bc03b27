package domain

import "time"

// PackageState values.
const (
	PackageStateActive  = "active"
	PackageStateDeleted = "deleted"
)

// Package is a dataset record in the local catalog, the target of the
// import stage.
type Package struct {
	ID               string     `gorm:"type:text;primaryKey" json:"id"`
	Name             string     `gorm:"type:text;not null;uniqueIndex" json:"name"`
	Title            string     `gorm:"type:text" json:"title"`
	Type             string     `gorm:"type:text" json:"type,omitempty"`
	OwnerOrg         string     `gorm:"type:text;index" json:"owner_org,omitempty"`
	State            string     `gorm:"type:text;not null;index" json:"state"`
	Private          bool       `gorm:"not null" json:"private"`
	Tags             StringList `gorm:"type:text" json:"tags"`
	Groups           StringList `gorm:"type:text" json:"groups"`
	Extras           JSONMap    `gorm:"type:text" json:"extras"`
	Data             JSONMap    `gorm:"type:text" json:"data"`
	MetadataModified *time.Time `json:"metadata_modified,omitempty"`
	CreatedAt        time.Time  `json:"metadata_created"`
	UpdatedAt        time.Time  `json:"updated"`
}

// TableName returns the database table name for Package.
func (Package) TableName() string {
	return "package"
}

// Organization owns packages and harvest sources.
type Organization struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	Name        string    `gorm:"type:text;not null;uniqueIndex" json:"name"`
	Title       string    `gorm:"type:text" json:"title"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created"`
}

// TableName returns the database table name for Organization.
func (Organization) TableName() string {
	return "organization"
}

// Group is a thematic collection of packages.
type Group struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	Name        string    `gorm:"type:text;not null;uniqueIndex" json:"name"`
	Title       string    `gorm:"type:text" json:"title"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created"`
}

// TableName returns the database table name for Group.
func (Group) TableName() string {
	return "catalog_group"
}
