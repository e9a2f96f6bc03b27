package repository

import (
	"context"

	"github.com/timmy/harvest/internal/domain"
	"gorm.io/gorm"
)

// CatalogRepository is the local dataset store the import stage writes to.
type CatalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// GetPackage looks a package up by id or name.
func (r *CatalogRepository) GetPackage(ctx context.Context, idOrName string) (*domain.Package, error) {
	var pkg domain.Package
	err := r.db.WithContext(ctx).
		Where("id = ? OR name = ?", idOrName, idOrName).
		First(&pkg).Error
	if err != nil {
		return nil, translate(err, "package %s", idOrName)
	}
	return &pkg, nil
}

// CreatePackage inserts a package. A name clash wraps ErrAlreadyExists.
func (r *CatalogRepository) CreatePackage(ctx context.Context, pkg *domain.Package) error {
	return translate(r.db.WithContext(ctx).Create(pkg).Error, "package %s", pkg.Name)
}

// UpdatePackage overwrites a package.
func (r *CatalogRepository) UpdatePackage(ctx context.Context, pkg *domain.Package) error {
	return translate(r.db.WithContext(ctx).Save(pkg).Error, "package %s", pkg.Name)
}

// DeletePackage marks a package deleted. Missing packages are ignored.
func (r *CatalogRepository) DeletePackage(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Package{}).
		Where("id = ?", id).
		Update("state", domain.PackageStateDeleted).Error
}

// NameTaken reports whether another package already uses name.
func (r *CatalogRepository) NameTaken(ctx context.Context, name, exceptID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.Package{}).
		Where("name = ? AND id <> ?", name, exceptID).
		Count(&n).Error
	return n > 0, err
}

// GetOrganization looks an organization up by id or name.
func (r *CatalogRepository) GetOrganization(ctx context.Context, idOrName string) (*domain.Organization, error) {
	var org domain.Organization
	err := r.db.WithContext(ctx).
		Where("id = ? OR name = ?", idOrName, idOrName).
		First(&org).Error
	if err != nil {
		return nil, translate(err, "organization %s", idOrName)
	}
	return &org, nil
}

// CreateOrganization inserts an organization.
func (r *CatalogRepository) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	return translate(r.db.WithContext(ctx).Create(org).Error, "organization %s", org.Name)
}

// GetGroup looks a group up by id or name.
func (r *CatalogRepository) GetGroup(ctx context.Context, idOrName string) (*domain.Group, error) {
	var group domain.Group
	err := r.db.WithContext(ctx).
		Where("id = ? OR name = ?", idOrName, idOrName).
		First(&group).Error
	if err != nil {
		return nil, translate(err, "group %s", idOrName)
	}
	return &group, nil
}

// CreateGroup inserts a group.
func (r *CatalogRepository) CreateGroup(ctx context.Context, group *domain.Group) error {
	return translate(r.db.WithContext(ctx).Create(group).Error, "group %s", group.Name)
}
