package harvester

import (
	"context"
	"fmt"

	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/merge"
)

// PackageDictError rejects a harvested record during conversion. The import
// records it as an object error and moves on.
type PackageDictError struct {
	Msg string
}

func (e *PackageDictError) Error() string { return e.Msg }

// NewPackageDictError formats a PackageDictError.
func NewPackageDictError(format string, args ...interface{}) *PackageDictError {
	return &PackageDictError{Msg: fmt.Sprintf(format, args...)}
}

// PackageDictInput is what a harvester gets to build a package dictionary.
type PackageDictInput struct {
	Source   *domain.Source
	Object   *domain.HarvestObject
	Defaults merge.Record
	Existing *domain.Package

	// Config is the parsed source config. Converters may switch options
	// such as CleanTags on for the rest of the import.
	Config *domain.SourceConfig
}

// PackageDictFunc converts a fetched object into a package dictionary.
// A nil record with a nil error means there is nothing to import.
type PackageDictFunc func(ctx context.Context, in *PackageDictInput) (merge.Record, error)

// Import is the import stage shared by harvesters: it resolves the previous
// object, builds defaults, calls convert, and creates, updates or deletes
// the catalog package before making obj current.
//
// It returns false after recording an object error; the error return is
// reserved for ledger failures.
func (b *Base) Import(ctx context.Context, obj *domain.HarvestObject, cfg domain.SourceConfig, convert PackageDictFunc) (bool, error) {
	if obj == nil {
		logger.CtxError(ctx, "No harvest object received")
		return false, errors.Wrap(errors.ErrSystem, "import stage called without an object")
	}
	log := logger.FromContext(ctx).WithField(logger.FieldObjectID, obj.ID)
	log.Debug("Import stage for harvest object")

	status := obj.Status()
	if status == domain.StatusUnchanged && ForceImport(ctx) {
		status = domain.StatusChanged
	}
	if !status.Importable() {
		log.Errorf("Status is not set correctly: %q", status)
		b.SaveObjectError(ctx, obj, domain.StageImport, "System error")
		return false, nil
	}

	previous, err := b.Objects.GetCurrentByGUID(ctx, obj.GUID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return false, err
	}
	if previous != nil && previous.ID == obj.ID {
		// reimport of the current object
		previous = obj
	}

	if status == domain.StatusDeleted {
		return b.importDeleted(ctx, obj, previous)
	}

	if obj.Content == nil || *obj.Content == "" {
		b.SaveObjectError(ctx, obj, domain.StageImport, "Empty content for object %s", obj.ID)
		return false, nil
	}

	source, err := b.LoadSource(ctx, obj.SourceID)
	if err != nil {
		return false, err
	}

	var existing *domain.Package
	if previous != nil && previous.PackageRef() != "" {
		existing, err = b.Catalog.GetPackage(ctx, previous.PackageRef())
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return false, err
		}
	}

	defaults := merge.BuildDefaults(merge.DefaultsInput{
		Source:               source,
		JobID:                obj.JobID,
		Object:               obj,
		Previous:             previous,
		Existing:             existing,
		Config:               cfg,
		HarvesterType:        b.Type,
		Now:                  b.Now(),
		ExtrasNotOverwritten: b.ExtrasNotOverwritten,
	})

	// The stored status may be stale: a reimport of an object first
	// imported as new, or a first import that failed half way.
	if existing != nil {
		status = domain.StatusChanged
	} else {
		status = domain.StatusNew
	}
	if obj.Status() != status {
		if err := b.Objects.SetReportStatus(ctx, obj.ID, status); err != nil {
			return false, err
		}
		obj.SetExtra(domain.ExtraStatus, string(status))
		obj.ReportStatus = string(status)
	}

	in := &PackageDictInput{
		Source:   source,
		Object:   obj,
		Defaults: defaults,
		Existing: existing,
		Config:   &cfg,
	}
	rec, err := convert(ctx, in)
	if err != nil {
		var pde *PackageDictError
		if errors.As(err, &pde) {
			b.SaveObjectError(ctx, obj, domain.StageImport, "Error converting to dataset: %s", pde.Msg)
			return false, nil
		}
		log.WithError(err).Error("Harvest error building package dict")
		b.SaveObjectError(ctx, obj, domain.StageImport, "System error")
		return false, nil
	}
	if rec == nil {
		// nothing to import; not an error, and obj does not become current
		return true, nil
	}

	if cfg.CleanTags {
		rec["tags"] = cleanTags(rec["tags"])
	}
	if status == domain.StatusChanged {
		matchResources(rec, existing)
	}

	pkg, err := packageFromRecord(rec)
	if err != nil {
		b.SaveObjectError(ctx, obj, domain.StageImport, "Validation Error: %s", err)
		return false, nil
	}
	pkg.MetadataModified = obj.MetadataModifiedDate

	switch status {
	case domain.StatusNew:
		if pkg.ID == "" {
			pkg.ID = defaults["id"].(string)
		}
		if cfg.PrivateDatasets {
			pkg.Private = true
		}
		if err := b.Catalog.CreatePackage(ctx, pkg); err != nil {
			if errors.Is(err, errors.ErrAlreadyExists) {
				b.SaveObjectError(ctx, obj, domain.StageImport, "Validation Error: name %s is already in use", pkg.Name)
				return false, nil
			}
			return false, err
		}
		log.Infof("Created new package name=%s id=%s guid=%s", pkg.Name, pkg.ID, obj.GUID)
	default:
		pkg.ID = existing.ID
		pkg.CreatedAt = existing.CreatedAt
		if err := b.Catalog.UpdatePackage(ctx, pkg); err != nil {
			if errors.Is(err, errors.ErrAlreadyExists) {
				b.SaveObjectError(ctx, obj, domain.StageImport, "Validation Error: name %s is already in use", pkg.Name)
				return false, nil
			}
			return false, err
		}
		log.Infof("Updated package name=%s id=%s guid=%s", pkg.Name, pkg.ID, obj.GUID)
	}

	if err := b.Objects.TransferCurrent(ctx, obj, pkg.ID, b.Now()); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Base) importDeleted(ctx context.Context, obj *domain.HarvestObject, previous *domain.HarvestObject) (bool, error) {
	pkgID := obj.PackageRef()
	if pkgID == "" && previous != nil {
		pkgID = previous.PackageRef()
	}
	if pkgID != "" {
		if err := b.Catalog.DeletePackage(ctx, pkgID); err != nil {
			return false, err
		}
	}
	logger.CtxInfo(ctx, "Deleted package %s with guid %s", pkgID, obj.GUID)
	if err := b.Objects.TransferCurrent(ctx, obj, pkgID, b.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureName fills rec["name"] from the harvested name, the existing
// package's name or the title, and makes sure no other package uses it.
func (b *Base) EnsureName(ctx context.Context, rec merge.Record, harvestedName string, existing *domain.Package) error {
	name := harvestedName
	switch {
	case name != "":
	case existing != nil:
		name = existing.Name
	default:
		title, _ := rec["title"].(string)
		name = merge.MungeTitleToName(title)
	}

	packageID, _ := rec["id"].(string)
	existingName := ""
	if existing != nil {
		existingName = existing.Name
		packageID = existing.ID
	}
	unique, err := merge.UniqueName(ctx, b.Catalog, name, packageID, existingName)
	if err != nil {
		return err
	}
	rec["name"] = unique
	return nil
}
