package merge

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/harvest/internal/domain"
)

// ImportSourceMarker tags every harvested package in its import_source extra.
const ImportSourceMarker = "harvest"

// DefaultsInput is everything BuildDefaults looks at.
type DefaultsInput struct {
	Source   *domain.Source
	JobID    string
	Object   *domain.HarvestObject
	Previous *domain.HarvestObject // current object for the guid, if any
	Existing *domain.Package       // package of Previous, if it still exists
	Config   domain.SourceConfig

	// HarvesterType and Now feed the provenance activity.
	HarvesterType string
	Now           time.Time

	// ExtrasNotOverwritten lists extras whose existing value is kept.
	// It is combined with Config.ExtrasNotOverwritten.
	ExtrasNotOverwritten []string

	// NewID generates package ids for first imports. Defaults to uuid.
	NewID func() string
}

// BuildDefaults returns the base record a harvested package dictionary is
// merged into: identity, ownership, default tags, groups and extras, and the
// provenance extras.
func BuildDefaults(in DefaultsInput) Record {
	defaults := Record{}

	id := ""
	if in.Previous != nil {
		id = in.Previous.PackageRef()
	}
	if id == "" {
		newID := in.NewID
		if newID == nil {
			newID = func() string { return uuid.New().String() }
		}
		id = newID()
	}
	defaults["id"] = id

	if in.Existing != nil {
		defaults["name"] = in.Existing.Name
	}

	switch in.Config.RemoteOrgs {
	case domain.RemotePolicyOnlyLocal, domain.RemotePolicyCreate:
		if in.Existing != nil && in.Existing.OwnerOrg != "" {
			defaults["owner_org"] = in.Existing.OwnerOrg
		}
	default:
		defaults["owner_org"] = in.Source.PublisherID
	}

	defaults["tags"] = stringsToList(in.Config.DefaultTags)
	defaults["groups"] = stringsToList(in.Config.DefaultGroups)

	var metadataDate interface{}
	if in.Object.MetadataModifiedDate != nil {
		metadataDate = in.Object.MetadataModifiedDate.UTC().Format("2006-01-02")
	}
	extras := map[string]interface{}{
		"import_source":       ImportSourceMarker,
		"harvest_object_id":   in.Object.ID,
		"guid":                in.Object.GUID,
		"metadata-date":       metadataDate,
		"metadata_provenance": Provenance(ProvenanceInput{
			Source:        in.Source,
			Object:        in.Object,
			HarvesterType: in.HarvesterType,
			Now:           in.Now,
		}, ""),
	}

	if len(in.Config.DefaultExtras) > 0 {
		replacer := strings.NewReplacer(
			"{harvest_source_id}", in.Source.ID,
			"{harvest_source_url}", strings.Trim(in.Source.URL, "/"),
			"{harvest_source_title}", in.Source.Title,
			"{harvest_job_id}", in.JobID,
			"{harvest_object_id}", in.Object.ID,
			"{dataset_id}", id,
		)
		for key, value := range in.Config.DefaultExtras {
			if s, ok := value.(string); ok {
				value = replacer.Replace(s)
			}
			extras[key] = value
		}
	}

	if in.Existing != nil {
		for _, key := range append(append([]string{}, in.ExtrasNotOverwritten...), in.Config.ExtrasNotOverwritten...) {
			if v, ok := in.Existing.Extras[key]; ok {
				extras[key] = v
			}
		}
	}
	defaults["extras"] = extras

	return defaults
}

func stringsToList(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
