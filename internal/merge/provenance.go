package merge

import (
	"encoding/json"
	"time"

	"github.com/timmy/harvest/internal/domain"
)

// ProvenanceInput describes the harvest activity appended to a chain.
type ProvenanceInput struct {
	Source        *domain.Source
	Object        *domain.HarvestObject
	HarvesterType string
	Now           time.Time
}

// Activity is one entry of a metadata_provenance chain.
type Activity struct {
	Activity                  string `json:"activity"`
	ActivityOccurred          string `json:"activity_occurred"`
	HarvestSourceURL          string `json:"harvest_source_url"`
	HarvestSourceTitle        string `json:"harvest_source_title,omitempty"`
	HarvestSourceType         string `json:"harvest_source_type"`
	HarvesterName             string `json:"harvester_name,omitempty"`
	HarvestedGUID             string `json:"harvested_guid"`
	HarvestedMetadataModified string `json:"harvested_metadata_modified,omitempty"`
}

// Provenance returns the JSON provenance chain for a harvested record: the
// entries found in harvested (a JSON list, as stored by an upstream
// catalog), followed by this harvest. A harvested chain that cannot be
// parsed is dropped.
func Provenance(in ProvenanceInput, harvested string) string {
	var chain []json.RawMessage
	if harvested != "" {
		if err := json.Unmarshal([]byte(harvested), &chain); err != nil {
			chain = nil
		}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	activity := Activity{
		Activity:           "harvest",
		ActivityOccurred:   now.UTC().Format(time.RFC3339),
		HarvestSourceURL:   in.Source.BaseURL(),
		HarvestSourceTitle: in.Source.Title,
		HarvestSourceType:  in.Source.Type,
		HarvesterName:      in.HarvesterType,
		HarvestedGUID:      in.Object.GUID,
	}
	if in.Object.MetadataModifiedDate != nil {
		activity.HarvestedMetadataModified = in.Object.MetadataModifiedDate.UTC().Format(time.RFC3339Nano)
	}
	entry, _ := json.Marshal(activity)
	chain = append(chain, entry)

	out, _ := json.Marshal(chain)
	return string(out)
}

// ParseProvenance decodes a provenance chain.
func ParseProvenance(raw string) ([]Activity, error) {
	var chain []Activity
	if err := json.Unmarshal([]byte(raw), &chain); err != nil {
		return nil, err
	}
	return chain, nil
}
