// Package merge decides what happened to a remote record since it was last
// imported and builds the record to store from defaults and harvested data.
package merge

import (
	"time"

	"github.com/timmy/harvest/internal/domain"
)

// Classification is the outcome of comparing a fetched record against the
// current object for its guid.
type Classification struct {
	Status domain.RecordStatus

	// Backwards is set when the remote timestamp is older than the stored
	// one. The record is still treated as changed; callers record an
	// object error.
	Backwards bool
}

// Classify decides the status of a fetched record.
// Parameters:
//   - previous: the current object for the guid, or nil when there is none.
//   - fresh: metadata_modified reported by the remote catalog.
//   - forceAll: re-import records whose timestamp did not move.
// Returns:
//   - Classification: new, changed or unchanged, with the backwards flag.
func Classify(previous *domain.HarvestObject, fresh time.Time, forceAll bool) Classification {
	if previous == nil {
		return Classification{Status: domain.StatusNew}
	}
	return CompareTimestamps(previous.MetadataModifiedDate, fresh, forceAll)
}

// CompareTimestamps is Classify for a known previous object whose stored
// timestamp may be missing. A missing timestamp counts as changed.
func CompareTimestamps(previous *time.Time, fresh time.Time, forceAll bool) Classification {
	switch {
	case previous == nil:
		return Classification{Status: domain.StatusChanged}
	case fresh.Equal(*previous):
		if forceAll {
			return Classification{Status: domain.StatusChanged}
		}
		return Classification{Status: domain.StatusUnchanged}
	case fresh.Before(*previous):
		return Classification{Status: domain.StatusChanged, Backwards: true}
	default:
		return Classification{Status: domain.StatusChanged}
	}
}
