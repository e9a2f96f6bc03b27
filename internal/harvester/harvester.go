// Package harvester defines the contract a source type implements and the
// stage plumbing shared by every implementation.
package harvester

import (
	"context"

	"github.com/timmy/harvest/internal/domain"
)

// Info describes a harvester type.
type Info struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// FetchResult is the outcome of a fetch stage.
type FetchResult int

const (
	// FetchFailed means an object error was recorded.
	FetchFailed FetchResult = iota
	// FetchOK means content was stored and the object is ready to import.
	FetchOK
	// FetchUnchanged means the remote record did not change since the
	// current object was imported; the object is not imported.
	FetchUnchanged
)

func (r FetchResult) String() string {
	switch r {
	case FetchOK:
		return "ok"
	case FetchUnchanged:
		return "unchanged"
	default:
		return "failed"
	}
}

// Harvester is implemented once per source type.
//
// Stage failures that concern a single job or object are recorded as
// gather or object errors by the harvester itself and reported through the
// return value. A returned error means something unexpected broke; the
// caller records it as a system error.
type Harvester interface {
	// Info returns the type name used in Source.Type and a description.
	Info() Info

	// ValidateConfig checks a raw JSON config blob and returns the config
	// to store. Rejections wrap errors.ErrConfig.
	ValidateConfig(ctx context.Context, raw string) (string, error)

	// GatherStage lists the remote records of job's source, creates one
	// WAITING object per record and returns their ids.
	GatherStage(ctx context.Context, job *domain.Job) ([]string, error)

	// FetchStage retrieves and classifies one object.
	FetchStage(ctx context.Context, obj *domain.HarvestObject) (FetchResult, error)

	// ImportStage writes one fetched object into the local catalog.
	ImportStage(ctx context.Context, obj *domain.HarvestObject) (bool, error)
}

type forceImportKey struct{}

// WithForceImport marks ctx so ImportStage imports objects whose status is
// unchanged. Reimports use it.
func WithForceImport(ctx context.Context) context.Context {
	return context.WithValue(ctx, forceImportKey{}, true)
}

// ForceImport reports whether ctx was marked with WithForceImport.
func ForceImport(ctx context.Context) bool {
	v, _ := ctx.Value(forceImportKey{}).(bool)
	return v
}
