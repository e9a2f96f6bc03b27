package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester/staging"
	"github.com/timmy/harvest/internal/segment"
)

// harvestStaged runs one complete harvest of a staging source holding n
// datasets and returns the source.
func harvestStaged(t *testing.T, e *env, name string, n int) *domain.Source {
	t.Helper()
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"id": "%s-%02d", "title": "%s dataset %d", "modified": "2024-01-01"}`, name, i, name, i)
	}
	e.writeManifest(t, name, lines...)
	src := e.stores.SeedSource(t, staging.Name, name, "")
	_, err := e.jobs.CreateJob(context.Background(), src.ID, true)
	require.NoError(t, err)
	e.drain(t)
	return src
}

func TestReimportBySource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	src := harvestStaged(t, e, "trees", 5)
	harvestStaged(t, e, "bins", 3)

	stats, err := e.reimport.Import(ctx, ReimportOptions{SourceID: src.ID})
	require.NoError(t, err)
	assert.Equal(t, &ReimportStats{Total: 5, Attempted: 5, Imported: 5}, stats)

	stats, err = e.reimport.Import(ctx, ReimportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Total)
	assert.Equal(t, 8, stats.Imported)

	// still exactly one current object per guid
	n, err := e.stores.Objects.CountCurrent(ctx, "trees-00")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReimportSegments(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	src := harvestStaged(t, e, "lamps", 40)

	current, err := e.stores.Objects.ListCurrentBySource(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, current, 40)

	mask, err := segment.ParseMask("15af")
	require.NoError(t, err)
	want := 0
	for _, o := range current {
		if mask.Contains(o.ID) {
			want++
		}
	}

	stats, err := e.reimport.Import(ctx, ReimportOptions{SourceID: src.ID, Segments: "15af"})
	require.NoError(t, err)
	assert.Equal(t, 40, stats.Total)
	assert.Equal(t, want, stats.Attempted)
	assert.Equal(t, want, stats.Imported)
}

func TestReimportByGUIDSegments(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	harvestStaged(t, e, "wells", 2)

	obj, err := e.stores.Objects.GetCurrentByGUID(ctx, "wells-00")
	require.NoError(t, err)
	in := string(segment.Of(obj.ID))

	stats, err := e.reimport.Import(ctx, ReimportOptions{GUID: "wells-00", Segments: in})
	require.NoError(t, err)
	assert.Equal(t, &ReimportStats{Total: 1, Attempted: 1, Imported: 1}, stats)

	out := "0"
	if in == "0" {
		out = "1"
	}
	stats, err = e.reimport.Import(ctx, ReimportOptions{GUID: "wells-00", Segments: out})
	require.NoError(t, err)
	assert.Equal(t, &ReimportStats{Total: 1}, stats)
}

func TestReimportByObjectAndPackage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	harvestStaged(t, e, "ponds", 2)

	obj, err := e.stores.Objects.GetCurrentByGUID(ctx, "ponds-01")
	require.NoError(t, err)

	stats, err := e.reimport.Import(ctx, ReimportOptions{ObjectID: obj.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)

	stats, err = e.reimport.Import(ctx, ReimportOptions{PackageID: "ponds-dataset-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)

	stats, err = e.reimport.Import(ctx, ReimportOptions{PackageID: obj.PackageRef()})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)
}

func TestReimportRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)

	_, err := e.reimport.Import(ctx, ReimportOptions{SourceID: "a", GUID: "b"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = e.reimport.Import(ctx, ReimportOptions{Segments: "xyz"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = e.reimport.Import(ctx, ReimportOptions{SourceID: "missing"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = e.reimport.Import(ctx, ReimportOptions{ObjectID: "missing"})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	inactive := e.stores.SeedSource(t, staging.Name, "closed", "")
	inactive.Active = false
	require.NoError(t, e.stores.Sources.Save(ctx, inactive))
	_, err = e.reimport.Import(ctx, ReimportOptions{SourceID: inactive.ID})
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestReimportSkipsDeletedPackages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	src := harvestStaged(t, e, "mines", 1)

	obj, err := e.stores.Objects.GetCurrentByGUID(ctx, "mines-00")
	require.NoError(t, err)
	require.NotEmpty(t, obj.PackageRef())
	require.NoError(t, e.stores.Catalog.DeletePackage(ctx, obj.PackageRef()))

	stats, err := e.reimport.Import(ctx, ReimportOptions{SourceID: src.ID})
	require.NoError(t, err)
	assert.Equal(t, &ReimportStats{}, stats)

	stats, err = e.reimport.Import(ctx, ReimportOptions{GUID: "mines-00"})
	require.NoError(t, err)
	assert.Equal(t, &ReimportStats{}, stats)

	pkg, err := e.stores.Catalog.GetPackage(ctx, obj.PackageRef())
	require.NoError(t, err)
	assert.Equal(t, domain.PackageStateDeleted, pkg.State)

	// a raw object id still reaches it
	stats, err = e.reimport.Import(ctx, ReimportOptions{ObjectID: obj.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}
