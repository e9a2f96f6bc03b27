package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/testutil"
)

func writeManifest(t *testing.T, dir string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(data), 0o644))
}

func setup(t *testing.T, config string) (*testutil.Stores, *Harvester, *domain.Source, string) {
	base := t.TempDir()
	stores := testutil.NewStores(t)
	h := New(harvester.Deps{
		Sources: stores.Sources,
		Jobs:    stores.Jobs,
		Objects: stores.Objects,
		Catalog: stores.Catalog,
	}, base)
	src := stores.SeedSource(t, Name, "council", config)
	return stores, h, src, filepath.Join(base, "council")
}

func run(t *testing.T, stores *testutil.Stores, h *Harvester, src *domain.Source) (*domain.Job, map[string]harvester.FetchResult) {
	t.Helper()
	ctx := context.Background()
	job := stores.SeedJob(t, src)
	ids, err := h.GatherStage(ctx, job)
	require.NoError(t, err)
	results := map[string]harvester.FetchResult{}
	for _, id := range ids {
		obj, err := stores.Objects.GetByID(ctx, id)
		require.NoError(t, err)
		res, err := h.FetchStage(ctx, obj)
		require.NoError(t, err)
		results[obj.GUID] = res
		if res == harvester.FetchOK {
			_, err := h.ImportStage(ctx, obj)
			require.NoError(t, err)
		}
	}
	stores.AbortJob(t, job)
	return job, results
}

func TestStagingHarvest(t *testing.T) {
	ctx := context.Background()
	stores, h, src, dir := setup(t, `{"default_extras": {"origin": "{harvest_source_title}"}}`)

	writeManifest(t, dir,
		`{"id": "b", "title": "Bus Stops", "modified": "2024-01-02T00:00:00Z", "tags": ["transport"], "extras": {"rows": 12}}`,
		`not json`,
		`{"id": "a", "title": "Allotments", "modified": "2024-01-01T00:00:00Z"}`,
	)
	job, results := run(t, stores, h, src)
	assert.Equal(t, map[string]harvester.FetchResult{"a": harvester.FetchOK, "b": harvester.FetchOK}, results)

	got, err := stores.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.GatherErrors, 1)
	assert.Equal(t, "Skipping malformed manifest line 2", got.GatherErrors[0].Message)

	pkg, err := stores.Catalog.GetPackage(ctx, "bus-stops")
	require.NoError(t, err)
	assert.Equal(t, []string{"transport"}, []string(pkg.Tags))
	assert.Equal(t, "12", pkg.Extras["rows"])
	assert.Equal(t, "Test source", pkg.Extras["origin"])

	// b changes, a is removed
	writeManifest(t, dir,
		`{"id": "b", "title": "Bus Stops 2024", "modified": "2024-02-01T00:00:00Z"}`,
	)
	_, results = run(t, stores, h, src)
	assert.Equal(t, map[string]harvester.FetchResult{"a": harvester.FetchOK, "b": harvester.FetchOK}, results)

	pkg, err = stores.Catalog.GetPackage(ctx, "bus-stops")
	require.NoError(t, err)
	assert.Equal(t, "Bus Stops 2024", pkg.Title)
	gone, err := stores.Catalog.GetPackage(ctx, "allotments")
	require.NoError(t, err)
	assert.Equal(t, domain.PackageStateDeleted, gone.State)

	// nothing changed
	_, results = run(t, stores, h, src)
	assert.Equal(t, map[string]harvester.FetchResult{"b": harvester.FetchUnchanged}, results)
}

func TestStagingErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing manifest", func(t *testing.T) {
		stores, h, src, _ := setup(t, "")
		job, results := run(t, stores, h, src)
		assert.Empty(t, results)
		got, err := stores.Jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, got.GatherErrors, 1)
		assert.Contains(t, got.GatherErrors[0].Message, "manifest file not found")
	})

	t.Run("bad date and missing title", func(t *testing.T) {
		stores, h, src, dir := setup(t, "")
		writeManifest(t, dir,
			`{"id": "x", "title": "X", "modified": "last week"}`,
			`{"id": "y", "modified": "2024-01-01"}`,
		)
		job, results := run(t, stores, h, src)
		assert.Equal(t, harvester.FetchFailed, results["x"])
		assert.Equal(t, harvester.FetchOK, results["y"])

		objs, err := stores.Objects.ListByJob(ctx, job.ID, "")
		require.NoError(t, err)
		for _, o := range objs {
			full, err := stores.Objects.GetByID(ctx, o.ID)
			require.NoError(t, err)
			require.Len(t, full.Errors, 1, o.GUID)
			switch o.GUID {
			case "x":
				assert.Contains(t, full.Errors[0].Message, "did not parse")
			case "y":
				assert.Equal(t, "Error converting to dataset: dataset y has no title", full.Errors[0].Message)
			}
		}
	})
}

func TestStagingValidateConfig(t *testing.T) {
	_, h, _, _ := setup(t, "")
	_, err := h.ValidateConfig(context.Background(), `{"default_tags": "x"}`)
	assert.True(t, errors.Is(err, errors.ErrConfig))
	raw, err := h.ValidateConfig(context.Background(), `{"private_datasets": true}`)
	require.NoError(t, err)
	assert.Equal(t, `{"private_datasets": true}`, raw)
}

func TestListStagingSources(t *testing.T) {
	base := t.TempDir()
	writeManifest(t, filepath.Join(base, "one"), `{"id": "1", "title": "t", "modified": "2024-01-01"}`)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "empty"), 0o755))

	got, err := ListStagingSources(base)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, got)

	got, err = ListStagingSources(filepath.Join(base, "missing"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
