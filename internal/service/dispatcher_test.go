package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/harvester/staging"
	"github.com/timmy/harvest/internal/storage"
)

func TestPipeline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	e.writeManifest(t, "parks",
		`{"id": "p1", "title": "Park Benches", "modified": "2024-03-01T00:00:00Z", "tags": ["parks"]}`,
		`{"id": "p2", "title": "Park Toilets", "modified": "2024-03-02T00:00:00Z"}`,
	)
	src := e.stores.SeedSource(t, staging.Name, "parks", "")

	job, err := e.jobs.CreateJob(ctx, src.ID, false)
	require.NoError(t, err)
	sent, err := e.jobs.RunJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, job.ID, sent[0].ID)

	e.drain(t)

	objs := e.objectsByGUID(t, job.ID)
	require.Len(t, objs, 2)
	for guid, o := range objs {
		assert.Equal(t, domain.ObjectStateComplete, o.State, guid)
		assert.True(t, o.Current, guid)
		assert.Equal(t, string(domain.StatusNew), o.ReportStatus, guid)
	}
	pkg, err := e.stores.Catalog.GetPackage(ctx, "park-benches")
	require.NoError(t, err)
	assert.Equal(t, []string{"parks"}, []string(pkg.Tags))

	// fetched payloads are archived
	assert.Equal(t, 2, e.store.Len())
	full, err := e.stores.Objects.GetByID(ctx, objs["p1"].ID)
	require.NoError(t, err)
	key, ok := full.Extra(storage.ArchiveKeyExtra)
	require.True(t, ok)
	assert.Contains(t, key, job.ID)
	shown, err := e.objects.Get(ctx, full.ID)
	require.NoError(t, err)
	assert.Equal(t, "memory://"+key, shown.ArchiveURL)

	// settled on the next run
	_, err = e.jobs.RunJobs(ctx, "")
	require.NoError(t, err)
	got, err := e.stores.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
	assert.NotNil(t, got.FinishedAt)

	// a second harvest of the same manifest changes nothing
	job2, err := e.jobs.CreateJob(ctx, src.ID, true)
	require.NoError(t, err)
	e.drain(t)
	for guid, o := range e.objectsByGUID(t, job2.ID) {
		assert.Equal(t, string(domain.StatusUnchanged), o.ReportStatus, guid)
		assert.Equal(t, domain.ObjectStateComplete, o.State, guid)
		assert.False(t, o.Current, guid)
	}
	n, err := e.stores.Objects.CountCurrent(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeferredImport(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	e.writeManifest(t, "roads", `{"id": "r1", "title": "Road Works", "modified": "2024-03-01"}`)
	src := e.stores.SeedSource(t, staging.Name, "roads", "")

	job, err := e.jobs.CreateJob(ctx, src.ID, true)
	require.NoError(t, err)
	e.drain(t)

	obj := e.objectsByGUID(t, job.ID)["r1"]
	assert.Equal(t, domain.ObjectStateImport, obj.State)
	_, err = e.stores.Catalog.GetPackage(ctx, "road-works")
	assert.Error(t, err)

	_, err = e.jobs.RunJobs(ctx, "")
	require.NoError(t, err)

	obj = e.objectsByGUID(t, job.ID)["r1"]
	assert.Equal(t, domain.ObjectStateComplete, obj.State)
	assert.True(t, obj.Current)
	_, err = e.stores.Catalog.GetPackage(ctx, "road-works")
	require.NoError(t, err)
	got, err := e.stores.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
}

func TestFailureIsolation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	e.stub.guids = []string{"fetch-panic", "fetch-error", "fetch-failed", "ok", "unchanged", "import-panic", "import-rejected", "ok-2"}
	src := e.stores.SeedSource(t, "stub", "http://example.com/a", "")

	job, err := e.jobs.CreateJob(ctx, src.ID, true)
	require.NoError(t, err)
	e.drain(t)

	want := map[string]domain.ObjectState{
		"fetch-panic":     domain.ObjectStateError,
		"fetch-error":     domain.ObjectStateError,
		"fetch-failed":    domain.ObjectStateError,
		"ok":              domain.ObjectStateComplete,
		"unchanged":       domain.ObjectStateComplete,
		"import-panic":    domain.ObjectStateError,
		"import-rejected": domain.ObjectStateError,
		"ok-2":            domain.ObjectStateComplete,
	}
	objs := e.objectsByGUID(t, job.ID)
	require.Len(t, objs, len(want))
	for guid, state := range want {
		assert.Equal(t, state, objs[guid].State, guid)
	}

	for _, guid := range []string{"fetch-panic", "fetch-error", "import-panic"} {
		full, err := e.stores.Objects.GetByID(ctx, objs[guid].ID)
		require.NoError(t, err)
		require.Len(t, full.Errors, 1, guid)
		assert.Contains(t, full.Errors[0].Message, "System error", guid)
	}

	_, err = e.jobs.RunJobs(ctx, "")
	require.NoError(t, err)
	got, err := e.stores.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
}

func TestGatherWithoutHarvester(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	src := e.stores.SeedSource(t, "missing-type", "http://example.com/a", "")

	job, err := e.jobs.CreateJob(ctx, src.ID, true)
	require.NoError(t, err)
	e.drain(t)

	got, err := e.stores.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.GatherErrors, 1)
	assert.Contains(t, got.GatherErrors[0].Message, "System error")
	assert.NotNil(t, got.GatherFinishedAt)

	_, err = e.jobs.RunJobs(ctx, "")
	require.NoError(t, err)
	got, err = e.stores.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
}

func TestHandlersSkipStaleMessages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	e.stub.guids = []string{"ok"}
	src := e.stores.SeedSource(t, "stub", "http://example.com/a", "")

	assert.NoError(t, e.dispatcher.HandleGather(ctx, []byte("not json")))
	assert.NoError(t, e.dispatcher.HandleFetch(ctx, []byte(`{}`)))
	assert.NoError(t, e.dispatcher.Gather(ctx, "missing"))

	// New jobs are not gathered
	job, err := e.jobs.CreateJob(ctx, src.ID, false)
	require.NoError(t, err)
	require.NoError(t, e.dispatcher.Gather(ctx, job.ID))
	assert.Zero(t, e.broker.Len("fetch"))

	_, err = e.jobs.RunJobs(ctx, src.ID)
	require.NoError(t, err)
	require.NoError(t, e.dispatcher.Gather(ctx, job.ID))
	// a duplicated gather message does not gather twice
	require.NoError(t, e.dispatcher.Gather(ctx, job.ID))
	assert.Equal(t, 1, e.broker.Len("fetch"))

	objs := e.objectsByGUID(t, job.ID)
	require.Len(t, objs, 1)
	id := objs["ok"].ID
	require.NoError(t, e.dispatcher.Fetch(ctx, id))
	require.NoError(t, e.dispatcher.Fetch(ctx, id))

	full, err := e.stores.Objects.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectStateComplete, full.State)
	assert.Empty(t, full.Errors)
}

func TestResubmitStuck(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	e.stub.guids = []string{"a", "b"}
	src := e.stores.SeedSource(t, "stub", "http://example.com/a", "")

	job, err := e.jobs.CreateJob(ctx, src.ID, true)
	require.NoError(t, err)

	jobs, objs, err := e.dispatcher.ResubmitStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, jobs)
	assert.Zero(t, objs)

	// the gather message was lost
	e.broker.Drain(ctx, "gather", func(context.Context, []byte) error { return nil })
	e.dispatcher.now = func() time.Time { return time.Now().UTC().Add(3 * time.Hour) }
	jobs, _, err = e.dispatcher.ResubmitStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, jobs)
	assert.Equal(t, 1, e.broker.Len("gather"))

	// the fetch messages were lost
	e.broker.Drain(ctx, "gather", e.dispatcher.HandleGather)
	e.broker.Drain(ctx, "fetch", func(context.Context, []byte) error { return nil })
	e.dispatcher.now = func() time.Time { return time.Now().UTC().Add(6 * time.Hour) }
	jobs, objs, err = e.dispatcher.ResubmitStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, jobs)
	assert.Equal(t, 2, objs)

	// resubmitting twice only duplicates messages
	_, _, err = e.dispatcher.ResubmitStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, e.broker.Len("fetch"))
	e.broker.Drain(ctx, "fetch", e.dispatcher.HandleFetch)

	for guid, o := range e.objectsByGUID(t, job.ID) {
		assert.Equal(t, domain.ObjectStateComplete, o.State, guid)
	}
}

func TestRunJobsRecoversCrashedImport(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	e.stub.guids = []string{"a"}
	src := e.stores.SeedSource(t, "stub", "http://example.com/a", "")

	job, err := e.jobs.CreateJob(ctx, src.ID, true)
	require.NoError(t, err)
	e.broker.Drain(ctx, "gather", e.dispatcher.HandleGather)

	// the fetch worker died between fetching and importing
	e.broker.Drain(ctx, "fetch", func(context.Context, []byte) error { return nil })
	obj := e.objectsByGUID(t, job.ID)["a"]
	require.NoError(t, e.stores.Objects.SetState(ctx, obj.ID, domain.ObjectStateImport, time.Now().UTC()))

	// a fresh import still belongs to its fetch worker
	_, err = e.jobs.RunJobs(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectStateImport, e.objectsByGUID(t, job.ID)["a"].State)

	e.dispatcher.now = func() time.Time { return time.Now().UTC().Add(3 * time.Hour) }
	_, err = e.jobs.RunJobs(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, e.broker.Len("fetch"))

	got := e.objectsByGUID(t, job.ID)["a"]
	assert.Equal(t, domain.ObjectStateComplete, got.State)
	assert.True(t, got.Current)

	finished, err := e.stores.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, finished.Status)
}
