package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/harvester/staging"
	"github.com/timmy/harvest/internal/lock"
	"github.com/timmy/harvest/internal/queue"
	"github.com/timmy/harvest/internal/storage"
	"github.com/timmy/harvest/internal/testutil"
)

// stubHarvester gathers a fixed list of guids. The guid decides what the
// later stages do with an object.
type stubHarvester struct {
	harvester.Base
	guids []string
}

func (h *stubHarvester) Info() harvester.Info {
	return harvester.Info{Name: "stub", Title: "Stub"}
}

func (h *stubHarvester) ValidateConfig(ctx context.Context, raw string) (string, error) {
	return raw, nil
}

func (h *stubHarvester) GatherStage(ctx context.Context, job *domain.Job) ([]string, error) {
	var ids []string
	for _, guid := range h.guids {
		obj, err := h.CreateObject(ctx, job, guid, nil)
		if err != nil {
			return ids, err
		}
		ids = append(ids, obj.ID)
	}
	return ids, nil
}

func (h *stubHarvester) FetchStage(ctx context.Context, obj *domain.HarvestObject) (harvester.FetchResult, error) {
	switch obj.GUID {
	case "fetch-panic":
		panic("remote exploded")
	case "fetch-error":
		return harvester.FetchFailed, context.DeadlineExceeded
	case "fetch-failed":
		h.SaveObjectError(ctx, obj, domain.StageFetch, "Unable to get content")
		return harvester.FetchFailed, nil
	case "unchanged":
		return harvester.FetchUnchanged, nil
	}
	content := `{"guid": "` + obj.GUID + `"}`
	obj.Content = &content
	if err := h.Objects.Save(ctx, obj); err != nil {
		return harvester.FetchFailed, err
	}
	return harvester.FetchOK, nil
}

func (h *stubHarvester) ImportStage(ctx context.Context, obj *domain.HarvestObject) (bool, error) {
	switch obj.GUID {
	case "import-panic":
		panic("nil map")
	case "import-rejected":
		h.SaveObjectError(ctx, obj, domain.StageImport, "Rejected")
		return false, nil
	}
	return true, h.Objects.TransferCurrent(ctx, obj, "", h.Now())
}

type env struct {
	stores     *testutil.Stores
	broker     *queue.Memory
	publisher  *queue.Publisher
	store      *storage.MemoryStorage
	dispatcher *Dispatcher
	jobs       *JobService
	sources    *SourceService
	objects    *ObjectService
	reimport   *ReimportService
	stub       *stubHarvester
	stagingDir string
}

func newEnv(t *testing.T, deferred bool) *env {
	t.Helper()
	stores := testutil.NewStores(t)
	deps := harvester.Deps{
		Sources: stores.Sources,
		Jobs:    stores.Jobs,
		Objects: stores.Objects,
		Catalog: stores.Catalog,
	}
	stagingDir := t.TempDir()
	stub := &stubHarvester{Base: harvester.NewBase(deps, "stub")}
	registry, err := harvester.NewRegistry(staging.New(deps, stagingDir), stub)
	require.NoError(t, err)

	broker := queue.NewMemory()
	publisher := queue.NewPublisher(broker, &config.QueueConfig{
		GatherQueue: "gather",
		FetchQueue:  "fetch",
	})
	store := storage.NewMemoryStorage()
	archive := storage.NewArchive(store, "objects")
	dispatcher := NewDispatcher(stores.Sources, stores.Jobs, stores.Objects, registry, publisher,
		archive, DispatcherConfig{DeferredImport: deferred})

	return &env{
		stores:     stores,
		broker:     broker,
		publisher:  publisher,
		store:      store,
		dispatcher: dispatcher,
		jobs:       NewJobService(stores.Sources, stores.Jobs, publisher, lock.NewMemory(), dispatcher),
		sources:    NewSourceService(stores.Sources, stores.Jobs, registry),
		objects:    NewObjectService(stores.Jobs, stores.Objects, stores.Catalog, archive),
		reimport:   NewReimportService(stores.Sources, stores.Objects, registry),
		stub:       stub,
		stagingDir: stagingDir,
	}
}

// drain runs the queued gather messages, then the fetch messages they
// produced.
func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	e.broker.Drain(ctx, "gather", e.dispatcher.HandleGather)
	e.broker.Drain(ctx, "fetch", e.dispatcher.HandleFetch)
}

func (e *env) writeManifest(t *testing.T, name string, lines ...string) {
	t.Helper()
	dir := filepath.Join(e.stagingDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, staging.ManifestFileName), []byte(data), 0o644))
}

func (e *env) objectsByGUID(t *testing.T, jobID string) map[string]domain.HarvestObject {
	t.Helper()
	objs, err := e.stores.Objects.ListByJob(context.Background(), jobID, "")
	require.NoError(t, err)
	out := make(map[string]domain.HarvestObject, len(objs))
	for _, o := range objs {
		out[o.GUID] = o
	}
	return out
}
