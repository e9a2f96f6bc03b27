// Package staging harvests datasets described in a local JSON Lines
// manifest. It runs the full pipeline without network access.
package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/merge"
)

const (
	// Name is the source type served by this harvester.
	Name = "staging"
	// ManifestFileName is the JSONL manifest file name in staging sources.
	ManifestFileName = "manifest.jsonl"
)

// ManifestItem is one line of manifest.jsonl.
type ManifestItem struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	Title     string                 `json:"title"`
	Notes     string                 `json:"notes,omitempty"`
	Modified  string                 `json:"modified"`
	Tags      []string               `json:"tags,omitempty"`
	Extras    map[string]interface{} `json:"extras,omitempty"`
	Resources []interface{}          `json:"resources,omitempty"`
}

// Harvester reads staging directories under a base path.
type Harvester struct {
	harvester.Base
	basePath string
}

// New creates a staging harvester.
// Parameters:
//   - deps: ledger and catalog stores.
//   - basePath: directory holding one sub-directory per staging source.
// Returns:
//   - *Harvester: harvester ready to register.
func New(deps harvester.Deps, basePath string) *Harvester {
	return &Harvester{
		Base:     harvester.NewBase(deps, Name),
		basePath: basePath,
	}
}

// Info implements harvester.Harvester.
func (h *Harvester) Info() harvester.Info {
	return harvester.Info{
		Name:        Name,
		Title:       "Staging",
		Description: "Harvests datasets listed in a local manifest.jsonl",
	}
}

// ValidateConfig implements harvester.Harvester.
func (h *Harvester) ValidateConfig(ctx context.Context, raw string) (string, error) {
	if _, err := parseConfig(raw); err != nil {
		return "", errors.Wrap(errors.ErrConfig, err.Error())
	}
	return raw, nil
}

func parseConfig(raw string) (*domain.SourceConfig, error) {
	cfg := &domain.SourceConfig{}
	if err := domain.DecodeConfig(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dir resolves a source URL to its staging directory. Absolute paths and
// file:// URLs are used as they are, anything else is a directory name
// under the base path.
func (h *Harvester) dir(source *domain.Source) string {
	u := strings.TrimPrefix(source.BaseURL(), "file://")
	if filepath.IsAbs(u) {
		return u
	}
	return filepath.Join(h.basePath, u)
}

// loadManifest reads every well-formed line of the manifest, sorted by id.
// Line numbers of malformed lines are returned alongside.
func loadManifest(dir string) ([]ManifestItem, []int, error) {
	manifestPath := filepath.Join(dir, ManifestFileName)
	file, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("manifest file not found: %s", manifestPath)
		}
		return nil, nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	var (
		items     []ManifestItem
		malformed []int
		line      int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var item ManifestItem
		if err := json.Unmarshal([]byte(text), &item); err != nil || item.ID == "" {
			malformed = append(malformed, line)
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("error reading manifest: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, malformed, nil
}

// GatherStage creates one object per manifest item and marks items that
// left the manifest deleted.
func (h *Harvester) GatherStage(ctx context.Context, job *domain.Job) ([]string, error) {
	source, err := h.LoadSource(ctx, job.SourceID)
	if err != nil {
		return nil, err
	}
	items, malformed, err := loadManifest(h.dir(source))
	if err != nil {
		h.SaveGatherError(ctx, job.ID, "%v", err)
		return nil, nil
	}
	for _, line := range malformed {
		h.SaveGatherError(ctx, job.ID, "Skipping malformed manifest line %d", line)
	}
	if len(items) == 0 {
		h.SaveGatherError(ctx, job.ID, "No datasets listed")
		return nil, nil
	}

	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		obj, err := h.CreateObject(ctx, job, item.ID, nil)
		if err != nil {
			return ids, err
		}
		ids = append(ids, obj.ID)
	}
	deleted, err := h.CreateDeletedObjects(ctx, job, seen)
	if err != nil {
		return ids, err
	}
	logger.CtxInfo(ctx, "Gathered %d staged datasets, %d deleted", len(ids), len(deleted))
	return append(ids, deleted...), nil
}

// FetchStage copies the manifest item into the object.
func (h *Harvester) FetchStage(ctx context.Context, obj *domain.HarvestObject) (harvester.FetchResult, error) {
	if obj.Status() == domain.StatusDeleted {
		return harvester.FetchOK, nil
	}
	source, err := h.LoadSource(ctx, obj.SourceID)
	if err != nil {
		return harvester.FetchFailed, err
	}
	cfg, err := parseConfig(source.Config)
	if err != nil {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "Invalid source config: %v", err)
		return harvester.FetchFailed, nil
	}
	dir := h.dir(source)
	items, _, err := loadManifest(dir)
	if err != nil {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "%v", err)
		return harvester.FetchFailed, nil
	}

	idx := sort.Search(len(items), func(i int) bool { return items[i].ID >= obj.GUID })
	if idx == len(items) || items[idx].ID != obj.GUID {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "Dataset %s is no longer in the manifest", obj.GUID)
		return harvester.FetchFailed, nil
	}
	item := items[idx]

	modified, err := harvester.ParseTimestamp(item.Modified)
	if err != nil {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "Modified date did not parse: %q", item.Modified)
		return harvester.FetchFailed, nil
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return harvester.FetchFailed, err
	}
	content := string(raw)
	obj.Content = &content
	return h.RecordFetch(ctx, obj, modified, "file://"+filepath.Join(dir, ManifestFileName), cfg.ForceAll)
}

// ImportStage implements harvester.Harvester.
func (h *Harvester) ImportStage(ctx context.Context, obj *domain.HarvestObject) (bool, error) {
	if obj == nil {
		return h.Import(ctx, nil, domain.SourceConfig{}, nil)
	}
	source, err := h.LoadSource(ctx, obj.SourceID)
	if err != nil {
		return false, err
	}
	cfg, err := parseConfig(source.Config)
	if err != nil {
		h.SaveObjectError(ctx, obj, domain.StageImport, "Invalid source config: %v", err)
		return false, nil
	}
	return h.Import(ctx, obj, *cfg, h.packageDict)
}

func (h *Harvester) packageDict(ctx context.Context, in *harvester.PackageDictInput) (merge.Record, error) {
	var item ManifestItem
	if err := json.Unmarshal([]byte(in.Object.ContentString()), &item); err != nil {
		return nil, harvester.NewPackageDictError("content could not be deserialized: %v", err)
	}
	if item.Title == "" {
		return nil, harvester.NewPackageDictError("dataset %s has no title", item.ID)
	}

	harvested := merge.Record{
		"title":     item.Title,
		"notes":     item.Notes,
		"tags":      harvester.TagsToList(item.Tags),
		"resources": item.Resources,
	}
	if item.Extras != nil {
		harvested["extras"] = item.Extras
	}
	rec, err := merge.Merge(in.Defaults, harvested)
	if err != nil {
		return nil, err
	}
	if extras, ok := rec["extras"].(map[string]interface{}); ok {
		harvester.StringifyExtras(extras)
	}
	if err := h.EnsureName(ctx, rec, item.Name, in.Existing); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListStagingSources lists the directories under basePath that hold a
// manifest.
// Parameters:
//   - basePath: base path to the staging directory.
// Returns:
//   - []string: staging source names, usable as source URLs.
//   - error: non-nil if reading the directory fails.
func ListStagingSources(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var sources []string
	for _, entry := range entries {
		if entry.IsDir() {
			manifestPath := filepath.Join(basePath, entry.Name(), ManifestFileName)
			if _, err := os.Stat(manifestPath); err == nil {
				sources = append(sources, entry.Name())
			}
		}
	}
	return sources, nil
}
