// Package ckan harvests remote CKAN catalogs through their REST API.
package ckan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/logger"
)

// Name is the source type served by this harvester.
const Name = "ckan"

const defaultAPIVersion = 2

// Config is the source config understood by the CKAN harvester.
type Config struct {
	domain.SourceConfig
	APIKey     string      `json:"api_key,omitempty"`
	APIVersion json.Number `json:"api_version,omitempty"`
}

// Version returns the configured API version, 2 when unset.
func (c *Config) Version() int {
	if c.APIVersion == "" {
		return defaultAPIVersion
	}
	v, err := c.APIVersion.Int64()
	if err != nil {
		return defaultAPIVersion
	}
	return int(v)
}

func parseConfig(raw string) (*Config, error) {
	cfg := &Config{}
	if err := domain.DecodeConfig(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.APIVersion != "" {
		if _, err := cfg.APIVersion.Int64(); err != nil {
			return nil, fmt.Errorf("api_version must be an integer")
		}
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options tune the HTTP client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
}

// Harvester harvests CKAN instances.
type Harvester struct {
	harvester.Base
	client *resty.Client
}

// New creates a CKAN harvester.
// Parameters:
//   - deps: ledger and catalog stores.
//   - opts: HTTP client settings; zero values use a 60s timeout.
// Returns:
//   - *Harvester: harvester ready to register.
func New(deps harvester.Deps, opts Options) *Harvester {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	return &Harvester{
		Base:   harvester.NewBase(deps, Name),
		client: client,
	}
}

// Info implements harvester.Harvester.
func (h *Harvester) Info() harvester.Info {
	return harvester.Info{
		Name:        Name,
		Title:       "CKAN",
		Description: "Harvests remote CKAN instances",
	}
}

// ValidateConfig checks key types, the remote policies and that every
// default group exists locally. The blob is stored as given.
func (h *Harvester) ValidateConfig(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return raw, nil
	}
	cfg, err := parseConfig(raw)
	if err != nil {
		return "", errors.Wrap(errors.ErrConfig, err.Error())
	}
	for _, name := range cfg.DefaultGroups {
		if _, err := h.Catalog.GetGroup(ctx, name); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return "", errors.Wrapf(errors.ErrConfig, "default group %s not found", name)
			}
			return "", err
		}
	}
	return raw, nil
}

type statusError struct {
	URL  string
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.Code, e.URL)
}

func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func (h *Harvester) get(ctx context.Context, cfg *Config, url string) ([]byte, error) {
	req := h.client.R().SetContext(ctx)
	if cfg.APIKey != "" {
		req.SetHeader("Authorization", cfg.APIKey)
	}
	resp, err := req.Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &statusError{URL: url, Code: resp.StatusCode()}
	}
	return resp.Body(), nil
}

func restURL(source *domain.Source, cfg *Config) string {
	return source.BaseURL() + "/api/" + strconv.Itoa(cfg.Version()) + "/rest"
}

func searchURL(source *domain.Source, cfg *Config) string {
	return source.BaseURL() + "/api/" + strconv.Itoa(cfg.Version()) + "/search"
}

// GatherStage lists the packages changed since the previous gathered job
// through the revision API, or every remote package when that is not
// possible. A full listing also marks vanished packages deleted.
func (h *Harvester) GatherStage(ctx context.Context, job *domain.Job) ([]string, error) {
	source, err := h.LoadSource(ctx, job.SourceID)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).WithField(logger.FieldSourceID, source.ID)
	log.Debugf("In CKANHarvester gather_stage (%s)", source.URL)

	cfg, err := parseConfig(source.Config)
	if err != nil {
		h.SaveGatherError(ctx, job.ID, "Invalid source config: %v", err)
		return nil, nil
	}

	var packageIDs []string
	getAll := true

	previous, err := h.Jobs.PreviousGathered(ctx, job.SourceID, job.ID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	if previous != nil && len(previous.GatherErrors) == 0 && !cfg.ForceAll {
		objs, err := h.Objects.ListByJob(ctx, previous.ID, "")
		if err != nil {
			return nil, err
		}
		if len(objs) > 0 {
			ids, ok, done := h.changedSince(ctx, job, source, cfg, *previous.GatherFinishedAt)
			if done {
				return nil, nil
			}
			if ok {
				getAll = false
				packageIDs = ids
			}
		}
	}

	seen := map[string]bool{}
	if getAll {
		ids, ok := h.listAll(ctx, job, source, cfg)
		if !ok {
			return nil, nil
		}
		packageIDs = ids
	}
	if len(packageIDs) == 0 {
		h.SaveGatherError(ctx, job.ID, "No datasets listed")
		return nil, nil
	}

	objectIDs := make([]string, 0, len(packageIDs))
	for _, id := range packageIDs {
		obj, err := h.CreateObject(ctx, job, id, nil)
		if err != nil {
			return objectIDs, err
		}
		seen[id] = true
		objectIDs = append(objectIDs, obj.ID)
	}

	if getAll {
		deleted, err := h.CreateDeletedObjects(ctx, job, seen)
		if err != nil {
			return objectIDs, err
		}
		objectIDs = append(objectIDs, deleted...)
	}
	return objectIDs, nil
}

// changedSince asks the revision API for packages modified after since.
// ok is false when the remote does not support revision filtering; done is
// true when gathering should stop, either because nothing changed or
// because an error was recorded.
func (h *Harvester) changedSince(ctx context.Context, job *domain.Job, source *domain.Source, cfg *Config, since time.Time) (ids []string, ok, done bool) {
	revURL := searchURL(source, cfg) + "/revision?since_time=" +
		url.QueryEscape(since.UTC().Format("2006-01-02T15:04:05.000000"))

	body, err := h.get(ctx, cfg, revURL)
	if err != nil {
		if statusCode(err) == 400 {
			logger.CtxInfo(ctx, "CKAN instance %s does not support revision filtering", source.BaseURL())
			return nil, false, false
		}
		h.SaveGatherError(ctx, job.ID, "Unable to get content for URL: %s: %v", revURL, err)
		return nil, false, true
	}

	var revisionIDs []string
	if err := json.Unmarshal(body, &revisionIDs); err != nil {
		logger.CtxInfo(ctx, "CKAN instance %s does not support revision filtering", source.BaseURL())
		return nil, false, false
	}
	if len(revisionIDs) == 0 {
		logger.CtxInfo(ctx, "No packages have been updated on the remote CKAN instance since the last harvest job")
		return nil, true, true
	}

	seen := map[string]bool{}
	for _, rev := range revisionIDs {
		u := restURL(source, cfg) + "/revision/" + rev
		body, err := h.get(ctx, cfg, u)
		if err != nil {
			h.SaveGatherError(ctx, job.ID, "Unable to get content for URL: %s: %v", u, err)
			continue
		}
		var revision struct {
			Packages []string `json:"packages"`
		}
		if err := json.Unmarshal(body, &revision); err != nil {
			h.SaveGatherError(ctx, job.ID, "Unable to parse revision %s: %v", rev, err)
			continue
		}
		for _, id := range revision.Packages {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, true, false
}

func (h *Harvester) listAll(ctx context.Context, job *domain.Job, source *domain.Source, cfg *Config) ([]string, bool) {
	u := restURL(source, cfg) + "/package"
	body, err := h.get(ctx, cfg, u)
	if err != nil {
		h.SaveGatherError(ctx, job.ID, "Unable to get content for URL: %s - %v", u, err)
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		start := string(body)
		if len(start) > 100 {
			start = start[:100]
		}
		h.SaveGatherError(ctx, job.ID, "Unable to parse response as JSON. Response starts: %q Error: %v", start, err)
		return nil, false
	}
	return ids, true
}

// FetchStage downloads one package and classifies it by metadata_modified.
// Objects gathered as deleted have nothing to fetch.
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

	u := restURL(source, cfg) + "/package/" + url.PathEscape(obj.GUID)
	body, err := h.get(ctx, cfg, u)
	if err != nil {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "Unable to get content for package: %s: %v", u, err)
		return harvester.FetchFailed, nil
	}
	content := string(body)
	obj.Content = &content
	if err := h.Objects.Save(ctx, obj); err != nil {
		return harvester.FetchFailed, err
	}

	var dataset struct {
		MetadataModified string `json:"metadata_modified"`
	}
	if err := json.Unmarshal(body, &dataset); err != nil {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "CKAN content could not be deserialized: %s: %v", u, err)
		return harvester.FetchFailed, nil
	}
	if dataset.MetadataModified == "" {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "CKAN content did not have metadata_modified: %s", u)
		return harvester.FetchFailed, nil
	}
	modified, err := harvester.ParseTimestamp(dataset.MetadataModified)
	if err != nil {
		h.SaveObjectError(ctx, obj, domain.StageFetch, "CKAN modified date did not parse: %s url: %s", dataset.MetadataModified, u)
		return harvester.FetchFailed, nil
	}
	return h.RecordFetch(ctx, obj, modified, u, cfg.ForceAll)
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
	return h.Import(ctx, obj, cfg.SourceConfig, h.packageDict(cfg))
}
