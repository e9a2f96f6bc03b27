package ckan

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/google/uuid"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/merge"
)

// packageDict converts a fetched CKAN package into a local package
// dictionary. Remote groups and organization are kept according to the
// remote_groups and remote_orgs policies.
func (h *Harvester) packageDict(cfg *Config) harvester.PackageDictFunc {
	return func(ctx context.Context, in *harvester.PackageDictInput) (merge.Record, error) {
		var harvested merge.Record
		if err := json.Unmarshal([]byte(in.Object.ContentString()), &harvested); err != nil {
			return nil, harvester.NewPackageDictError("CKAN content could not be deserialized: %v", err)
		}

		harvestedExtras := harvester.ExtrasToMap(harvested["extras"])
		harvestedProvenance, _ := harvestedExtras["metadata_provenance"].(string)
		harvested["extras"] = harvestedExtras
		harvested["tags"] = harvester.TagsToList(harvested["tags"])
		harvestedName, _ := harvested["name"].(string)
		remoteOrg := remoteOwner(harvested)
		remoteGroups := names(harvested["groups"])
		delete(harvested, "groups")
		delete(harvested, "organization")

		rec, err := merge.Merge(in.Defaults, harvested)
		if err != nil {
			return nil, err
		}
		extras, _ := rec["extras"].(map[string]interface{})
		if extras == nil {
			extras = map[string]interface{}{}
			rec["extras"] = extras
		}
		if cfg.OverrideExtras {
			if defaults, ok := in.Defaults["extras"].(map[string]interface{}); ok {
				for k, v := range defaults {
					extras[k] = v
				}
			}
		}
		in.Config.CleanTags = true

		if err := h.EnsureName(ctx, rec, harvestedName, in.Existing); err != nil {
			return nil, err
		}

		if t, _ := rec["type"].(string); t == "harvest" {
			logger.CtxDebug(ctx, "Remote dataset is a harvest source, ignoring...")
			return nil, nil
		}

		prov := &provisioner{h: h, source: in.Source, cfg: cfg}

		defaultGroups, _ := merge.ResolveGroups(ctx, h.Catalog, nil, domain.RemotePolicyOnlyLocal, names(in.Defaults["groups"]))
		groups := defaultGroups
		if remote, keep := merge.ResolveGroups(ctx, h.Catalog, prov, cfg.RemoteGroups, remoteGroups); keep {
			groups = append(groups, remote...)
		}
		rec["groups"] = toList(groups)

		rec["owner_org"] = merge.ResolveOwner(ctx, h.Catalog, prov, cfg.RemoteOrgs, remoteOrg, in.Source.PublisherID)

		extras["metadata_provenance"] = merge.Provenance(merge.ProvenanceInput{
			Source:        in.Source,
			Object:        in.Object,
			HarvesterType: Name,
			Now:           h.Now(),
		}, harvestedProvenance)
		harvester.StringifyExtras(extras)

		if resources, ok := rec["resources"].([]interface{}); ok {
			for _, r := range resources {
				res, ok := r.(map[string]interface{})
				if !ok {
					continue
				}
				// local copies only link to the remote files
				delete(res, "url_type")
				if res["resource_type"] == "file.upload" {
					res["resource_type"] = "file"
				}
			}
		}
		return rec, nil
	}
}

// remoteOwner returns the remote organization reference of a package.
func remoteOwner(pkg merge.Record) string {
	if org, ok := pkg["owner_org"].(string); ok && org != "" {
		return org
	}
	if org, ok := pkg["organization"].(map[string]interface{}); ok {
		if name, ok := org["name"].(string); ok {
			return name
		}
	}
	return ""
}

// names reads a list of group references, either plain strings (API v1/v2)
// or dictionaries (API v3).
func names(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch g := item.(type) {
		case string:
			out = append(out, g)
		case map[string]interface{}:
			if name, ok := g["name"].(string); ok && name != "" {
				out = append(out, name)
			} else if id, ok := g["id"].(string); ok && id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

func toList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// provisioner copies missing groups and organizations from the remote
// instance into the local catalog.
type provisioner struct {
	h      *Harvester
	source *domain.Source
	cfg    *Config
}

type remoteGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (p *provisioner) fetch(ctx context.Context, name string) (*remoteGroup, error) {
	body, err := p.h.get(ctx, p.cfg, restURL(p.source, p.cfg)+"/group/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	var g remoteGroup
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, err
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.Name == "" {
		g.Name = name
	}
	return &g, nil
}

func (p *provisioner) ProvisionGroup(ctx context.Context, name string) (*domain.Group, error) {
	g, err := p.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	group := &domain.Group{ID: g.ID, Name: g.Name, Title: g.Title, Description: g.Description}
	if err := p.h.Catalog.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

func (p *provisioner) ProvisionOrganization(ctx context.Context, name string) (*domain.Organization, error) {
	g, err := p.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	org := &domain.Organization{ID: g.ID, Name: g.Name, Title: g.Title, Description: g.Description}
	if err := p.h.Catalog.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}
