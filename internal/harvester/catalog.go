package harvester

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/merge"
)

var validate = validator.New()

// packageSchema is what a package dictionary must satisfy before it is
// written to the catalog.
type packageSchema struct {
	ID       string   `validate:"omitempty,max=100"`
	Name     string   `validate:"required,min=2,max=100,packagename"`
	Title    string   `validate:"max=1000"`
	OwnerOrg string   `validate:"omitempty,max=100"`
	Tags     []string `validate:"dive,required,max=100"`
}

func init() {
	_ = validate.RegisterValidation("packagename", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				return false
			}
		}
		return true
	})
}

// packageFromRecord turns a merged package dictionary into a catalog
// package. Tags and extras are accepted in list-of-dicts or plain form.
func packageFromRecord(rec merge.Record) (*domain.Package, error) {
	pkg := &domain.Package{
		ID:       str(rec["id"]),
		Name:     str(rec["name"]),
		Title:    str(rec["title"]),
		Type:     str(rec["type"]),
		OwnerOrg: str(rec["owner_org"]),
		State:    domain.PackageStateActive,
		Tags:     tagNames(rec["tags"]),
		Groups:   groupRefs(rec["groups"]),
		Extras:   domain.JSONMap(extrasMap(rec["extras"])),
	}
	if private, ok := rec["private"].(bool); ok {
		pkg.Private = private
	}

	err := validate.Struct(packageSchema{
		ID:       pkg.ID,
		Name:     pkg.Name,
		Title:    pkg.Title,
		OwnerOrg: pkg.OwnerOrg,
		Tags:     pkg.Tags,
	})
	if err != nil {
		return nil, summarise(err)
	}

	data := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		data[k] = v
	}
	pkg.Data = domain.JSONMap(data)
	return pkg, nil
}

func summarise(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	sort.Strings(parts)
	return fmt.Errorf("%s", strings.Join(parts, ", "))
}

func str(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func tagNames(v interface{}) domain.StringList {
	items, _ := v.([]interface{})
	out := make(domain.StringList, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			if name := str(t["name"]); name != "" {
				out = append(out, name)
			}
		}
	}
	if ss, ok := v.([]string); ok {
		out = append(out, ss...)
	}
	return out
}

func groupRefs(v interface{}) domain.StringList {
	items, _ := v.([]interface{})
	out := make(domain.StringList, 0, len(items))
	for _, item := range items {
		switch g := item.(type) {
		case string:
			out = append(out, g)
		case map[string]interface{}:
			ref := str(g["id"])
			if ref == "" {
				ref = str(g["name"])
			}
			if ref != "" {
				out = append(out, ref)
			}
		}
	}
	if ss, ok := v.([]string); ok {
		out = append(out, ss...)
	}
	return out
}

// extrasMap accepts {"k": v} or [{"key": k, "value": v}].
func extrasMap(v interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	switch e := v.(type) {
	case map[string]interface{}:
		for k, val := range e {
			out[k] = val
		}
	case []interface{}:
		for _, item := range e {
			if kv, ok := item.(map[string]interface{}); ok {
				if key := str(kv["key"]); key != "" {
					out[key] = kv["value"]
				}
			}
		}
	}
	return out
}

// ExtrasToMap is extrasMap for harvester implementations.
func ExtrasToMap(v interface{}) map[string]interface{} {
	return extrasMap(v)
}

// TagsToList normalises harvested tags to a list of names.
func TagsToList(v interface{}) []interface{} {
	names := tagNames(v)
	out := make([]interface{}, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// StringifyExtras JSON-encodes every non-string extra value and drops the
// ones that cannot be encoded.
func StringifyExtras(extras map[string]interface{}) {
	for k, v := range extras {
		if _, ok := v.(string); ok {
			continue
		}
		if v == nil {
			extras[k] = ""
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			delete(extras, k)
			continue
		}
		extras[k] = string(b)
	}
}

func cleanTags(v interface{}) []interface{} {
	names := tagNames(v)
	out := make([]interface{}, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		m := merge.MungeTag(n)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// matchResources gives harvested resources the ids of existing resources
// with the same url, so updates keep resource identity.
func matchResources(rec merge.Record, existing *domain.Package) {
	if existing == nil {
		return
	}
	fresh, _ := rec["resources"].([]interface{})
	old, _ := existing.Data["resources"].([]interface{})
	if len(fresh) == 0 || len(old) == 0 {
		return
	}
	byURL := map[string]string{}
	for _, r := range old {
		if m, ok := r.(map[string]interface{}); ok {
			if url, id := str(m["url"]), str(m["id"]); url != "" && id != "" {
				byURL[url] = id
			}
		}
	}
	for _, r := range fresh {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := byURL[str(m["url"])]; ok {
			m["id"] = id
		} else {
			delete(m, "id")
		}
	}
}
