package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Remote group/organization policies.
const (
	RemotePolicyIgnore    = ""
	RemotePolicyOnlyLocal = "only_local"
	RemotePolicyCreate    = "create"
)

// SourceConfig holds the configuration keys every harvester understands.
// Harvester-specific configs embed it and add their own keys.
type SourceConfig struct {
	User                 string                 `json:"user,omitempty"`
	DefaultTags          []string               `json:"default_tags,omitempty"`
	DefaultGroups        []string               `json:"default_groups,omitempty"`
	DefaultExtras        map[string]interface{} `json:"default_extras,omitempty"`
	ExtrasNotOverwritten []string               `json:"extras_not_overwritten,omitempty"`
	ForceAll             bool                   `json:"force_all,omitempty"`
	OverrideExtras       bool                   `json:"override_extras,omitempty"`
	RemoteGroups         string                 `json:"remote_groups,omitempty"`
	RemoteOrgs           string                 `json:"remote_orgs,omitempty"`
	CleanTags            bool                   `json:"clean_tags,omitempty"`
	PrivateDatasets      bool                   `json:"private_datasets,omitempty"`
}

// Check validates the policy values.
func (c *SourceConfig) Check() error {
	for field, v := range map[string]string{"remote_groups": c.RemoteGroups, "remote_orgs": c.RemoteOrgs} {
		switch v {
		case RemotePolicyIgnore, RemotePolicyOnlyLocal, RemotePolicyCreate:
		default:
			return fmt.Errorf("%s must be one of only_local, create", field)
		}
	}
	return nil
}

// DecodeConfig strictly decodes a raw JSON config into dst. Unknown keys
// and mistyped values are rejected with a message naming the key. An empty
// blob leaves dst untouched.
func DecodeConfig(raw string, dst interface{}) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		switch {
		case asTypeError(err, &typeErr):
			return fmt.Errorf("%s must be %s", typeErr.Field, describeKind(typeErr.Type.Kind().String()))
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			return fmt.Errorf("unknown config key %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
		default:
			return fmt.Errorf("config is not valid JSON: %v", err)
		}
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("config must be a single JSON object")
	}
	return nil
}

func asTypeError(err error, target **json.UnmarshalTypeError) bool {
	te, ok := err.(*json.UnmarshalTypeError)
	if ok {
		*target = te
	}
	return ok
}

func describeKind(kind string) string {
	switch kind {
	case "slice":
		return "a list"
	case "map", "struct":
		return "a dictionary"
	case "bool":
		return "boolean"
	case "int", "int64", "float64":
		return "an integer"
	default:
		return "a " + kind
	}
}
