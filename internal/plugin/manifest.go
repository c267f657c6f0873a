package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"magpie-ai/internal/domain"
)

// ManifestFileName is the manifest file expected in each plugin directory.
const ManifestFileName = "plugin.json"

var (
	idPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,64}$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?$`)
	domainPattern  = regexp.MustCompile(`^(\*\.)?([a-zA-Z0-9-]+\.)*[a-zA-Z0-9-]+$`)
)

// manifestFields is the closed set of recognized top-level manifest keys.
// Anything else is a validation error: forward compatibility is deliberately
// traded for auditability.
var manifestFields = map[string]bool{
	"id": true, "name": true, "version": true, "description": true,
	"author": true, "license": true, "homepage": true, "repository": true,
	"minApiVersion": true, "permissions": true, "isolated": true,
	"defaultConfig": true, "configSchema": true,
}

// permissionFields is the closed set of recognized permission keys.
var permissionFields = map[string]bool{
	"filesystem": true, "network": true, "shell": true, "env": true,
}

// ValidationResult is the outcome of validating a raw manifest.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func (r *ValidationResult) addf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidateManifest structurally and semantically validates a raw manifest
// document. It is pure: the caller supplies the bytes, nothing touches disk.
func ValidateManifest(raw []byte) *ValidationResult {
	res := &ValidationResult{}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		res.addf("manifest is not a JSON object: %v", err)
		return res
	}

	for key := range top {
		if !manifestFields[key] {
			res.addf("unknown manifest field %q", key)
		}
	}

	checkRequiredString(res, top, "id")
	checkRequiredString(res, top, "name")
	checkRequiredString(res, top, "version")
	checkRequiredString(res, top, "description")

	if id, ok := stringField(top, "id"); ok && id != "" && !idPattern.MatchString(id) {
		res.addf("id %q must match %s", id, idPattern)
	}
	if v, ok := stringField(top, "version"); ok && v != "" && !versionPattern.MatchString(v) {
		res.addf("version %q is not a semantic version", v)
	}

	for _, field := range []string{"author", "license", "homepage", "repository", "minApiVersion"} {
		if rawField, present := top[field]; present {
			var s string
			if err := json.Unmarshal(rawField, &s); err != nil {
				res.addf("field %q must be a string", field)
			}
		}
	}

	if rawIso, present := top["isolated"]; present {
		var b bool
		if err := json.Unmarshal(rawIso, &b); err != nil {
			res.addf("field %q must be a bool", "isolated")
		}
	}

	if rawCfg, present := top["defaultConfig"]; present {
		var obj map[string]any
		if err := json.Unmarshal(rawCfg, &obj); err != nil {
			res.addf("field %q must be an object", "defaultConfig")
		}
	}

	if rawSchema, present := top["configSchema"]; present {
		validateConfigSchema(res, rawSchema)
	}

	if rawPerms, present := top["permissions"]; present {
		validatePermissions(res, rawPerms)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// ParseManifest decodes a raw manifest after validating it. The error wraps
// ErrManifestInvalid and carries every validation failure, not just the first.
func ParseManifest(raw []byte) (domain.PluginManifest, error) {
	res := ValidateManifest(raw)
	if !res.Valid {
		return domain.PluginManifest{}, fmt.Errorf("%w: %s",
			domain.ErrManifestInvalid, strings.Join(res.Errors, "; "))
	}

	var m domain.PluginManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.PluginManifest{}, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
	}
	return m, nil
}

func validatePermissions(res *ValidationResult, raw json.RawMessage) {
	var perms map[string]json.RawMessage
	if err := json.Unmarshal(raw, &perms); err != nil {
		res.addf("field %q must be an object", "permissions")
		return
	}

	for key := range perms {
		if !permissionFields[key] {
			res.addf("unknown permission field %q", key)
		}
	}

	for _, key := range []string{"shell", "env"} {
		if rawVal, present := perms[key]; present {
			var b bool
			if err := json.Unmarshal(rawVal, &b); err != nil {
				res.addf("permission %q must be a bool", key)
			}
		}
	}

	if rawFS, present := perms["filesystem"]; present {
		var scope domain.PermissionScope
		if err := json.Unmarshal(rawFS, &scope); err != nil {
			res.addf("permission %q must be a bool or path list", "filesystem")
		} else {
			for _, p := range scope.Entries {
				if !safeScopePath(p) {
					res.addf("filesystem path %q must be relative and free of traversal", p)
				}
			}
		}
	}

	if rawNet, present := perms["network"]; present {
		var scope domain.PermissionScope
		if err := json.Unmarshal(rawNet, &scope); err != nil {
			res.addf("permission %q must be a bool or domain list", "network")
		} else {
			for _, d := range scope.Entries {
				if !domainPattern.MatchString(d) {
					res.addf("network domain %q contains disallowed characters", d)
				}
			}
		}
	}
}

func validateConfigSchema(res *ValidationResult, raw json.RawMessage) {
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		res.addf("field %q must be a schema object", "configSchema")
		return
	}
	for _, req := range schema.Required {
		if _, ok := schema.Properties[req]; !ok {
			res.addf("configSchema requires %q but does not declare it", req)
		}
	}
}

// safeScopePath rejects declared filesystem scopes that could name locations
// outside the plugin's own tree.
func safeScopePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	if len(p) >= 2 && p[1] == ':' { // windows drive marker
		return false
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return false
		}
	}
	return true
}

func checkRequiredString(res *ValidationResult, top map[string]json.RawMessage, field string) {
	s, present := stringField(top, field)
	if !present {
		res.addf("missing required field %q", field)
		return
	}
	if s == "" {
		res.addf("field %q must be a non-empty string", field)
	}
}

// stringField returns the field decoded as a string. A present field of the
// wrong type reports present=true with an empty value; the caller's emptiness
// check then flags it.
func stringField(top map[string]json.RawMessage, field string) (string, bool) {
	raw, present := top[field]
	if !present {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", true
	}
	return s, true
}
