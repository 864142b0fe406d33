package configutil

import (
	"sort"
	"strings"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
)

// Schema lists the keys a provider settings map may carry. Keys compare
// case, underscore and hyphen insensitively.
type Schema struct {
	Required []string
	Optional []string
	// Secret keys are masked by Redacted. They must also appear in
	// Required or Optional.
	Secret       []string
	AllowUnknown bool
}

// ValidateSettings checks input against schema. section prefixes the error,
// for example "vendors.stt".
func ValidateSettings(section string, input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown []string
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			missing = append(missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			missing = append(missing, reqKey)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errorsx.New(errorsx.ReasonConfig, "%s settings: %s", section, strings.Join(parts, "; "))
}

// Redacted returns a copy of input with secret values masked, for printing
// effective configuration.
func Redacted(input map[string]any, schema Schema) map[string]any {
	if input == nil {
		return nil
	}
	secret := make(map[string]struct{}, len(schema.Secret))
	for _, k := range schema.Secret {
		secret[normalizeKey(k)] = struct{}{}
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if _, ok := secret[normalizeKey(k)]; ok && !isEmptyValue(v) {
			out[k] = "****"
			continue
		}
		out[k] = v
	}
	return out
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
