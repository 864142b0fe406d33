// Package configutil decodes and checks the free-form settings maps that
// configure each provider.
package configutil

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
)

// DecodeSettings decodes a provider settings map into a typed struct.
// Duration fields accept strings such as "800ms" and slices accept
// comma-separated strings.
func DecodeSettings(section string, input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfig)
	}
	if err := decoder.Decode(input); err != nil {
		return errorsx.New(errorsx.ReasonConfig, "%s settings: %w", section, err)
	}
	return nil
}

// Decode validates input against schema, then decodes it into out.
func Decode(section string, input map[string]any, schema Schema, out any) error {
	if err := ValidateSettings(section, input, schema); err != nil {
		return err
	}
	return DecodeSettings(section, input, out)
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
