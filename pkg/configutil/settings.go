// Package configutil decodes loosely typed settings maps into typed
// structs using mapstructure, with forgiving key matching.
package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings maps raw into out. Keys match case-insensitively and
// ignore underscores and dashes, so "sampleRate", "sample_rate" and
// "sample-rate" all hit the same field.
func DecodeSettings(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return fmt.Errorf("build settings decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	k = strings.ReplaceAll(k, "-", "")
	return k
}
