// Package cfg decodes raw option maps into typed settings structs.
// Drivers and components receive their options as map[string]any from the
// main configuration and decode them here.
package cfg

import (
	"github.com/mitchellh/mapstructure"
)

// Setter is implemented by settings structs that carry defaults.
// ApplyDefaults runs after decoding, filling zero-valued fields.
type Setter interface {
	ApplyDefaults()
}

// Decode decodes input into the target pointer c using mapstructure tags.
// If c implements Setter, ApplyDefaults is invoked after a successful decode.
func Decode(input map[string]any, c any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  c,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return err
	}

	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}

	return nil
}
