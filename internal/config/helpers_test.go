package config_test

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// decodeInto overlays a YAML fragment onto cfg without defaults or validation.
func decodeInto(cfg any, doc string) error {
	dec := yaml.NewDecoder(strings.NewReader(doc))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}
