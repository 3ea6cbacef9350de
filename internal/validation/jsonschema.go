package validation

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed config.schema.json
var configSchema []byte

var configSchemaLoader = gojsonschema.NewBytesLoader(configSchema)

// ValidateConfigJSON checks a raw JSON configuration document.
func ValidateConfigJSON(doc []byte) error {
	if len(doc) == 0 {
		return nil
	}
	return validate(gojsonschema.NewBytesLoader(doc))
}

// ValidateConfigValue checks an already decoded document (e.g. parsed YAML).
func ValidateConfigValue(doc any) error {
	if doc == nil {
		return nil
	}
	return validate(gojsonschema.NewGoLoader(doc))
}

func validate(dLoader gojsonschema.JSONLoader) error {
	res, err := gojsonschema.Validate(configSchemaLoader, dLoader)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	if !res.Valid() {
		var msgs []string
		for i, e := range res.Errors() {
			if i >= 5 {
				break
			}
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
