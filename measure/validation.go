package measure

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateConfig checks a feature's config block against the
// measurement's JSON schema. A nil schema accepts anything.
func ValidateConfig(meta *Metadata, config map[string]any) error {
	if meta.ConfigSchema == nil {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(meta.ConfigSchema)
	documentLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		var sb strings.Builder
		sb.WriteString("invalid config:")
		for _, desc := range result.Errors() {
			sb.WriteString(fmt.Sprintf("\n  - %s", desc))
		}
		return fmt.Errorf("%s", sb.String())
	}
	return nil
}
