package yaml

import (
	"fmt"
	"io"
	"os"
	"strings"

	goyaml "github.com/goccy/go-yaml"
	"github.com/xeipuuv/gojsonschema"
)

// manifestSchema is the JSON-schema contract every manifest document
// must satisfy before it is decoded into typed definitions.
var manifestSchema = map[string]any{
	"type":     "object",
	"required": []any{"name", "features"},
	"properties": map[string]any{
		"name":        map[string]any{"type": "string", "minLength": 1},
		"description": map[string]any{"type": "string"},
		"version":     map[string]any{"type": "string"},
		"metadata":    map[string]any{"type": "object"},
		"features": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name", "type"},
				"properties": map[string]any{
					"name":        map[string]any{"type": "string", "minLength": 1},
					"type":        map[string]any{"type": "string", "minLength": 1},
					"description": map[string]any{"type": "string"},
					"config":      map[string]any{"type": "object"},
					"parents": map[string]any{
						"type":                 "object",
						"additionalProperties": map[string]any{"type": "string"},
					},
					"hooks": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"pre":        map[string]any{"type": "string"},
							"expiration": map[string]any{"type": "string"},
							"post":       map[string]any{"type": "string"},
						},
						"additionalProperties": false,
					},
				},
				"additionalProperties": false,
			},
		},
	},
	"additionalProperties": false,
}

// Parser parses and schema-checks YAML manifests.
type Parser struct{}

// NewParser creates a manifest parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse reads a manifest from r, validates it against the manifest
// schema, and decodes it.
func (p *Parser) Parse(r io.Reader) (*ManifestDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	// Validate the generic document first so schema errors name the
	// offending path instead of failing a struct decode.
	var doc any
	if err := goyaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var def ManifestDefinition
	if err := goyaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseFile reads and parses a manifest from a file.
func (p *Parser) ParseFile(filename string) (*ManifestDefinition, error) {
	// #nosec G304 - manifest paths come from the operator's config
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = file.Close() }()

	return p.Parse(file)
}

// ParseString parses a manifest from a string.
func (p *Parser) ParseString(s string) (*ManifestDefinition, error) {
	return p.Parse(strings.NewReader(s))
}

func validateDocument(doc any) error {
	schemaLoader := gojsonschema.NewGoLoader(manifestSchema)
	documentLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		var sb strings.Builder
		sb.WriteString("invalid manifest:")
		for _, desc := range result.Errors() {
			sb.WriteString(fmt.Sprintf("\n  - %s", desc))
		}
		return fmt.Errorf("%s", sb.String())
	}
	return nil
}
