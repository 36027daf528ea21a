package middleware

import (
	"embed"
	"path"
	"sort"
	"strings"

	contextutils "lessongen/internal/utils"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Request schema names, matching the embedded file names without extension
const (
	SchemaGenerationRequest       = "generation_request"
	SchemaScoreRequest            = "score_request"
	SchemaDistributionTestRequest = "distribution_test_request"
)

// SchemaLoader holds compiled JSON schemas for request bodies
type SchemaLoader struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaLoader compiles every embedded request schema
func NewSchemaLoader() (*SchemaLoader, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to read embedded schemas")
	}

	sl := &SchemaLoader{schemas: make(map[string]*gojsonschema.Schema, len(entries))}
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, contextutils.WrapErrorf(err, "failed to read schema %s", entry.Name())
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, contextutils.WrapErrorf(err, "failed to compile schema %s", entry.Name())
		}
		sl.schemas[strings.TrimSuffix(entry.Name(), ".json")] = schema
	}
	return sl, nil
}

// Names lists the loaded schema names, sorted
func (sl *SchemaLoader) Names() []string {
	names := make([]string, 0, len(sl.schemas))
	for name := range sl.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks body against the named schema and returns one message per violation
func (sl *SchemaLoader) Validate(name string, body []byte) ([]string, error) {
	schema, ok := sl.schemas[name]
	if !ok {
		return nil, contextutils.ErrorWithContextf("unknown request schema %q", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "request body is not valid JSON")
	}
	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return violations, nil
}
