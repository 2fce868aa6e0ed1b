package config

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaSource string

const schemaURL = "trellis.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		schema = jsonschema.MustCompileString(schemaURL, schemaSource)
	})
	return schema
}

// validateDocument checks one decoded file against the embedded schema.
func validateDocument(path string, doc map[string]any) error {
	if doc == nil {
		return nil
	}
	if err := compiledSchema().Validate(doc); err != nil {
		return fmt.Errorf("%s does not match the task file schema: %w", path, err)
	}
	return nil
}
