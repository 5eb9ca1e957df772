// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateSchema checks that schema compiles as a JSON Schema. Nil and
// empty schemas are valid.
func ValidateSchema(schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	schemaLoader := gojsonschema.NewGoLoader(schema)
	// Validating a trivial document forces the schema itself to compile.
	documentLoader := gojsonschema.NewStringLoader("{}")
	if _, err := gojsonschema.Validate(schemaLoader, documentLoader); err != nil {
		return fmt.Errorf("invalid JSON Schema: %w", err)
	}
	return nil
}

// SchemaSummary renders a deterministic, comma-separated list of a JSON
// Schema's top-level properties. Classifier prompts and embedding inputs
// use it as a compact stand-in for the full schema. Returns "" when the
// schema declares no properties.
func SchemaSummary(schema map[string]any) string {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return ""
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
