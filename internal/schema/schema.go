// Package schema validates backend output against a task's JSON Schema
// contract (execution.outputSchemaJson).
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxValidationPaths = 3

// Validate compiles schemaJSON and checks output (expected to itself be
// JSON text) against it. The returned error's message is a human-readable
// summary of up to three validation failure paths.
func Validate(schemaJSON []byte, output string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("schema parse failed: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("schema parse failed: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema parse failed: %w", err)
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(output))
	if err != nil {
		return fmt.Errorf("output parse failed: %w", err)
	}

	if err := compiled.Validate(parsed); err != nil {
		return fmt.Errorf("validation failed: %s", summarize(err))
	}
	return nil
}

// summarize trims a jsonschema validation error down to its first few
// lines, since the library's default rendering is a full indented tree
// that can run to dozens of lines for a single malformed document.
func summarize(err error) string {
	lines := strings.Split(err.Error(), "\n")
	if len(lines) > maxValidationPaths {
		lines = lines[:maxValidationPaths]
	}
	return strings.Join(lines, "; ")
}
