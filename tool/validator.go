package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxSchemaErrorPaths = 8

// CompileSchema compiles a tool's parameter schema. The name is only used
// in error messages and as the resource URL.
func CompileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("tool %s: decode schema: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// ValidateArgs checks raw argument JSON against a compiled schema. A nil
// schema accepts anything. Failures come back as *ArgsError carrying up to
// eight instance paths.
func ValidateArgs(compiled *jsonschema.Schema, args json.RawMessage) error {
	if compiled == nil {
		return nil
	}
	raw := args
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ArgsError{err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}

	if err := compiled.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ArgsError{Paths: errorPaths(ve), err: err}
		}
		return &ArgsError{err: err}
	}
	return nil
}

// errorPaths collects the deepest failing instance locations, capped at
// maxSchemaErrorPaths.
func errorPaths(ve *jsonschema.ValidationError) []string {
	var paths []string
	seen := map[string]bool{}

	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(paths) >= maxSchemaErrorPaths {
			return
		}
		if len(e.Causes) == 0 {
			p := "/" + strings.Join(e.InstanceLocation, "/")
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return paths
}
