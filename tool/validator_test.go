package tool

import (
	"encoding/json"
	"strings"
	"testing"
)

const blockSchema = `{
	"type": "object",
	"properties": {
		"key":  {"type": "string", "minLength": 1},
		"text": {"type": "string"},
		"seq":  {"type": "integer", "minimum": 0}
	},
	"required": ["key", "text"],
	"additionalProperties": false
}`

func TestValidateArgsAccepts(t *testing.T) {
	compiled, err := CompileSchema("page.apply_delta", json.RawMessage(blockSchema))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	if err := ValidateArgs(compiled, json.RawMessage(`{"key":"b1","text":"hola","seq":3}`)); err != nil {
		t.Fatalf("ValidateArgs: %v", err)
	}
}

func TestValidateArgsRejectsWithPaths(t *testing.T) {
	compiled, err := CompileSchema("page.apply_delta", json.RawMessage(blockSchema))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	err = ValidateArgs(compiled, json.RawMessage(`{"key":"","seq":-1}`))
	if err == nil {
		t.Fatal("ValidateArgs accepted invalid args")
	}
	ae, ok := AsArgsError(err)
	if !ok {
		t.Fatalf("error type = %T, want *ArgsError", err)
	}
	if len(ae.Paths) == 0 {
		t.Fatal("ArgsError carries no paths")
	}
	if len(ae.Paths) > maxSchemaErrorPaths {
		t.Fatalf("len(Paths) = %d, want <= %d", len(ae.Paths), maxSchemaErrorPaths)
	}
}

func TestValidateArgsPathCap(t *testing.T) {
	// Twelve required properties, all missing plus wrong types, to force
	// more causes than the cap.
	var b strings.Builder
	b.WriteString(`{"type":"object","properties":{`)
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	for i, n := range names {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`"` + n + `":{"type":"string"}`)
	}
	b.WriteString(`},"required":["a","b","c","d","e","f","g","h","i","j","k","l"]}`)

	compiled, err := CompileSchema("wide", json.RawMessage(b.String()))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	err = ValidateArgs(compiled, json.RawMessage(`{"a":1,"b":2,"c":3,"d":4,"e":5,"f":6,"g":7,"h":8,"i":9}`))
	if err == nil {
		t.Fatal("ValidateArgs accepted invalid args")
	}
	ae, _ := AsArgsError(err)
	if ae == nil || len(ae.Paths) > maxSchemaErrorPaths {
		t.Fatalf("paths = %v, want at most %d entries", ae.Paths, maxSchemaErrorPaths)
	}
}

func TestValidateArgsNilSchemaAcceptsAnything(t *testing.T) {
	if err := ValidateArgs(nil, json.RawMessage(`{"whatever":true}`)); err != nil {
		t.Fatalf("nil schema rejected args: %v", err)
	}
	if err := ValidateArgs(nil, json.RawMessage(`not even json`)); err != nil {
		t.Fatalf("nil schema rejected non-JSON: %v", err)
	}
}

func TestValidateArgsEmptyArgsAsObject(t *testing.T) {
	compiled, err := CompileSchema("noargs", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	if err := ValidateArgs(compiled, nil); err != nil {
		t.Fatalf("empty args rejected: %v", err)
	}
}

func TestValidateArgsInvalidJSON(t *testing.T) {
	compiled, err := CompileSchema("strict", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	err = ValidateArgs(compiled, json.RawMessage(`{"broken`))
	if err == nil {
		t.Fatal("ValidateArgs accepted broken JSON")
	}
	if _, ok := AsArgsError(err); !ok {
		t.Fatalf("error type = %T, want *ArgsError", err)
	}
}

func TestCompileSchemaRejectsBrokenSchema(t *testing.T) {
	if _, err := CompileSchema("broken", json.RawMessage(`{"type": 42}`)); err == nil {
		t.Fatal("CompileSchema accepted a broken schema")
	}
}
