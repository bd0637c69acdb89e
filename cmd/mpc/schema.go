package main

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaFiles embeds the entity-dump JSON schema so dumpmap/loadmap/
// loadmappkgs validate at the system boundary (§7's error-handling table:
// malformed input is rejected before it reaches the store), the same role
// the teacher's pkg/schema plays for its own import/config JSON payloads.
//
//go:embed schemas/entitydump.schema.json
var schemaFiles embed.FS

var entityDumpSchema = compileEntityDumpSchema()

func compileEntityDumpSchema() *jsonschema.Schema {
	data, err := schemaFiles.ReadFile("schemas/entitydump.schema.json")
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("entitydump.schema.json", bytes.NewReader(data)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("entitydump.schema.json")
}

// validateDump rejects a dump file that doesn't match the entity-dump
// shape before decodeDump ever constructs a store.Entity from it.
func validateDump(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("entity dump: invalid JSON: %w", err)
	}
	if err := entityDumpSchema.Validate(v); err != nil {
		return fmt.Errorf("entity dump: schema validation: %w", err)
	}
	return nil
}
