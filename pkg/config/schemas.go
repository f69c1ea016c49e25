package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE definitions used to validate documents.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// ProductionSchemaDef is the registry name of the production schema definition.
const ProductionSchemaDef = "#ProductionSchema"

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(builtinProductionSchema); err != nil {
		panic(fmt.Sprintf("built-in schema does not compile: %v", err))
	}

	return sr
}

// RegisterSchema compiles source and registers every top-level definition
// it declares under its name, for example "#ProductionSchema".
func (sr *SchemaRegistry) RegisterSchema(source string) error {
	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}

	found := make(map[string]cue.Value)
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		found[iter.Selector().String()] = iter.Value()
	}
	if len(found) == 0 {
		return fmt.Errorf("schema declares no definitions")
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range found {
		sr.schemas[name] = def
	}
	return nil
}

// GetSchema retrieves a definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate checks data against the named definition. data is encoded
// through its json tags.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered definition names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinProductionSchema = `
#Identifier: string & =~"^[A-Za-z0-9][A-Za-z0-9_.:-]*$"

#Stage: {
	id:           #Identifier
	name:         string & !=""
	type?:        string
	description?: string
}

#ProtocolRow: {
	name:       string & !=""
	value:      string
	deviation?: string
	test1?:     string
	test2?:     string
	checked:    bool
}

#ProtocolTemplate: {
	protocol_name:          string & !=""
	protocol_schema_id:     #Identifier
	default_serial_number?: string
	rows: [...#ProtocolRow]
}

// A production schema needs at least one stage.
#ProductionSchema: {
	schema_id:         #Identifier
	unit_name:         string & !=""
	schema_type?:      string
	parent_schema_id?: #Identifier
	production_stages: [#Stage, ...#Stage]
	schema_protocol?:  #ProtocolTemplate
}
`
