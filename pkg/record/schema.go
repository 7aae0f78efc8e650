package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds caller-registered JSON Schemas keyed by decision
// type. When schemas are present for a type, the ledger validates that
// type's input and output snapshots against them at append time. A type
// may additionally pin a semver constraint on model_version; types
// without one accept any identifier.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[DecisionType]typeSchemas
}

type typeSchemas struct {
	input   *jsonschema.Schema
	output  *jsonschema.Schema
	version *semver.Constraints
}

// NewSchemaRegistry creates an empty registry. A registry with no schemas
// accepts every structurally valid snapshot.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[DecisionType]typeSchemas)}
}

// Register compiles and stores the snapshot schemas for the given decision
// type, replacing any previous registration. Either schema may be nil to
// leave that snapshot unvalidated.
func (r *SchemaRegistry) Register(t DecisionType, inputSchema, outputSchema []byte) error {
	if !t.Valid() {
		return fmt.Errorf("schema registry: unknown decision type %q", t)
	}

	var ts typeSchemas
	var err error
	if inputSchema != nil {
		ts.input, err = compile(fmt.Sprintf("sijill://schemas/%s/input.json", t), inputSchema)
		if err != nil {
			return err
		}
	}
	if outputSchema != nil {
		ts.output, err = compile(fmt.Sprintf("sijill://schemas/%s/output.json", t), outputSchema)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ts.version = r.schemas[t].version
	r.schemas[t] = ts
	return nil
}

// SetModelConstraint pins the acceptable model versions for a decision
// type, e.g. ">= 2.0.0". Appends of that type must then carry a
// semver-parseable model_version satisfying the constraint.
func (r *SchemaRegistry) SetModelConstraint(t DecisionType, constraint string) error {
	if !t.Valid() {
		return fmt.Errorf("schema registry: unknown decision type %q", t)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("schema registry: constraint for %s: %w", t, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.schemas[t]
	ts.version = c
	r.schemas[t] = ts
	return nil
}

func compile(url string, schemaJSON []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("schema registry: add %s: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema registry: compile %s: %w", url, err)
	}
	return schema, nil
}

// Validate checks rec's snapshots against the registered schemas for its
// decision type, if any. Violations are MalformedRecordErrors.
func (r *SchemaRegistry) Validate(rec DecisionRecord) error {
	r.mu.RLock()
	ts, ok := r.schemas[rec.DecisionType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if ts.version != nil {
		v, err := semver.NewVersion(rec.ModelVersion)
		if err != nil {
			return malformed("model_version", fmt.Sprintf("constrained type requires a semantic version: %v", err))
		}
		if !ts.version.Check(v) {
			return malformed("model_version", fmt.Sprintf("version %s not allowed for %s decisions", rec.ModelVersion, rec.DecisionType))
		}
	}
	if ts.input != nil {
		if err := validateAgainst(ts.input, "input_snapshot", rec.InputSnapshot); err != nil {
			return err
		}
	}
	if ts.output != nil {
		if err := validateAgainst(ts.output, "output_snapshot", rec.OutputSnapshot); err != nil {
			return err
		}
	}
	return nil
}

func validateAgainst(schema *jsonschema.Schema, field string, raw json.RawMessage) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return malformed(field, fmt.Sprintf("not valid JSON: %v", err))
	}
	if err := schema.Validate(value); err != nil {
		return malformed(field, err.Error())
	}
	return nil
}
