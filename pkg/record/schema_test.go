package record_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sijill/pkg/record"
)

var procurementInputSchema = []byte(`{
	"type": "object",
	"required": ["tender"],
	"properties": {
		"tender": {"type": "string"},
		"bids": {"type": "integer", "minimum": 1}
	}
}`)

func TestSchemaRegistry_Validate(t *testing.T) {
	reg := record.NewSchemaRegistry()
	require.NoError(t, reg.Register(record.TypeProcurement, procurementInputSchema, nil))

	r := validRecord()
	require.NoError(t, reg.Validate(r))

	r.InputSnapshot = json.RawMessage(`{"bids":3}`)
	err := reg.Validate(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrMalformed)
}

// Types without a registered schema pass through untouched.
func TestSchemaRegistry_UnregisteredType(t *testing.T) {
	reg := record.NewSchemaRegistry()
	require.NoError(t, reg.Register(record.TypeProcurement, procurementInputSchema, nil))

	r := validRecord()
	r.DecisionType = record.TypeFinancial
	r.InputSnapshot = json.RawMessage(`{"anything":"goes"}`)
	require.NoError(t, reg.Validate(r))
}

// A pinned model constraint applies only to its decision type and only
// once a caller opts in; unconstrained types keep accepting opaque
// identifiers.
func TestSchemaRegistry_ModelConstraint(t *testing.T) {
	reg := record.NewSchemaRegistry()
	require.NoError(t, reg.SetModelConstraint(record.TypeProcurement, ">= 2.0.0"))

	r := validRecord()
	r.ModelVersion = "2.1.0"
	require.NoError(t, reg.Validate(r))

	r.ModelVersion = "1.9.0"
	err := reg.Validate(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrMalformed)

	r.ModelVersion = "gpt-4o"
	err = reg.Validate(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrMalformed)

	r.DecisionType = record.TypeFinancial
	require.NoError(t, reg.Validate(r))
}

// Registering schemas after a constraint must not drop the constraint.
func TestSchemaRegistry_ConstraintSurvivesRegister(t *testing.T) {
	reg := record.NewSchemaRegistry()
	require.NoError(t, reg.SetModelConstraint(record.TypeProcurement, ">= 2.0.0"))
	require.NoError(t, reg.Register(record.TypeProcurement, procurementInputSchema, nil))

	r := validRecord()
	r.ModelVersion = "1.0.0"
	assert.ErrorIs(t, reg.Validate(r), record.ErrMalformed)
}

func TestSchemaRegistry_BadConstraint(t *testing.T) {
	reg := record.NewSchemaRegistry()
	assert.Error(t, reg.SetModelConstraint(record.TypeProcurement, "about two-ish"))
	assert.Error(t, reg.SetModelConstraint("marketing", ">= 1.0.0"))
}

func TestSchemaRegistry_RejectsBadSchema(t *testing.T) {
	reg := record.NewSchemaRegistry()
	assert.Error(t, reg.Register(record.TypePolicy, []byte(`{"type": 42}`), nil))
	assert.Error(t, reg.Register("marketing", procurementInputSchema, nil))
}
