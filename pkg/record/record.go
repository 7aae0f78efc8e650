// Package record defines the decision record submitted to the audit ledger
// and its validation rules. The ledger never interprets the input/output
// snapshots; their schemas belong to callers and are enforced only through
// the optional SchemaRegistry.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/sijill/pkg/hijri"
)

// DecisionType categorizes logged AI decisions.
type DecisionType string

const (
	TypeProcurement DecisionType = "procurement"
	TypePolicy      DecisionType = "policy"
	TypeFinancial   DecisionType = "financial"
)

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case TypeProcurement, TypePolicy, TypeFinancial:
		return true
	}
	return false
}

// Reasoning is bilingual free text attached to a decision. The ledger
// passes it through verbatim.
type Reasoning struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// Timestamp carries the civil timestamp plus its Hijri representation.
// Neither value participates in ledger ordering; ordering is by assigned id.
type Timestamp struct {
	Civil time.Time `json:"civil"`
	Hijri string    `json:"hijri"`
}

// Now builds a dual-calendar timestamp for the current instant.
func Now() Timestamp {
	return At(time.Now().UTC())
}

// At builds a dual-calendar timestamp for t.
func At(t time.Time) Timestamp {
	return Timestamp{Civil: t, Hijri: hijri.FromTime(t).String()}
}

// DecisionRecord is one logged AI decision as submitted by a caller.
// Chain metadata (id, hashes) is assigned by the ledger, not the caller.
type DecisionRecord struct {
	DecisionType   DecisionType    `json:"decision_type"`
	InputSnapshot  json.RawMessage `json:"input_snapshot"`
	OutputSnapshot json.RawMessage `json:"output_snapshot"`
	ModelVersion   string          `json:"model_version"`
	Reasoning      Reasoning       `json:"reasoning"`
	Timestamp      Timestamp       `json:"timestamp"`
}

// ErrMalformed is the sentinel for all record validation failures.
var ErrMalformed = errors.New("malformed record")

// MalformedRecordError reports a record rejected before any chain mutation.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: field %q: %s", e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformed }

func malformed(field, reason string) error {
	return &MalformedRecordError{Field: field, Reason: reason}
}

// Validate checks the required fields of a decision record. It is called
// by the ledger before hashing; failures never reach storage.
func Validate(r DecisionRecord) error {
	if !r.DecisionType.Valid() {
		return malformed("decision_type", fmt.Sprintf("unknown type %q", r.DecisionType))
	}
	if err := validSnapshot("input_snapshot", r.InputSnapshot); err != nil {
		return err
	}
	if err := validSnapshot("output_snapshot", r.OutputSnapshot); err != nil {
		return err
	}
	if r.ModelVersion == "" {
		return malformed("model_version", "required")
	}
	if r.Reasoning.Primary == "" {
		return malformed("reasoning", "primary language text required")
	}
	if r.Timestamp.Civil.IsZero() {
		return malformed("timestamp", "civil timestamp required")
	}
	if r.Timestamp.Hijri != "" {
		if _, err := hijri.Parse(r.Timestamp.Hijri); err != nil {
			return malformed("timestamp", fmt.Sprintf("hijri date: %v", err))
		}
	}
	return nil
}

func validSnapshot(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return malformed(field, "required")
	}
	if !json.Valid(raw) {
		return malformed(field, "not valid JSON")
	}
	return nil
}
