package schema

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ErrorKind classifies a field validation failure
type ErrorKind string

const (
	ErrRequired      ErrorKind = "required"
	ErrInvalidChoice ErrorKind = "invalid-choice"
	ErrTypeMismatch  ErrorKind = "type-mismatch"
)

// InvalidSubmission is the only message shown for honeypot hits and for
// payloads that are not a key/value object
const InvalidSubmission = "invalid submission"

// FieldError is a validation failure attached to one input
type FieldError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the outcome of binding a payload
type Result struct {
	Valid          bool                    `json:"valid"`
	Cleaned        map[string]interface{}  `json:"-"`
	Errors         map[string][]FieldError `json:"errors,omitempty"`
	NonFieldErrors []string                `json:"nonFieldErrors,omitempty"`
	// Suspected is set for honeypot hits. It is for logging and never sent to clients.
	Suspected bool `json:"-"`
}

func (r *Result) addError(key string, kind ErrorKind, msg string) {
	if r.Errors == nil {
		r.Errors = make(map[string][]FieldError)
	}
	r.Errors[key] = append(r.Errors[key], FieldError{Kind: kind, Message: msg})
}

// Validator checks a payload against a JSON Schema document
type Validator interface {
	Validate(ctx context.Context, schema map[string]interface{}, value map[string]interface{}) ([]Violation, error)
}

// PayloadFromValues converts form-encoded values into a bindable payload
func PayloadFromValues(values url.Values) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch len(v) {
		case 0:
		case 1:
			out[k] = v[0]
		default:
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Bind validates payload and returns the cleaned values. An error is
// returned only when validation itself could not run.
func (f *SubmissionForm) Bind(ctx context.Context, v Validator, payload map[string]interface{}) (Result, error) {
	if f.HoneypotKey != "" && !isBlank(payload[f.HoneypotKey]) {
		return Result{NonFieldErrors: []string{InvalidSubmission}, Suspected: true}, nil
	}

	normalized := make(map[string]interface{}, len(f.Inputs))
	for _, in := range f.Inputs {
		key := in.Base().Key
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		n := in.normalize(raw)
		if isBlank(n) {
			continue
		}
		normalized[key] = n
	}

	var res Result
	violations, err := v.Validate(ctx, f.JSONSchema(), normalized)
	if err != nil {
		return Result{}, fmt.Errorf("failed to validate payload: %w", err)
	}
	byField := make(map[string][]Violation)
	for _, vio := range violations {
		if _, ok := f.Input(vio.Field); !ok {
			res.NonFieldErrors = append(res.NonFieldErrors, InvalidSubmission)
			continue
		}
		byField[vio.Field] = append(byField[vio.Field], vio)
	}

	res.Cleaned = make(map[string]interface{})
	for _, in := range f.Inputs {
		b := in.Base()
		value, present := normalized[b.Key]
		if vios, bad := byField[b.Key]; bad {
			kind, msg := classify(vios, value)
			res.addError(b.Key, kind, msg)
			continue
		}
		if !present {
			if b.Required {
				res.addError(b.Key, ErrRequired, "This field is required.")
			}
			continue
		}
		res.Cleaned[b.Key] = in.clean(value)
	}

	res.Valid = len(res.Errors) == 0 && len(res.NonFieldErrors) == 0
	if !res.Valid {
		res.Cleaned = nil
	}
	return res, nil
}

// classify reduces the violations of one field to a single error. A wrong
// type wins over an unknown choice.
func classify(vios []Violation, value interface{}) (ErrorKind, string) {
	for _, vio := range vios {
		if vio.Keyword != "enum" {
			return ErrTypeMismatch, "Enter a valid value."
		}
	}
	return ErrInvalidChoice, fmt.Sprintf("Select a valid choice. %s is not one of the available choices.", describe(value))
}

func describe(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, it := range t {
			parts = append(parts, fmt.Sprint(it))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}

func isBlank(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		return len(t) == 0
	case []interface{}:
		return len(t) == 0
	}
	return false
}
