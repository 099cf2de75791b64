package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InputKind names the variant of a synthesized input
type InputKind string

const (
	KindText     InputKind = "text"
	KindTextarea InputKind = "textarea"
	KindRadio    InputKind = "radio"
	KindCheckbox InputKind = "checkbox"
)

// HoneypotKey is the name of the bait input added to forms with the honeypot enabled
const HoneypotKey = "hp_website"

// InputBase holds what every input variant carries
type InputBase struct {
	FieldID  string
	Key      string
	Label    string
	HelpText string
	Required bool
}

// Input is one of TextInput, TextareaInput, RadioInput or CheckboxInput
type Input interface {
	Base() InputBase
	Kind() InputKind

	property() map[string]interface{}
	normalize(v interface{}) interface{}
	clean(v interface{}) interface{}
	decode(raw json.RawMessage) (interface{}, error)
}

// TextInput accepts a single line of free text
type TextInput struct{ InputBase }

// TextareaInput accepts multi-line free text
type TextareaInput struct{ InputBase }

// RadioInput accepts exactly one of its choices
type RadioInput struct {
	InputBase
	Choices []ChoiceDescriptor
}

// CheckboxInput accepts any subset of its choices
type CheckboxInput struct {
	InputBase
	Choices []ChoiceDescriptor
}

func (i TextInput) Base() InputBase     { return i.InputBase }
func (i TextareaInput) Base() InputBase { return i.InputBase }
func (i RadioInput) Base() InputBase    { return i.InputBase }
func (i CheckboxInput) Base() InputBase { return i.InputBase }

func (TextInput) Kind() InputKind     { return KindText }
func (TextareaInput) Kind() InputKind { return KindTextarea }
func (RadioInput) Kind() InputKind    { return KindRadio }
func (CheckboxInput) Kind() InputKind { return KindCheckbox }

// SubmissionForm is the validator and binder synthesized from a field list
type SubmissionForm struct {
	FormKey     string
	Inputs      []Input
	HoneypotKey string
}

// Options tune synthesis
type Options struct {
	Honeypot bool
}

// Synthesize builds a form from field descriptors. The result depends only
// on its arguments.
func Synthesize(formKey string, fields []FieldDescriptor, opts Options) *SubmissionForm {
	f := &SubmissionForm{FormKey: formKey, Inputs: make([]Input, 0, len(fields))}
	for _, d := range fields {
		f.Inputs = append(f.Inputs, inputFor(d))
	}
	if opts.Honeypot {
		f.HoneypotKey = honeypotKey(fields)
	}
	return f
}

func inputFor(d FieldDescriptor) Input {
	base := InputBase{
		FieldID:  d.ID,
		Key:      d.Key,
		Label:    d.Label,
		HelpText: d.HelpText,
		Required: d.Required,
	}
	switch {
	case len(d.Choices) > 0 && d.Multiple:
		return CheckboxInput{InputBase: base, Choices: d.Choices}
	case len(d.Choices) > 0:
		return RadioInput{InputBase: base, Choices: d.Choices}
	case d.Multiple:
		return TextareaInput{InputBase: base}
	default:
		return TextInput{InputBase: base}
	}
}

func honeypotKey(fields []FieldDescriptor) string {
	key := HoneypotKey
	for taken := true; taken; {
		taken = false
		for _, d := range fields {
			if d.Key == key {
				key += "_"
				taken = true
				break
			}
		}
	}
	return key
}

// Input returns the input bound to key
func (f *SubmissionForm) Input(key string) (Input, bool) {
	for _, in := range f.Inputs {
		if in.Base().Key == key {
			return in, true
		}
	}
	return nil, false
}

// JSONSchema describes the accepted payload: value types and permitted choices
func (f *SubmissionForm) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(f.Inputs))
	for _, in := range f.Inputs {
		p := in.property()
		b := in.Base()
		p["title"] = b.Label
		if b.HelpText != "" {
			p["description"] = b.HelpText
		}
		props[b.Key] = p
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
}

// Initial decodes stored JSON values back into the shapes the inputs bind to.
// Values that no longer decode for their input, such as after a field
// changed kind, are left out.
func (f *SubmissionForm) Initial(stored map[string]json.RawMessage) map[string]interface{} {
	out := make(map[string]interface{})
	for _, in := range f.Inputs {
		raw, ok := stored[in.Base().Key]
		if !ok || len(raw) == 0 || string(raw) == "null" {
			continue
		}
		v, err := in.decode(raw)
		if err != nil {
			continue
		}
		out[in.Base().Key] = v
	}
	return out
}

// InputView is the client-facing description of an input
type InputView struct {
	Kind     InputKind          `json:"kind"`
	Key      string             `json:"key"`
	Label    string             `json:"label"`
	HelpText string             `json:"helpText,omitempty"`
	Required bool               `json:"required"`
	Choices  []ChoiceDescriptor `json:"choices,omitempty"`
}

// View flattens an input for rendering
func View(in Input) InputView {
	b := in.Base()
	v := InputView{
		Kind:     in.Kind(),
		Key:      b.Key,
		Label:    b.Label,
		HelpText: b.HelpText,
		Required: b.Required,
	}
	switch t := in.(type) {
	case RadioInput:
		v.Choices = t.Choices
	case CheckboxInput:
		v.Choices = t.Choices
	}
	return v
}

func choiceKeys(choices []ChoiceDescriptor) []string {
	keys := make([]string, len(choices))
	for i, c := range choices {
		keys[i] = c.Key
	}
	return keys
}

func (TextInput) property() map[string]interface{} {
	return map[string]interface{}{"type": "string"}
}

func (TextareaInput) property() map[string]interface{} {
	return map[string]interface{}{"type": "string"}
}

func (i RadioInput) property() map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": choiceKeys(i.Choices)}
}

func (i CheckboxInput) property() map[string]interface{} {
	return map[string]interface{}{
		"type":  "array",
		"items": map[string]interface{}{"type": "string", "enum": choiceKeys(i.Choices)},
	}
}

// scalar collapses a single form-encoded value
func scalar(v interface{}) interface{} {
	if s, ok := v.([]string); ok && len(s) == 1 {
		return s[0]
	}
	return v
}

func (TextInput) normalize(v interface{}) interface{}     { return scalar(v) }
func (TextareaInput) normalize(v interface{}) interface{} { return scalar(v) }
func (RadioInput) normalize(v interface{}) interface{}    { return scalar(v) }

func (CheckboxInput) normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return []interface{}{t}
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return dedupe(out)
	case []interface{}:
		return dedupe(t)
	}
	return v
}

// dedupe drops repeated strings, keeping first occurrences in order
func dedupe(items []interface{}) []interface{} {
	seen := make(map[string]bool, len(items))
	out := make([]interface{}, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			if seen[s] {
				continue
			}
			seen[s] = true
		}
		out = append(out, it)
	}
	return out
}

func cleanString(v interface{}) interface{} {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func (TextInput) clean(v interface{}) interface{}     { return cleanString(v) }
func (TextareaInput) clean(v interface{}) interface{} { return cleanString(v) }
func (RadioInput) clean(v interface{}) interface{}    { return cleanString(v) }

func (CheckboxInput) clean(v interface{}) interface{} {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeString(raw json.RawMessage) (interface{}, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode string: %w", err)
	}
	return s, nil
}

func (TextInput) decode(raw json.RawMessage) (interface{}, error)     { return decodeString(raw) }
func (TextareaInput) decode(raw json.RawMessage) (interface{}, error) { return decodeString(raw) }
func (RadioInput) decode(raw json.RawMessage) (interface{}, error)    { return decodeString(raw) }

func (CheckboxInput) decode(raw json.RawMessage) (interface{}, error) {
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return s, nil
}
