package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bartleby/internal/model"
)

// ErrFormNotFound is returned when a form key does not resolve
var ErrFormNotFound = errors.New("form not found")

// FormSource is the read side of the form store
type FormSource interface {
	// GetFormByKey returns ErrFormNotFound (possibly wrapped) for unknown keys
	GetFormByKey(ctx context.Context, key string) (*model.Form, error)
	// ListFields returns the fields of a form with their choices populated
	ListFields(ctx context.Context, formID string) ([]model.Field, error)
}

// ChoiceDescriptor is one permitted value of a field
type ChoiceDescriptor struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// FieldDescriptor is the ordered, storage-independent description of a field
type FieldDescriptor struct {
	ID       string             `json:"-"`
	Key      string             `json:"key"`
	Label    string             `json:"label"`
	HelpText string             `json:"helpText,omitempty"`
	Required bool               `json:"required"`
	Multiple bool               `json:"multiple"`
	Choices  []ChoiceDescriptor `json:"choices,omitempty"`
}

// Reader loads form schemas
type Reader struct {
	source FormSource
}

func NewReader(source FormSource) *Reader {
	return &Reader{source: source}
}

// Read returns the form and its field descriptors in display order
func (r *Reader) Read(ctx context.Context, key string) (*model.Form, []FieldDescriptor, error) {
	form, err := r.source.GetFormByKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrFormNotFound) {
			return nil, nil, fmt.Errorf("form %q: %w", key, ErrFormNotFound)
		}
		return nil, nil, fmt.Errorf("failed to get form: %w", err)
	}

	fields, err := r.source.ListFields(ctx, form.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list fields: %w", err)
	}
	return form, Describe(fields), nil
}

// Describe converts stored fields into descriptors, ordered by Order with
// the incoming order kept for ties
func Describe(fields []model.Field) []FieldDescriptor {
	sorted := make([]model.Field, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	out := make([]FieldDescriptor, 0, len(sorted))
	for _, f := range sorted {
		d := FieldDescriptor{
			ID:       f.ID,
			Key:      f.Key,
			Label:    f.Label,
			HelpText: f.HelpText,
			Required: f.Required,
			Multiple: f.Multiple,
		}
		choices := make([]model.Choice, len(f.Choices))
		copy(choices, f.Choices)
		sort.SliceStable(choices, func(i, j int) bool { return choices[i].Order < choices[j].Order })
		for _, c := range choices {
			d.Choices = append(d.Choices, ChoiceDescriptor{Key: c.Key, Label: c.VerboseName})
		}
		out = append(out, d)
	}
	return out
}
