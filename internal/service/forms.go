package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"bartleby/internal/mail"
	"bartleby/internal/model"
	"bartleby/internal/schema"
)

const slugPattern = "^[a-z0-9][a-z0-9_-]*$"

// ChoiceDefinition is one permitted value of a field definition
type ChoiceDefinition struct {
	Key   string `json:"key" yaml:"key"`
	Label string `json:"label" yaml:"label"`
	Order *int   `json:"order,omitempty" yaml:"order,omitempty"`
}

// FieldDefinition describes a field as written by an administrator
type FieldDefinition struct {
	Key      string             `json:"key" yaml:"key"`
	Label    string             `json:"label" yaml:"label"`
	HelpText string             `json:"helpText,omitempty" yaml:"helpText,omitempty"`
	Required bool               `json:"required,omitempty" yaml:"required,omitempty"`
	Multiple bool               `json:"multiple,omitempty" yaml:"multiple,omitempty"`
	Order    *int               `json:"order,omitempty" yaml:"order,omitempty"`
	Choices  []ChoiceDefinition `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// FormDefinition describes a form as written by an administrator. Unset
// pointers take their defaults in Normalize.
type FormDefinition struct {
	Key            string             `json:"key" yaml:"key"`
	Name           string             `json:"name" yaml:"name"`
	HelpText       string             `json:"helpText,omitempty" yaml:"helpText,omitempty"`
	Record         model.TrackingMode `json:"record,omitempty" yaml:"record,omitempty"`
	LoginRequired  bool               `json:"loginRequired,omitempty" yaml:"loginRequired,omitempty"`
	AllowChanges   bool               `json:"allowChanges,omitempty" yaml:"allowChanges,omitempty"`
	MaxSubmissions *int               `json:"maxSubmissions,omitempty" yaml:"maxSubmissions,omitempty"`
	Honeypot       *bool              `json:"honeypot,omitempty" yaml:"honeypot,omitempty"`
	SaveToDatabase *bool              `json:"saveToDatabase,omitempty" yaml:"saveToDatabase,omitempty"`
	EmailTemplate  string             `json:"emailTemplate,omitempty" yaml:"emailTemplate,omitempty"`
	EmailSender    string             `json:"emailSender,omitempty" yaml:"emailSender,omitempty"`
	EmailUsers     []string           `json:"emailUsers,omitempty" yaml:"emailUsers,omitempty"`
	EmailGroups    []string           `json:"emailGroups,omitempty" yaml:"emailGroups,omitempty"`
	Fields         []FieldDefinition  `json:"fields,omitempty" yaml:"fields,omitempty"`
}

type UserDefinition struct {
	Username string `json:"username" yaml:"username"`
	FullName string `json:"fullName,omitempty" yaml:"fullName,omitempty"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty"`
}

type GroupDefinition struct {
	Name    string   `json:"name" yaml:"name"`
	Members []string `json:"members,omitempty" yaml:"members,omitempty"`
}

// Bundle is the content of an import file
type Bundle struct {
	Users  []UserDefinition  `yaml:"users"`
	Groups []GroupDefinition `yaml:"groups"`
	Forms  []FormDefinition  `yaml:"forms"`
}

// LoadBundle decodes a YAML import file. Unknown keys are rejected.
func LoadBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && err != io.EOF {
		return Bundle{}, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return b, nil
}

var definitionSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"key", "name"},
	"properties": map[string]interface{}{
		"key":            map[string]interface{}{"type": "string", "pattern": slugPattern},
		"name":           map[string]interface{}{"type": "string", "minLength": 1},
		"record":         map[string]interface{}{"enum": []interface{}{"user", "ip", "none"}},
		"maxSubmissions": map[string]interface{}{"type": "integer", "minimum": 0},
		"fields": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"key", "label"},
				"properties": map[string]interface{}{
					"key":   map[string]interface{}{"type": "string", "pattern": slugPattern},
					"label": map[string]interface{}{"type": "string", "minLength": 1},
					"choices": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type":     "object",
							"required": []interface{}{"key", "label"},
							"properties": map[string]interface{}{
								"key":   map[string]interface{}{"type": "string", "minLength": 1},
								"label": map[string]interface{}{"type": "string", "minLength": 1},
							},
						},
					},
				},
			},
		},
	},
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// Normalize validates the definition and fills in defaults: tracking by
// user, one submission, honeypot on, saved to the database, and field and
// choice order following list position.
func (d FormDefinition) Normalize(ctx context.Context, v schema.Validator) (FormDefinition, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return d, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return d, err
	}
	vios, err := v.Validate(ctx, definitionSchema, doc)
	if err != nil {
		return d, err
	}
	if len(vios) > 0 {
		if vios[0].Field == "" {
			return d, invalid("%s", vios[0].Message)
		}
		return d, invalid("%s: %s", vios[0].Field, vios[0].Message)
	}

	if d.Record == "" {
		d.Record = model.TrackUserOrIP
	}
	if d.MaxSubmissions == nil {
		d.MaxSubmissions = intPtr(1)
	}
	if d.Honeypot == nil {
		d.Honeypot = boolPtr(true)
	}
	if d.SaveToDatabase == nil {
		d.SaveToDatabase = boolPtr(true)
	}
	if d.EmailSender != "" {
		if err := mail.ValidAddress(d.EmailSender); err != nil {
			return d, invalid("emailSender: %v", err)
		}
	}

	fields := make([]FieldDefinition, len(d.Fields))
	seen := make(map[string]bool, len(d.Fields))
	for i, f := range d.Fields {
		if seen[f.Key] {
			return d, invalid("duplicate field key %q", f.Key)
		}
		seen[f.Key] = true
		if f.Order == nil {
			f.Order = intPtr(i)
		}

		choices := make([]ChoiceDefinition, len(f.Choices))
		seenChoice := make(map[string]bool, len(f.Choices))
		for j, c := range f.Choices {
			if seenChoice[c.Key] {
				return d, invalid("field %s: duplicate choice key %q", f.Key, c.Key)
			}
			seenChoice[c.Key] = true
			if c.Order == nil {
				c.Order = intPtr(j)
			}
			choices[j] = c
		}
		f.Choices = choices
		fields[i] = f
	}
	d.Fields = fields
	return d, nil
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// FormService manages form definitions, the recipient directory and results
type FormService struct {
	store     AdminStore
	reader    *schema.Reader
	validator schema.Validator
	bus       EventBus
	log       *zap.Logger
}

func NewFormService(store AdminStore, validator schema.Validator, bus EventBus, log *zap.Logger) *FormService {
	return &FormService{
		store:     store,
		reader:    schema.NewReader(store),
		validator: validator,
		bus:       bus,
		log:       log,
	}
}

// Save creates or replaces a form. Fields missing from the definition are
// removed together with their stored values.
func (s *FormService) Save(ctx context.Context, def FormDefinition) (*model.Form, error) {
	def, err := def.Normalize(ctx, s.validator)
	if err != nil {
		return nil, err
	}

	form, err := s.store.SaveForm(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to save form %s: %w", def.Key, err)
	}

	_ = s.bus.PublishForm(form.Key, map[string]interface{}{
		"type":      "form.updated",
		"form":      form.Key,
		"updatedAt": form.UpdatedAt.Format(time.RFC3339),
	})

	s.log.Info("Form saved", zap.String("form", form.Key), zap.Int("fields", len(def.Fields)))
	return form, nil
}

func (s *FormService) SaveUser(ctx context.Context, def UserDefinition) (*model.User, error) {
	if def.Username == "" {
		return nil, invalid("username is required")
	}
	if def.Email != "" {
		if err := mail.ValidAddress(def.Email); err != nil {
			return nil, invalid("email: %v", err)
		}
	}
	u, err := s.store.SaveUser(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to save user %s: %w", def.Username, err)
	}
	return u, nil
}

func (s *FormService) SaveGroup(ctx context.Context, def GroupDefinition) (*model.Group, error) {
	if def.Name == "" {
		return nil, invalid("group name is required")
	}
	g, err := s.store.SaveGroup(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to save group %s: %w", def.Name, err)
	}
	return g, nil
}

// ImportSummary counts what an import wrote
type ImportSummary struct {
	Users  int `json:"users"`
	Groups int `json:"groups"`
	Forms  int `json:"forms"`
}

// Import saves users, then groups, then forms so that later entries can
// reference earlier ones. It stops at the first failure.
func (s *FormService) Import(ctx context.Context, b Bundle) (ImportSummary, error) {
	var sum ImportSummary
	for _, u := range b.Users {
		if _, err := s.SaveUser(ctx, u); err != nil {
			return sum, err
		}
		sum.Users++
	}
	for _, g := range b.Groups {
		if _, err := s.SaveGroup(ctx, g); err != nil {
			return sum, err
		}
		sum.Groups++
	}
	for _, f := range b.Forms {
		if _, err := s.Save(ctx, f); err != nil {
			return sum, err
		}
		sum.Forms++
	}
	return sum, nil
}

// ResultsQuery selects the ordering of a results table
type ResultsQuery struct {
	Sort ResultSort
	Desc bool
}

// ResultsTable is the tabular view of a form's stored submissions
type ResultsTable struct {
	Form    string         `json:"form"`
	Headers []string       `json:"headers"`
	Rows    []ResultsEntry `json:"rows"`
}

type ResultsEntry struct {
	ID        string        `json:"id"`
	Submitter string        `json:"submitter"`
	Submitted time.Time     `json:"submitted"`
	Values    []interface{} `json:"values"`
}

// Results returns one line per stored row with a column per field. Missing
// and null values come out as empty strings.
func (s *FormService) Results(ctx context.Context, key string, q ResultsQuery) (*ResultsTable, error) {
	switch q.Sort {
	case "":
		q.Sort = SortBySubmitted
	case SortBySubmitted, SortBySubmitter:
	default:
		return nil, invalid("unknown sort %q", q.Sort)
	}

	form, fields, err := s.reader.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ListResults(ctx, form.ID, q.Sort, q.Desc)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	t := &ResultsTable{
		Form:    form.Key,
		Headers: []string{"Poster", "Post time"},
		Rows:    make([]ResultsEntry, 0, len(entries)),
	}
	for _, f := range fields {
		t.Headers = append(t.Headers, f.Label)
	}

	for _, e := range entries {
		row := ResultsEntry{
			ID:        e.Row.ID,
			Submitter: e.Submitter,
			Submitted: e.Row.Submitted,
			Values:    make([]interface{}, len(fields)),
		}
		for i, f := range fields {
			row.Values[i] = cellValue(e.Values[f.ID])
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func cellValue(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return ""
	}
	return v
}
