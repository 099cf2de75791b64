package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"bartleby/internal/mail"
	"bartleby/internal/model"
	"bartleby/internal/schema"
)

// Value is the encoded answer for one field
type Value struct {
	FieldID string
	Value   json.RawMessage
}

// SaveParams describes one row write. RowID is set for updates.
type SaveParams struct {
	FormID    string
	Action    model.Action
	RowID     string
	Identity  model.Identity
	Submitted time.Time
	Values    []Value
}

// RowSaver writes a result row and all of its values atomically
type RowSaver interface {
	SaveResult(ctx context.Context, p SaveParams) (*model.ResultRow, error)
}

// RecipientLister resolves the addresses notified about a form
type RecipientLister interface {
	RecipientEmails(ctx context.Context, formID string) ([]string, error)
}

// Mailer dispatches a notification
type Mailer interface {
	Send(ctx context.Context, m mail.Message) error
}

// Submission is an accepted, validated submission
type Submission struct {
	Form     *model.Form
	Fields   []schema.FieldDescriptor
	Cleaned  map[string]interface{}
	Action   model.Action
	Row      *model.ResultRow
	Identity model.Identity
}

// Sink records accepted submissions and notifies recipients about them
type Sink struct {
	recipients RecipientLister
	mailer     Mailer
	site       string
	templates  *expirable.LRU[string, *template.Template]
	now        func() time.Time
	log        *zap.Logger
}

func NewSink(recipients RecipientLister, mailer Mailer, site string, log *zap.Logger) *Sink {
	return &Sink{
		recipients: recipients,
		mailer:     mailer,
		site:       site,
		templates:  expirable.NewLRU[string, *template.Template](128, nil, time.Hour),
		now:        time.Now,
		log:        log,
	}
}

// Persist stores the submission when the form saves to the database. Every
// field of the form gets a value; fields missing from the submission are
// stored as JSON null. It returns a nil row when nothing was stored.
func (s *Sink) Persist(ctx context.Context, rows RowSaver, sub Submission) (*model.ResultRow, error) {
	if !sub.Form.SaveToDatabase {
		return nil, nil
	}

	values := make([]Value, 0, len(sub.Fields))
	for _, f := range sub.Fields {
		raw := json.RawMessage("null")
		if v, ok := sub.Cleaned[f.Key]; ok && v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode value of %s: %w", f.Key, err)
			}
			raw = b
		}
		values = append(values, Value{FieldID: f.ID, Value: raw})
	}

	p := SaveParams{
		FormID:    sub.Form.ID,
		Action:    sub.Action,
		Identity:  sub.Identity,
		Submitted: s.now().UTC(),
		Values:    values,
	}
	if sub.Action == model.ActionUpdate {
		if sub.Row == nil {
			return nil, fmt.Errorf("update of form %s without a row", sub.Form.Key)
		}
		p.RowID = sub.Row.ID
	}

	row, err := rows.SaveResult(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}
	return row, nil
}

// FieldData is one answered field as seen by notification templates
type FieldData struct {
	Key   string
	Label string
	Value interface{}
}

// Text renders the value for a plain-text message
func (f FieldData) Text() string {
	switch v := f.Value.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(v, ", ")
	}
	return fmt.Sprint(f.Value)
}

// NotificationData is the template context of a notification
type NotificationData struct {
	Site      string
	Form      *model.Form
	Fields    []FieldData
	Data      map[string]interface{}
	Identity  model.Identity
	Action    model.Action
	Submitted time.Time
}

// Sender returns the From address of notifications for form
func (s *Sink) Sender(form *model.Form) string {
	if form.EmailSender != "" {
		return form.EmailSender
	}
	return "noreply@" + s.site
}

// Subject returns the notification subject for form
func (s *Sink) Subject(form *model.Form) string {
	return fmt.Sprintf("[%s] Form Submission: %s", s.site, form.Name)
}

// Notify emails the form's recipients about sub. Forms without a template or
// without recipients are skipped. Errors are returned for the caller to log;
// they never affect what Persist stored.
func (s *Sink) Notify(ctx context.Context, sub Submission) error {
	form := sub.Form
	if strings.TrimSpace(form.EmailTemplate) == "" {
		return nil
	}

	to, err := s.recipients.RecipientEmails(ctx, form.ID)
	if err != nil {
		return fmt.Errorf("failed to list recipients: %w", err)
	}
	if len(to) == 0 {
		s.log.Debug("No recipients for form", zap.String("form", form.Key))
		return nil
	}

	data := NotificationData{
		Site:      s.site,
		Form:      form,
		Data:      sub.Cleaned,
		Identity:  sub.Identity,
		Action:    sub.Action,
		Submitted: s.now().UTC(),
	}
	if sub.Row != nil {
		data.Submitted = sub.Row.Submitted
	}
	for _, f := range sub.Fields {
		data.Fields = append(data.Fields, FieldData{Key: f.Key, Label: f.Label, Value: sub.Cleaned[f.Key]})
	}

	body, err := s.Render(form.EmailTemplate, data)
	if err != nil {
		return err
	}

	msg := mail.Message{
		From:    s.Sender(form),
		To:      to,
		Subject: s.Subject(form),
		Body:    body,
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to dispatch notification: %w", err)
	}
	return nil
}

// Render executes a notification template, caching parsed templates by source
func (s *Sink) Render(src string, data NotificationData) (string, error) {
	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])

	tmpl, ok := s.templates.Get(key)
	if !ok {
		parsed, err := template.New("notification").
			Funcs(template.FuncMap{"join": strings.Join}).
			Parse(src)
		if err != nil {
			return "", fmt.Errorf("failed to parse email template: %w", err)
		}
		tmpl = parsed
		s.templates.Add(key, tmpl)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render email template: %w", err)
	}
	return buf.String(), nil
}
