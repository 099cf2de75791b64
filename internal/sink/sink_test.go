package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bartleby/internal/mail"
	"bartleby/internal/model"
	"bartleby/internal/schema"
)

type recordingSaver struct {
	calls []SaveParams
	err   error
}

func (r *recordingSaver) SaveResult(ctx context.Context, p SaveParams) (*model.ResultRow, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.calls = append(r.calls, p)
	id := p.RowID
	if id == "" {
		id = "row-new"
	}
	return &model.ResultRow{ID: id, FormID: p.FormID, Submitted: p.Submitted}, nil
}

type staticRecipients []string

func (s staticRecipients) RecipientEmails(ctx context.Context, formID string) ([]string, error) {
	return s, nil
}

type captureMailer struct {
	sent []mail.Message
	err  error
}

func (c *captureMailer) Send(ctx context.Context, m mail.Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m)
	return nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSink(recipients RecipientLister, mailer Mailer) *Sink {
	s := NewSink(recipients, mailer, "example.com", zap.NewNop())
	s.now = func() time.Time { return fixedNow }
	return s
}

func contactSubmission() Submission {
	return Submission{
		Form: &model.Form{
			ID:             "form-1",
			Key:            "contact",
			Name:           "Contact",
			SaveToDatabase: true,
			EmailTemplate:  "{{range .Fields}}{{.Label}}: {{.Text}}\n{{end}}via {{.Site}}",
		},
		Fields: []schema.FieldDescriptor{
			{ID: "f-name", Key: "name", Label: "Name"},
			{ID: "f-topic", Key: "topic", Label: "Topic"},
			{ID: "f-tags", Key: "tags", Label: "Tags"},
		},
		Cleaned:  map[string]interface{}{"name": "Ada", "tags": []string{"a", "b"}},
		Action:   model.ActionCreate,
		Identity: model.Identity{Kind: model.IdentityCookie, Value: "abc"},
	}
}

func TestPersist_WritesEveryField(t *testing.T) {
	saver := &recordingSaver{}
	s := newTestSink(staticRecipients(nil), &captureMailer{})

	row, err := s.Persist(context.Background(), saver, contactSubmission())
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Len(t, saver.calls, 1)

	p := saver.calls[0]
	assert.Equal(t, "form-1", p.FormID)
	assert.Equal(t, model.ActionCreate, p.Action)
	assert.Equal(t, fixedNow, p.Submitted)
	assert.Equal(t, []Value{
		{FieldID: "f-name", Value: []byte(`"Ada"`)},
		{FieldID: "f-topic", Value: []byte(`null`)},
		{FieldID: "f-tags", Value: []byte(`["a","b"]`)},
	}, p.Values)
}

func TestPersist_Update(t *testing.T) {
	saver := &recordingSaver{}
	s := newTestSink(staticRecipients(nil), &captureMailer{})

	sub := contactSubmission()
	sub.Action = model.ActionUpdate
	sub.Row = &model.ResultRow{ID: "row-7"}

	row, err := s.Persist(context.Background(), saver, sub)
	require.NoError(t, err)
	assert.Equal(t, "row-7", row.ID)
	assert.Equal(t, "row-7", saver.calls[0].RowID)

	sub.Row = nil
	_, err = s.Persist(context.Background(), saver, sub)
	assert.Error(t, err)
}

func TestPersist_Disabled(t *testing.T) {
	saver := &recordingSaver{}
	s := newTestSink(staticRecipients(nil), &captureMailer{})

	sub := contactSubmission()
	sub.Form.SaveToDatabase = false

	row, err := s.Persist(context.Background(), saver, sub)
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Empty(t, saver.calls)
}

func TestPersist_StoreError(t *testing.T) {
	s := newTestSink(staticRecipients(nil), &captureMailer{})

	_, err := s.Persist(context.Background(), &recordingSaver{err: errors.New("disk full")}, contactSubmission())
	assert.ErrorContains(t, err, "disk full")
}

func TestNotify_SendsRenderedMessage(t *testing.T) {
	mailer := &captureMailer{}
	s := newTestSink(staticRecipients{"ops@example.com", "team@example.com"}, mailer)

	require.NoError(t, s.Notify(context.Background(), contactSubmission()))
	require.Len(t, mailer.sent, 1)

	m := mailer.sent[0]
	assert.Equal(t, "noreply@example.com", m.From)
	assert.Equal(t, []string{"ops@example.com", "team@example.com"}, m.To)
	assert.Equal(t, "[example.com] Form Submission: Contact", m.Subject)
	assert.Equal(t, "Name: Ada\nTopic: \nTags: a, b\nvia example.com", m.Body)
}

func TestNotify_CustomSender(t *testing.T) {
	mailer := &captureMailer{}
	s := newTestSink(staticRecipients{"ops@example.com"}, mailer)

	sub := contactSubmission()
	sub.Form.EmailSender = "forms@example.org"
	require.NoError(t, s.Notify(context.Background(), sub))
	assert.Equal(t, "forms@example.org", mailer.sent[0].From)
}

func TestNotify_Skips(t *testing.T) {
	mailer := &captureMailer{}

	s := newTestSink(staticRecipients(nil), mailer)
	require.NoError(t, s.Notify(context.Background(), contactSubmission()))

	s = newTestSink(staticRecipients{"ops@example.com"}, mailer)
	sub := contactSubmission()
	sub.Form.EmailTemplate = "  "
	require.NoError(t, s.Notify(context.Background(), sub))

	assert.Empty(t, mailer.sent)
}

func TestNotify_Errors(t *testing.T) {
	s := newTestSink(staticRecipients{"ops@example.com"}, &captureMailer{err: errors.New("relay down")})
	assert.ErrorContains(t, s.Notify(context.Background(), contactSubmission()), "relay down")

	s = newTestSink(staticRecipients{"ops@example.com"}, &captureMailer{})
	sub := contactSubmission()
	sub.Form.EmailTemplate = "{{.Nope"
	assert.Error(t, s.Notify(context.Background(), sub))
}

func TestRender_CachesParsedTemplates(t *testing.T) {
	s := newTestSink(staticRecipients(nil), &captureMailer{})

	out, err := s.Render(`{{join .Data.tags "+"}}`, NotificationData{Data: map[string]interface{}{"tags": []string{"x", "y"}}})
	require.NoError(t, err)
	assert.Equal(t, "x+y", out)
	assert.Equal(t, 1, s.templates.Len())

	_, err = s.Render(`{{join .Data.tags "+"}}`, NotificationData{Data: map[string]interface{}{"tags": []string{"z"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, s.templates.Len())
}
