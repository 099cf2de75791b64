package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bartleby/internal/mail"
	"bartleby/internal/model"
	"bartleby/internal/policy"
	"bartleby/internal/schema"
	"bartleby/internal/service"
	"bartleby/internal/sink"
	"bartleby/internal/storetest"
)

// MockEventBus records published events
type MockEventBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (m *MockEventBus) PublishForm(formKey string, event map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockEventBus) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e["type"].(string))
	}
	return out
}

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (c *captureMailer) Send(ctx context.Context, m mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m)
	return nil
}

type fixture struct {
	store  *storetest.MemStore
	mailer *captureMailer
	bus    *MockEventBus
	engine *policy.Engine
	forms  *service.FormService
	subs   *service.SubmissionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storetest.New(),
		mailer: &captureMailer{},
		bus:    &MockEventBus{},
		engine: policy.NewEngine([]byte("test-secret")),
	}
	log := zap.NewNop()
	compiler := schema.NewCompilerWithCache(16)
	sk := sink.NewSink(f.store, f.mailer, "example.com", log)
	f.forms = service.NewFormService(f.store, compiler, f.bus, log)
	f.subs = service.NewSubmissionService(f.store, compiler, f.engine, sk, f.bus, log)
	return f
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func contactDefinition() service.FormDefinition {
	return service.FormDefinition{
		Key:           "contact",
		Name:          "Contact",
		EmailTemplate: "{{range .Fields}}{{.Label}}: {{.Text}}\n{{end}}",
		EmailUsers:    []string{"ops"},
		Fields: []service.FieldDefinition{
			{Key: "name", Label: "Name", Required: true},
			{Key: "email", Label: "Email"},
			{Key: "topic", Label: "Topic", Choices: []service.ChoiceDefinition{
				{Key: "sales", Label: "Sales"},
				{Key: "support", Label: "Support"},
			}},
			{Key: "message", Label: "Message", Multiple: true},
		},
	}
}

func (f *fixture) saveForm(t *testing.T, def service.FormDefinition) *model.Form {
	t.Helper()
	ctx := context.Background()
	_, err := f.forms.SaveUser(ctx, service.UserDefinition{Username: "ops", Email: "ops@example.com"})
	require.NoError(t, err)
	form, err := f.forms.Save(ctx, def)
	require.NoError(t, err)
	return form
}

func validPayload() map[string]interface{} {
	return map[string]interface{}{
		"name":    "  Ada  ",
		"email":   "ada@example.com",
		"topic":   "support",
		"message": "Hello",
	}
}

func TestSubmit_ContactScenario(t *testing.T) {
	f := newFixture(t)
	f.saveForm(t, contactDefinition())
	ctx := context.Background()
	visitor := service.Visitor{RemoteIP: "203.0.113.7"}

	out, err := f.subs.Submit(ctx, "contact", visitor, validPayload())
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, model.ActionCreate, out.Action)
	assert.True(t, out.Persisted)
	require.NotNil(t, out.Row)
	assert.Equal(t, "203.0.113.7", out.Row.IPAddress)

	rows := f.store.Rows("contact")
	require.Len(t, rows, 1)
	values := f.store.Values("contact", rows[0].ID)
	want := map[string]json.RawMessage{
		"name":    json.RawMessage(`"Ada"`),
		"email":   json.RawMessage(`"ada@example.com"`),
		"topic":   json.RawMessage(`"support"`),
		"message": json.RawMessage(`"Hello"`),
	}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Errorf("stored values mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, f.mailer.sent[0].To)
	assert.Equal(t, "[example.com] Form Submission: Contact", f.mailer.sent[0].Subject)
	assert.Contains(t, f.mailer.sent[0].Body, "Name: Ada")
	assert.Equal(t, []string{"form.updated", "submission.created"}, f.bus.Types())

	out, err = f.subs.Submit(ctx, "contact", visitor, validPayload())
	require.NoError(t, err)
	assert.False(t, out.Accepted())
	assert.Equal(t, model.DenyLimitReached, out.Deny)
	assert.Len(t, f.store.Rows("contact"), 1)
	assert.Len(t, f.mailer.sent, 1)
}

func TestSubmit_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	f.saveForm(t, contactDefinition())

	payload := validPayload()
	delete(payload, "name")
	payload["topic"] = "billing"

	out, err := f.subs.Submit(context.Background(), "contact", service.Visitor{RemoteIP: "203.0.113.7"}, payload)
	require.NoError(t, err)
	require.NotNil(t, out.Validation)
	assert.False(t, out.Validation.Valid)
	assert.Equal(t, schema.ErrRequired, out.Validation.Errors["name"][0].Kind)
	assert.Equal(t, schema.ErrInvalidChoice, out.Validation.Errors["topic"][0].Kind)
	assert.Empty(t, f.store.Rows("contact"))
	assert.Empty(t, f.mailer.sent)
}

func TestSubmit_ValidationRunsBeforePolicy(t *testing.T) {
	f := newFixture(t)
	def := contactDefinition()
	def.LoginRequired = true
	f.saveForm(t, def)

	out, err := f.subs.Submit(context.Background(), "contact", service.Visitor{}, map[string]interface{}{})
	require.NoError(t, err)
	require.NotNil(t, out.Validation)
	assert.Empty(t, out.Deny)
}

func TestSubmit_Honeypot(t *testing.T) {
	f := newFixture(t)
	f.saveForm(t, contactDefinition())

	payload := validPayload()
	payload[schema.HoneypotKey] = "http://spam.example"

	out, err := f.subs.Submit(context.Background(), "contact", service.Visitor{RemoteIP: "203.0.113.7"}, payload)
	require.NoError(t, err)
	require.NotNil(t, out.Validation)
	assert.Equal(t, []string{schema.InvalidSubmission}, out.Validation.NonFieldErrors)
	assert.Empty(t, f.store.Rows("contact"))
}

func TestSubmit_LoginRequired(t *testing.T) {
	f := newFixture(t)
	def := contactDefinition()
	def.LoginRequired = true
	f.saveForm(t, def)
	ctx := context.Background()

	out, err := f.subs.Submit(ctx, "contact", service.Visitor{RemoteIP: "203.0.113.7"}, validPayload())
	require.NoError(t, err)
	assert.Equal(t, model.DenyLoginRequired, out.Deny)

	out, err = f.subs.Submit(ctx, "contact", service.Visitor{UserID: "ada", RemoteIP: "203.0.113.7"}, validPayload())
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, "ada", out.Row.UserID)
}

func TestSubmit_AllowChangesUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	def := contactDefinition()
	def.AllowChanges = true
	f.saveForm(t, def)
	ctx := context.Background()
	visitor := service.Visitor{UserID: "ada"}

	first, err := f.subs.Submit(ctx, "contact", visitor, validPayload())
	require.NoError(t, err)
	require.Equal(t, model.ActionCreate, first.Action)

	payload := validPayload()
	payload["message"] = "Changed"
	delete(payload, "email")
	second, err := f.subs.Submit(ctx, "contact", visitor, payload)
	require.NoError(t, err)
	require.True(t, second.Accepted())
	assert.Equal(t, model.ActionUpdate, second.Action)
	assert.Equal(t, first.Row.ID, second.Row.ID)

	rows := f.store.Rows("contact")
	require.Len(t, rows, 1)
	values := f.store.Values("contact", rows[0].ID)
	assert.JSONEq(t, `"Changed"`, string(values["message"]))
	assert.JSONEq(t, `null`, string(values["email"]))
	assert.Equal(t, []string{"form.updated", "submission.created", "submission.updated"}, f.bus.Types())
}

func TestSubmit_Unlimited(t *testing.T) {
	f := newFixture(t)
	def := contactDefinition()
	def.MaxSubmissions = intp(0)
	f.saveForm(t, def)

	for i := 0; i < 3; i++ {
		out, err := f.subs.Submit(context.Background(), "contact", service.Visitor{RemoteIP: "203.0.113.7"}, validPayload())
		require.NoError(t, err)
		require.True(t, out.Accepted())
	}
	assert.Len(t, f.store.Rows("contact"), 3)
}

func TestSubmit_CookiesRequired(t *testing.T) {
	f := newFixture(t)
	form := f.saveForm(t, contactDefinition())
	ctx := context.Background()

	out, err := f.subs.Submit(ctx, "contact", service.Visitor{}, validPayload())
	require.NoError(t, err)
	assert.Equal(t, model.DenyCookiesRequired, out.Deny)
	require.NotNil(t, out.SetCookie)
	assert.Equal(t, f.engine.CookieName(form), out.SetCookie.Name)

	visitor := service.Visitor{Cookies: []*http.Cookie{out.SetCookie}}
	out, err = f.subs.Submit(ctx, "contact", visitor, validPayload())
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, visitor.Cookies[0].Value, out.Row.Cookie)
}

func TestSubmit_NotPersisted(t *testing.T) {
	f := newFixture(t)
	def := contactDefinition()
	def.SaveToDatabase = boolp(false)
	f.saveForm(t, def)

	out, err := f.subs.Submit(context.Background(), "contact", service.Visitor{RemoteIP: "203.0.113.7"}, validPayload())
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.False(t, out.Persisted)
	assert.Nil(t, out.Row)
	assert.Empty(t, f.store.Rows("contact"))
	assert.Len(t, f.mailer.sent, 1)
	assert.Equal(t, []string{"form.updated"}, f.bus.Types())
}

func TestSubmit_NotifyFailureKeepsRow(t *testing.T) {
	f := newFixture(t)
	f.saveForm(t, contactDefinition())
	f.mailer.err = errors.New("relay down")

	out, err := f.subs.Submit(context.Background(), "contact", service.Visitor{RemoteIP: "203.0.113.7"}, validPayload())
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Error(t, out.NotifyErr)
	assert.Len(t, f.store.Rows("contact"), 1)
}

func TestSubmit_PersistFailureSkipsNotify(t *testing.T) {
	f := newFixture(t)
	f.saveForm(t, contactDefinition())
	f.store.FailSave = errors.New("disk full")

	_, err := f.subs.Submit(context.Background(), "contact", service.Visitor{RemoteIP: "203.0.113.7"}, validPayload())
	require.Error(t, err)
	assert.Empty(t, f.mailer.sent)
}

func TestSubmit_UnknownForm(t *testing.T) {
	f := newFixture(t)

	_, err := f.subs.Submit(context.Background(), "missing", service.Visitor{}, validPayload())
	assert.ErrorIs(t, err, schema.ErrFormNotFound)
}

func TestSubmit_ConcurrentRespectsLimit(t *testing.T) {
	f := newFixture(t)
	f.saveForm(t, contactDefinition())
	visitor := service.Visitor{RemoteIP: "203.0.113.7"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.subs.Submit(context.Background(), "contact", visitor, validPayload())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, f.store.Rows("contact"), 1)
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)
	f.saveForm(t, contactDefinition())

	d, err := f.subs.Describe(context.Background(), "contact", service.Visitor{})
	require.NoError(t, err)
	assert.Equal(t, "Contact", d.Form.Name)
	require.Len(t, d.Inputs, 4)
	assert.Equal(t, schema.KindText, d.Inputs[0].Kind)
	assert.Equal(t, schema.KindRadio, d.Inputs[2].Kind)
	assert.Equal(t, schema.KindTextarea, d.Inputs[3].Kind)
	assert.Equal(t, schema.HoneypotKey, d.HoneypotKey)
	require.NotNil(t, d.SetCookie)
	assert.Nil(t, d.Initial)
}

func TestDescribe_KeepsExistingCookie(t *testing.T) {
	f := newFixture(t)
	form := f.saveForm(t, contactDefinition())
	cookie := f.engine.MintCookie(form)

	d, err := f.subs.Describe(context.Background(), "contact", service.Visitor{Cookies: []*http.Cookie{cookie}})
	require.NoError(t, err)
	assert.Nil(t, d.SetCookie)
}

func TestDescribe_PrefillsPreviousSubmission(t *testing.T) {
	f := newFixture(t)
	def := contactDefinition()
	def.AllowChanges = true
	f.saveForm(t, def)
	ctx := context.Background()
	visitor := service.Visitor{UserID: "ada"}

	_, err := f.subs.Submit(ctx, "contact", visitor, validPayload())
	require.NoError(t, err)

	d, err := f.subs.Describe(ctx, "contact", visitor)
	require.NoError(t, err)
	want := map[string]interface{}{
		"name":    "Ada",
		"email":   "ada@example.com",
		"topic":   "support",
		"message": "Hello",
	}
	if diff := cmp.Diff(want, d.Initial); diff != "" {
		t.Errorf("initial mismatch (-want +got):\n%s", diff)
	}

	d, err = f.subs.Describe(ctx, "contact", service.Visitor{UserID: "grace"})
	require.NoError(t, err)
	assert.Empty(t, d.Initial)
}
