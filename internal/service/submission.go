package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"bartleby/internal/model"
	"bartleby/internal/policy"
	"bartleby/internal/schema"
	"bartleby/internal/sink"
)

// Visitor is what the transport knows about the caller
type Visitor struct {
	UserID   string
	RemoteIP string
	Cookies  []*http.Cookie
}

type SubmissionService struct {
	store     Store
	reader    *schema.Reader
	validator schema.Validator
	engine    *policy.Engine
	sink      *sink.Sink
	bus       EventBus
	log       *zap.Logger
}

func NewSubmissionService(store Store, validator schema.Validator, engine *policy.Engine, sk *sink.Sink, bus EventBus, log *zap.Logger) *SubmissionService {
	return &SubmissionService{
		store:     store,
		reader:    schema.NewReader(store),
		validator: validator,
		engine:    engine,
		sink:      sk,
		bus:       bus,
		log:       log,
	}
}

func (s *SubmissionService) requester(form *model.Form, v Visitor) policy.Requester {
	return policy.Requester{
		UserID:        v.UserID,
		Authenticated: v.UserID != "",
		RemoteIP:      v.RemoteIP,
		Cookie:        s.engine.CookieFrom(form, v.Cookies),
	}
}

// Description is a form ready to be rendered by a client
type Description struct {
	Form        *model.Form
	Inputs      []schema.InputView
	Schema      map[string]interface{}
	HoneypotKey string
	Initial     map[string]interface{}
	SetCookie   *http.Cookie
}

// Describe synthesizes the form for key. When the form allows changes and
// the visitor already submitted, Initial holds the stored values.
func (s *SubmissionService) Describe(ctx context.Context, key string, v Visitor) (*Description, error) {
	form, fields, err := s.reader.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	sf := schema.Synthesize(form.Key, fields, schema.Options{Honeypot: form.Honeypot})

	d := &Description{
		Form:        form,
		Schema:      sf.JSONSchema(),
		HoneypotKey: sf.HoneypotKey,
	}
	for _, in := range sf.Inputs {
		d.Inputs = append(d.Inputs, schema.View(in))
	}

	req := s.requester(form, v)
	if req.Cookie == "" && form.Record != model.TrackNone {
		d.SetCookie = s.engine.MintCookie(form)
		req.Cookie = d.SetCookie.Value
	}

	if form.AllowChanges {
		initial, err := s.initial(ctx, form, fields, sf, req)
		if err != nil {
			return nil, err
		}
		d.Initial = initial
	}
	return d, nil
}

func (s *SubmissionService) initial(ctx context.Context, form *model.Form, fields []schema.FieldDescriptor, sf *schema.SubmissionForm, req policy.Requester) (map[string]interface{}, error) {
	res := s.engine.Resolve(form, req)
	if res.Denied() || res.Identity.IsZero() {
		return nil, nil
	}

	row, err := s.store.LatestRow(ctx, form.ID, res.Identity)
	if err != nil {
		if errors.Is(err, policy.ErrNoRow) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find previous submission: %w", err)
	}

	byID, err := s.store.RowValues(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous values: %w", err)
	}
	byKey := make(map[string]json.RawMessage, len(byID))
	for _, f := range fields {
		if raw, ok := byID[f.ID]; ok {
			byKey[f.Key] = raw
		}
	}
	return sf.Initial(byKey), nil
}

// Outcome is the result of a submission attempt. Exactly one of Validation
// (invalid payload), Deny, or Action describes what happened.
type Outcome struct {
	Validation *schema.Result
	Deny       model.DenyReason
	Action     model.Action
	Row        *model.ResultRow
	Persisted  bool
	SetCookie  *http.Cookie
	// NotifyErr is a notification failure; the submission itself stands
	NotifyErr error
}

// Accepted reports whether the submission passed validation and policy
func (o *Outcome) Accepted() bool {
	return o.Validation == nil && o.Deny == ""
}

// Submit runs a payload through validation, policy, persistence and
// notification
func (s *SubmissionService) Submit(ctx context.Context, key string, v Visitor, payload map[string]interface{}) (*Outcome, error) {
	form, fields, err := s.reader.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	sf := schema.Synthesize(form.Key, fields, schema.Options{Honeypot: form.Honeypot})

	res, err := sf.Bind(ctx, s.validator, payload)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		if res.Suspected {
			s.log.Info("Honeypot triggered", zap.String("form", form.Key), zap.String("remote_ip", v.RemoteIP))
		}
		return &Outcome{Validation: &res}, nil
	}

	resolution := s.engine.Resolve(form, s.requester(form, v))
	out := &Outcome{SetCookie: resolution.SetCookie}
	if resolution.Denied() {
		out.Deny = resolution.Deny
		s.log.Info("Submission denied", zap.String("form", form.Key), zap.String("reason", string(out.Deny)))
		return out, nil
	}

	sub := sink.Submission{
		Form:     form,
		Fields:   fields,
		Cleaned:  res.Cleaned,
		Identity: resolution.Identity,
	}
	err = s.store.WithinLock(ctx, lockKey(form, resolution.Identity), func(tx Store) error {
		d, err := s.engine.Gate(ctx, tx, form, resolution.Identity)
		if err != nil {
			return err
		}
		if !d.Allowed {
			out.Deny = d.Deny
			return nil
		}
		sub.Action, sub.Row = d.Action, d.Row

		row, err := s.sink.Persist(ctx, tx, sub)
		if err != nil {
			return err
		}
		if row != nil {
			sub.Row = row
			out.Persisted = true
		}
		out.Action, out.Row = sub.Action, row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}
	if out.Deny != "" {
		s.log.Info("Submission denied", zap.String("form", form.Key), zap.String("reason", string(out.Deny)))
		return out, nil
	}

	if err := s.sink.Notify(ctx, sub); err != nil {
		s.log.Error("Failed to send submission notification", zap.String("form", form.Key), zap.Error(err))
		out.NotifyErr = err
	}

	if out.Persisted {
		_ = s.bus.PublishForm(form.Key, submissionEvent(form, out.Action, out.Row))
	}

	s.log.Info("Submission accepted",
		zap.String("form", form.Key),
		zap.String("action", string(out.Action)),
		zap.Bool("persisted", out.Persisted),
	)
	return out, nil
}

// lockKey scopes serialization to one identity on one form. Anonymous
// submissions are never counted, so they need no lock.
func lockKey(form *model.Form, id model.Identity) string {
	if id.IsZero() {
		return ""
	}
	return "submission|" + form.ID + "|" + id.String()
}
