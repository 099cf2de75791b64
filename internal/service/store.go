package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bartleby/internal/db"
	"bartleby/internal/model"
	"bartleby/internal/policy"
	"bartleby/internal/schema"
	"bartleby/internal/sink"
)

// PGStore implements Store and AdminStore on top of Postgres
type PGStore struct {
	q    *db.Queries
	inTx bool
}

func NewPGStore(q *db.Queries) *PGStore {
	return &PGStore{q: q}
}

func toForm(f db.Form) *model.Form {
	return &model.Form{
		ID:             f.ID,
		Key:            f.Key,
		Name:           f.Name,
		HelpText:       f.HelpText,
		Record:         model.TrackingMode(f.Record),
		LoginRequired:  f.LoginRequired,
		AllowChanges:   f.AllowChanges,
		MaxSubmissions: f.MaxSubmissions,
		Honeypot:       f.Honeypot,
		SaveToDatabase: f.SaveToDatabase,
		EmailTemplate:  f.EmailTemplate,
		EmailSender:    f.EmailSender,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toRow(r db.ResultRow) *model.ResultRow {
	return &model.ResultRow{
		ID:        r.ID,
		FormID:    r.FormID,
		Submitted: r.SubmittedAt,
		UserID:    deref(r.UserID),
		IPAddress: deref(r.IPAddress),
		Cookie:    deref(r.Cookie),
	}
}

func (s *PGStore) GetFormByKey(ctx context.Context, key string) (*model.Form, error) {
	f, err := s.q.GetFormByKey(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("form %s: %w", key, schema.ErrFormNotFound)
		}
		return nil, err
	}
	return toForm(f), nil
}

func (s *PGStore) ListFields(ctx context.Context, formID string) ([]model.Field, error) {
	rows, err := s.q.ListFields(ctx, formID)
	if err != nil {
		return nil, err
	}
	choices, err := s.q.ListChoicesByForm(ctx, formID)
	if err != nil {
		return nil, err
	}

	byField := make(map[string][]model.Choice)
	for _, c := range choices {
		byField[c.FieldID] = append(byField[c.FieldID], model.Choice{
			ID:          c.ID,
			Key:         c.Key,
			VerboseName: c.VerboseName,
			Order:       c.Position,
		})
	}

	fields := make([]model.Field, 0, len(rows))
	for _, f := range rows {
		fields = append(fields, model.Field{
			ID:       f.ID,
			FormID:   f.FormID,
			Key:      f.Key,
			Label:    f.Label,
			HelpText: f.HelpText,
			Required: f.Required,
			Multiple: f.Multiple,
			Order:    f.Position,
			Choices:  byField[f.ID],
		})
	}
	return fields, nil
}

func (s *PGStore) CountRows(ctx context.Context, formID string, id model.Identity) (int, error) {
	return s.q.CountRows(ctx, formID, string(id.Kind), id.Value)
}

func (s *PGStore) LatestRow(ctx context.Context, formID string, id model.Identity) (*model.ResultRow, error) {
	r, err := s.q.LatestRow(ctx, formID, string(id.Kind), id.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, policy.ErrNoRow
		}
		return nil, err
	}
	return toRow(r), nil
}

func (s *PGStore) SaveResult(ctx context.Context, p sink.SaveParams) (*model.ResultRow, error) {
	if !s.inTx {
		var row *model.ResultRow
		err := s.WithinLock(ctx, "", func(tx Store) error {
			var err error
			row, err = tx.SaveResult(ctx, p)
			return err
		})
		return row, err
	}

	var (
		r   db.ResultRow
		err error
	)
	if p.Action == model.ActionUpdate {
		r, err = s.q.TouchRow(ctx, p.RowID, p.Submitted)
	} else {
		params := db.CreateRowParams{ID: db.NewID(), FormID: p.FormID, SubmittedAt: p.Submitted}
		if !p.Identity.IsZero() {
			v := p.Identity.Value
			switch p.Identity.Kind {
			case model.IdentityUser:
				params.UserID = &v
			case model.IdentityIP:
				params.IPAddress = &v
			case model.IdentityCookie:
				params.Cookie = &v
			}
		}
		r, err = s.q.CreateRow(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	for _, v := range p.Values {
		if err := s.q.UpsertFieldValue(ctx, v.FieldID, r.ID, v.Value); err != nil {
			return nil, err
		}
	}
	return toRow(r), nil
}

func (s *PGStore) RecipientEmails(ctx context.Context, formID string) ([]string, error) {
	return s.q.ListRecipientEmails(ctx, formID)
}

func (s *PGStore) RowValues(ctx context.Context, rowID string) (map[string]json.RawMessage, error) {
	values, err := s.q.ListRowValues(ctx, rowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(values))
	for _, v := range values {
		out[v.FieldID] = v.Value
	}
	return out, nil
}

func (s *PGStore) WithinLock(ctx context.Context, key string, fn func(Store) error) error {
	return s.q.InTx(ctx, key, func(q *db.Queries) error {
		return fn(&PGStore{q: q, inTx: true})
	})
}

// SaveForm writes the form, its fields and choices, and its recipients in
// one transaction. def must be normalized.
func (s *PGStore) SaveForm(ctx context.Context, def FormDefinition) (*model.Form, error) {
	var form *model.Form
	err := s.q.InTx(ctx, "form|"+def.Key, func(q *db.Queries) error {
		f, err := q.UpsertForm(ctx, db.UpsertFormParams{
			Key:            def.Key,
			Name:           def.Name,
			HelpText:       def.HelpText,
			Record:         string(def.Record),
			LoginRequired:  def.LoginRequired,
			AllowChanges:   def.AllowChanges,
			MaxSubmissions: *def.MaxSubmissions,
			Honeypot:       *def.Honeypot,
			SaveToDatabase: *def.SaveToDatabase,
			EmailTemplate:  def.EmailTemplate,
			EmailSender:    def.EmailSender,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert form: %w", err)
		}

		keep := make([]string, 0, len(def.Fields))
		for _, fd := range def.Fields {
			keep = append(keep, fd.Key)
		}
		if _, err := q.DeleteFieldsExcept(ctx, f.ID, keep); err != nil {
			return fmt.Errorf("failed to prune fields: %w", err)
		}

		for _, fd := range def.Fields {
			field, err := q.UpsertField(ctx, db.UpsertFieldParams{
				FormID:   f.ID,
				Key:      fd.Key,
				Label:    fd.Label,
				HelpText: fd.HelpText,
				Required: fd.Required,
				Multiple: fd.Multiple,
				Position: *fd.Order,
			})
			if err != nil {
				return fmt.Errorf("failed to upsert field %s: %w", fd.Key, err)
			}
			choices := make([]db.ChoiceParams, 0, len(fd.Choices))
			for _, c := range fd.Choices {
				choices = append(choices, db.ChoiceParams{Key: c.Key, VerboseName: c.Label, Position: *c.Order})
			}
			if err := q.ReplaceChoices(ctx, field.ID, choices); err != nil {
				return fmt.Errorf("failed to replace choices of %s: %w", fd.Key, err)
			}
		}

		if err := q.SetFormRecipients(ctx, f.ID, def.EmailUsers, def.EmailGroups); err != nil {
			return fmt.Errorf("failed to set recipients: %w", err)
		}
		form = toForm(f)
		return nil
	})
	return form, err
}

func (s *PGStore) SaveUser(ctx context.Context, def UserDefinition) (*model.User, error) {
	u, err := s.q.UpsertUser(ctx, def.Username, def.FullName, def.Email)
	if err != nil {
		return nil, err
	}
	return &model.User{ID: u.ID, Username: u.Username, FullName: u.FullName, Email: u.Email}, nil
}

func (s *PGStore) SaveGroup(ctx context.Context, def GroupDefinition) (*model.Group, error) {
	var group *model.Group
	err := s.q.InTx(ctx, "", func(q *db.Queries) error {
		g, err := q.UpsertGroup(ctx, def.Name)
		if err != nil {
			return err
		}
		if err := q.SetGroupMembers(ctx, g.ID, def.Members); err != nil {
			return err
		}
		group = &model.Group{ID: g.ID, Name: g.Name, Members: def.Members}
		return nil
	})
	return group, err
}

func (s *PGStore) ListResults(ctx context.Context, formID string, sort ResultSort, desc bool) ([]ResultEntry, error) {
	dbSort := db.SortSubmitted
	if sort == SortBySubmitter {
		dbSort = db.SortSubmitter
	}
	rows, err := s.q.ListResults(ctx, formID, dbSort, desc)
	if err != nil {
		return nil, err
	}
	values, err := s.q.ListFormValues(ctx, formID)
	if err != nil {
		return nil, err
	}

	byRow := make(map[string]map[string]json.RawMessage, len(rows))
	for _, v := range values {
		if byRow[v.RowID] == nil {
			byRow[v.RowID] = make(map[string]json.RawMessage)
		}
		byRow[v.RowID][v.FieldID] = v.Value
	}

	out := make([]ResultEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ResultEntry{
			Row:       *toRow(r.ResultRow),
			Submitter: r.Submitter,
			Values:    byRow[r.ID],
		})
	}
	return out, nil
}
