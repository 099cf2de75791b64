// Package storetest provides an in-memory store for service and API tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"bartleby/internal/model"
	"bartleby/internal/policy"
	"bartleby/internal/schema"
	"bartleby/internal/service"
	"bartleby/internal/sink"
)

type data struct {
	seq     int
	forms   map[string]*model.Form // by key
	fields  map[string][]model.Field
	rows    []model.ResultRow
	values  map[string]map[string]json.RawMessage // row id -> field id -> value
	users   map[string]model.User                 // by username
	groups  map[string]model.Group                // by name
	emailTo map[string][]string                   // form id -> usernames
	emailGr map[string][]string                   // form id -> group names
}

// MemStore implements service.Store and service.AdminStore. WithinLock
// serializes every caller regardless of key and does not roll back.
type MemStore struct {
	mu   *sync.Mutex
	d    *data
	held bool

	// FailSave makes SaveResult return it
	FailSave error
}

func New() *MemStore {
	return &MemStore{
		mu: &sync.Mutex{},
		d: &data{
			forms:   make(map[string]*model.Form),
			fields:  make(map[string][]model.Field),
			values:  make(map[string]map[string]json.RawMessage),
			users:   make(map[string]model.User),
			groups:  make(map[string]model.Group),
			emailTo: make(map[string][]string),
			emailGr: make(map[string][]string),
		},
	}
}

func (m *MemStore) lock() func() {
	if m.held {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemStore) nextID(prefix string) string {
	m.d.seq++
	return prefix + strconv.Itoa(m.d.seq)
}

func (m *MemStore) GetFormByKey(ctx context.Context, key string) (*model.Form, error) {
	defer m.lock()()
	f, ok := m.d.forms[key]
	if !ok {
		return nil, fmt.Errorf("form %s: %w", key, schema.ErrFormNotFound)
	}
	cp := *f
	return &cp, nil
}

func (m *MemStore) ListFields(ctx context.Context, formID string) ([]model.Field, error) {
	defer m.lock()()
	return append([]model.Field(nil), m.d.fields[formID]...), nil
}

func matches(r model.ResultRow, formID string, id model.Identity) bool {
	if r.FormID != formID {
		return false
	}
	switch id.Kind {
	case model.IdentityUser:
		return r.UserID == id.Value
	case model.IdentityIP:
		return r.IPAddress == id.Value
	case model.IdentityCookie:
		return r.Cookie == id.Value
	}
	return false
}

func (m *MemStore) CountRows(ctx context.Context, formID string, id model.Identity) (int, error) {
	defer m.lock()()
	n := 0
	for _, r := range m.d.rows {
		if matches(r, formID, id) {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) LatestRow(ctx context.Context, formID string, id model.Identity) (*model.ResultRow, error) {
	defer m.lock()()
	var latest *model.ResultRow
	for i := range m.d.rows {
		r := m.d.rows[i]
		if !matches(r, formID, id) {
			continue
		}
		if latest == nil || !r.Submitted.Before(latest.Submitted) {
			cp := r
			latest = &cp
		}
	}
	if latest == nil {
		return nil, policy.ErrNoRow
	}
	return latest, nil
}

func (m *MemStore) SaveResult(ctx context.Context, p sink.SaveParams) (*model.ResultRow, error) {
	defer m.lock()()
	if m.FailSave != nil {
		return nil, m.FailSave
	}

	var row *model.ResultRow
	if p.Action == model.ActionUpdate {
		for i := range m.d.rows {
			if m.d.rows[i].ID == p.RowID {
				m.d.rows[i].Submitted = p.Submitted
				row = &m.d.rows[i]
			}
		}
		if row == nil {
			return nil, fmt.Errorf("row %s not found", p.RowID)
		}
	} else {
		r := model.ResultRow{ID: m.nextID("row-"), FormID: p.FormID, Submitted: p.Submitted}
		switch p.Identity.Kind {
		case model.IdentityUser:
			r.UserID = p.Identity.Value
		case model.IdentityIP:
			r.IPAddress = p.Identity.Value
		case model.IdentityCookie:
			r.Cookie = p.Identity.Value
		}
		m.d.rows = append(m.d.rows, r)
		row = &m.d.rows[len(m.d.rows)-1]
	}

	vals := m.d.values[row.ID]
	if vals == nil {
		vals = make(map[string]json.RawMessage)
		m.d.values[row.ID] = vals
	}
	for _, v := range p.Values {
		vals[v.FieldID] = append(json.RawMessage(nil), v.Value...)
	}
	cp := *row
	return &cp, nil
}

func (m *MemStore) RecipientEmails(ctx context.Context, formID string) ([]string, error) {
	defer m.lock()()
	set := make(map[string]bool)
	add := func(username string) {
		if u, ok := m.d.users[username]; ok && u.Email != "" {
			set[u.Email] = true
		}
	}
	for _, name := range m.d.emailTo[formID] {
		add(name)
	}
	for _, g := range m.d.emailGr[formID] {
		for _, name := range m.d.groups[g].Members {
			add(name)
		}
	}
	var out []string
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) RowValues(ctx context.Context, rowID string) (map[string]json.RawMessage, error) {
	defer m.lock()()
	out := make(map[string]json.RawMessage)
	for k, v := range m.d.values[rowID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) WithinLock(ctx context.Context, key string, fn func(service.Store) error) error {
	defer m.lock()()
	return fn(&MemStore{mu: m.mu, d: m.d, held: true, FailSave: m.FailSave})
}

// SaveForm expects a normalized definition
func (m *MemStore) SaveForm(ctx context.Context, def service.FormDefinition) (*model.Form, error) {
	defer m.lock()()
	f, ok := m.d.forms[def.Key]
	if !ok {
		f = &model.Form{ID: m.nextID("form-"), Key: def.Key}
		m.d.forms[def.Key] = f
	}
	f.Name = def.Name
	f.HelpText = def.HelpText
	f.Record = def.Record
	f.LoginRequired = def.LoginRequired
	f.AllowChanges = def.AllowChanges
	f.MaxSubmissions = *def.MaxSubmissions
	f.Honeypot = *def.Honeypot
	f.SaveToDatabase = *def.SaveToDatabase
	f.EmailTemplate = def.EmailTemplate
	f.EmailSender = def.EmailSender

	existing := make(map[string]string)
	for _, fd := range m.d.fields[f.ID] {
		existing[fd.Key] = fd.ID
	}
	var fields []model.Field
	for _, fd := range def.Fields {
		id, ok := existing[fd.Key]
		if !ok {
			id = m.nextID("field-")
		}
		delete(existing, fd.Key)
		field := model.Field{
			ID:       id,
			FormID:   f.ID,
			Key:      fd.Key,
			Label:    fd.Label,
			HelpText: fd.HelpText,
			Required: fd.Required,
			Multiple: fd.Multiple,
			Order:    *fd.Order,
		}
		for _, c := range fd.Choices {
			field.Choices = append(field.Choices, model.Choice{
				ID:          m.nextID("choice-"),
				Key:         c.Key,
				VerboseName: c.Label,
				Order:       *c.Order,
			})
		}
		fields = append(fields, field)
	}
	for _, removed := range existing {
		for _, vals := range m.d.values {
			delete(vals, removed)
		}
	}
	m.d.fields[f.ID] = fields
	m.d.emailTo[f.ID] = append([]string(nil), def.EmailUsers...)
	m.d.emailGr[f.ID] = append([]string(nil), def.EmailGroups...)

	cp := *f
	return &cp, nil
}

func (m *MemStore) SaveUser(ctx context.Context, def service.UserDefinition) (*model.User, error) {
	defer m.lock()()
	u, ok := m.d.users[def.Username]
	if !ok {
		u.ID = m.nextID("user-")
	}
	u.Username, u.FullName, u.Email = def.Username, def.FullName, def.Email
	m.d.users[def.Username] = u
	return &u, nil
}

func (m *MemStore) SaveGroup(ctx context.Context, def service.GroupDefinition) (*model.Group, error) {
	defer m.lock()()
	g, ok := m.d.groups[def.Name]
	if !ok {
		g.ID = m.nextID("group-")
	}
	g.Name = def.Name
	g.Members = append([]string(nil), def.Members...)
	m.d.groups[def.Name] = g
	return &g, nil
}

func (m *MemStore) submitter(r model.ResultRow) string {
	if u, ok := m.d.users[r.UserID]; ok && r.UserID != "" {
		return u.DisplayName()
	}
	return r.Submitter()
}

func (m *MemStore) ListResults(ctx context.Context, formID string, by service.ResultSort, desc bool) ([]service.ResultEntry, error) {
	defer m.lock()()
	var out []service.ResultEntry
	for _, r := range m.d.rows {
		if r.FormID != formID {
			continue
		}
		vals := make(map[string]json.RawMessage)
		for k, v := range m.d.values[r.ID] {
			vals[k] = v
		}
		out = append(out, service.ResultEntry{Row: r, Submitter: m.submitter(r), Values: vals})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if desc {
			a, b = b, a
		}
		if by == service.SortBySubmitter && a.Submitter != b.Submitter {
			return a.Submitter < b.Submitter
		}
		return a.Row.Submitted.Before(b.Row.Submitted)
	})
	return out, nil
}

// Rows returns a copy of every stored row of the form
func (m *MemStore) Rows(formKey string) []model.ResultRow {
	defer m.lock()()
	f, ok := m.d.forms[formKey]
	if !ok {
		return nil
	}
	var out []model.ResultRow
	for _, r := range m.d.rows {
		if r.FormID == f.ID {
			out = append(out, r)
		}
	}
	return out
}

// Values returns the stored values of a row keyed by field key
func (m *MemStore) Values(formKey, rowID string) map[string]json.RawMessage {
	defer m.lock()()
	f, ok := m.d.forms[formKey]
	if !ok {
		return nil
	}
	out := make(map[string]json.RawMessage)
	for _, fd := range m.d.fields[f.ID] {
		if v, ok := m.d.values[rowID][fd.ID]; ok {
			out[fd.Key] = v
		}
	}
	return out
}
