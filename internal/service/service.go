package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bartleby/internal/model"
	"bartleby/internal/policy"
	"bartleby/internal/schema"
	"bartleby/internal/sink"
)

// ErrInvalidDefinition is returned for form or directory definitions that fail validation
var ErrInvalidDefinition = errors.New("invalid definition")

type EventBus interface {
	PublishForm(formKey string, event map[string]interface{}) error
}

// Store is the persistence used by the submission pipeline
type Store interface {
	schema.FormSource
	policy.RowFinder
	sink.RowSaver
	sink.RecipientLister

	// RowValues returns the stored values of a row keyed by field id
	RowValues(ctx context.Context, rowID string) (map[string]json.RawMessage, error)

	// WithinLock runs fn in a transaction. Callers sharing a non-empty key
	// are serialized until the transaction ends.
	WithinLock(ctx context.Context, key string, fn func(Store) error) error
}

// ResultSort selects the column results are ordered by
type ResultSort string

const (
	SortBySubmitter ResultSort = "submitter"
	SortBySubmitted ResultSort = "submitted"
)

// ResultEntry is a stored row together with its values keyed by field id
type ResultEntry struct {
	Row       model.ResultRow
	Submitter string
	Values    map[string]json.RawMessage
}

// AdminStore is the persistence used for form management
type AdminStore interface {
	schema.FormSource

	SaveForm(ctx context.Context, def FormDefinition) (*model.Form, error)
	SaveUser(ctx context.Context, def UserDefinition) (*model.User, error)
	SaveGroup(ctx context.Context, def GroupDefinition) (*model.Group, error)
	ListResults(ctx context.Context, formID string, sort ResultSort, desc bool) ([]ResultEntry, error)
}

// submissionEvent builds the event published after a row is written
func submissionEvent(form *model.Form, action model.Action, row *model.ResultRow) map[string]interface{} {
	eventType := "submission.created"
	if action == model.ActionUpdate {
		eventType = "submission.updated"
	}
	return map[string]interface{}{
		"type":      eventType,
		"form":      form.Key,
		"rowId":     row.ID,
		"submitter": row.Submitter(),
		"submitted": row.Submitted.Format(time.RFC3339),
	}
}
