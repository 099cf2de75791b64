package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"time"

	"bartleby/internal/auth"
	"bartleby/internal/model"
	"bartleby/internal/schema"
	"bartleby/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxPayloadBytes bounds submission bodies
const maxPayloadBytes = 1 << 20

// remoteIP strips the port RemoteAddr carries unless RealIP rewrote it
func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func visitor(r *http.Request) service.Visitor {
	return service.Visitor{
		UserID:   auth.GetUserID(r.Context()),
		RemoteIP: remoteIP(r),
		Cookies:  r.Cookies(),
	}
}

// writeServiceError maps service errors onto responses
func (d Dependencies) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, schema.ErrFormNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "Form not found", d.Log)
	case errors.Is(err, service.ErrInvalidDefinition):
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), d.Log)
	default:
		d.Log.Error("Request failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", fallback, d.Log)
	}
}

type FormResponse struct {
	Key         string                 `json:"key"`
	Name        string                 `json:"name"`
	HelpText    string                 `json:"helpText,omitempty"`
	Inputs      []schema.InputView     `json:"inputs"`
	Schema      map[string]interface{} `json:"schema"`
	HoneypotKey string                 `json:"honeypotKey,omitempty"`
	Initial     map[string]interface{} `json:"initial,omitempty"`
}

func (d Dependencies) getForm(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	desc, err := d.Submissions.Describe(r.Context(), key, visitor(r))
	if err != nil {
		d.writeServiceError(w, err, "Could not load form")
		return
	}
	if desc.SetCookie != nil {
		http.SetCookie(w, desc.SetCookie)
	}

	inputs := desc.Inputs
	if inputs == nil {
		inputs = []schema.InputView{}
	}
	writeJSON(w, http.StatusOK, FormResponse{
		Key:         desc.Form.Key,
		Name:        desc.Form.Name,
		HelpText:    desc.Form.HelpText,
		Inputs:      inputs,
		Schema:      desc.Schema,
		HoneypotKey: desc.HoneypotKey,
		Initial:     desc.Initial,
	})
}

// readPayload decodes a JSON object or a form-encoded body. ok is false when
// the body is not a key/value object.
func readPayload(r *http.Request) (map[string]interface{}, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxPayloadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, false
		}
		return schema.PayloadFromValues(r.PostForm), true
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		return nil, false
	}
	return payload, true
}

type SubmissionResponse struct {
	Action    model.Action `json:"action,omitempty"`
	RowID     string       `json:"rowId,omitempty"`
	Submitted *time.Time   `json:"submitted,omitempty"`
	Persisted bool         `json:"persisted"`
	Notified  bool         `json:"notified"`
}

func (d Dependencies) submitForm(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	payload, ok := readPayload(r)
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, schema.Result{NonFieldErrors: []string{schema.InvalidSubmission}})
		return
	}

	out, err := d.Submissions.Submit(r.Context(), key, visitor(r), payload)
	if err != nil {
		d.writeServiceError(w, err, "Could not process submission")
		return
	}
	if out.SetCookie != nil {
		http.SetCookie(w, out.SetCookie)
	}

	switch {
	case out.Validation != nil:
		writeJSON(w, http.StatusUnprocessableEntity, out.Validation)
		return
	case out.Deny != "":
		WriteError(w, http.StatusForbidden, string(out.Deny), out.Deny.Message(), d.Log)
		return
	}

	resp := SubmissionResponse{
		Action:    out.Action,
		Persisted: out.Persisted,
		Notified:  out.NotifyErr == nil,
	}
	status := http.StatusAccepted
	if out.Persisted {
		resp.RowID = out.Row.ID
		resp.Submitted = &out.Row.Submitted
		status = http.StatusCreated
		if out.Action == model.ActionUpdate {
			status = http.StatusOK
		}
	}
	writeJSON(w, status, resp)
}
