package api

import (
	"encoding/json"
	"net/http"

	"bartleby/internal/service"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) saveForm(w http.ResponseWriter, r *http.Request) {
	var def service.FormDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	form, err := d.Forms.Save(r.Context(), def)
	if err != nil {
		d.writeServiceError(w, err, "Could not process request")
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (d Dependencies) saveUser(w http.ResponseWriter, r *http.Request) {
	var def service.UserDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	user, err := d.Forms.SaveUser(r.Context(), def)
	if err != nil {
		d.writeServiceError(w, err, "Could not process request")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (d Dependencies) saveGroup(w http.ResponseWriter, r *http.Request) {
	var def service.GroupDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	group, err := d.Forms.SaveGroup(r.Context(), def)
	if err != nil {
		d.writeServiceError(w, err, "Could not process request")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// importBundle accepts the same YAML document as the import command
func (d Dependencies) importBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := service.LoadBundle(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), d.Log)
		return
	}

	sum, err := d.Forms.Import(r.Context(), bundle)
	if err != nil {
		d.writeServiceError(w, err, "Could not process request")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (d Dependencies) formResults(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	q := service.ResultsQuery{
		Sort: service.ResultSort(r.URL.Query().Get("sort")),
	}
	switch r.URL.Query().Get("dir") {
	case "", "asc":
	case "desc":
		q.Desc = true
	default:
		WriteError(w, http.StatusBadRequest, "invalid_request", "dir must be asc or desc", d.Log)
		return
	}

	table, err := d.Forms.Results(r.Context(), key, q)
	if err != nil {
		d.writeServiceError(w, err, "Could not process request")
		return
	}
	writeJSON(w, http.StatusOK, table)
}
