package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify/fcm"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *chat.ValidationError
	var ferr *fcm.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, chat.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, chat.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, chat.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.As(err, &ferr):
		slog.WarnContext(r.Context(), "Push delivery failed", "path", r.URL.Path, "kind", ferr.Kind, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "push delivery failed"})
	default:
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// decode reads a JSON body. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return chat.Invalid("body", "malformed JSON: "+err.Error())
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, chat.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func pageFrom(r *http.Request) (chat.Page, error) {
	q := r.URL.Query()
	var p chat.Page
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, chat.Invalid("page", "must be a positive integer")
		}
		p.Number = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return p, chat.Invalid("limit", "must be between 1 and 100")
		}
		p.Limit = n
	}
	return p, nil
}
