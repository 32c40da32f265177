package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/booking"
)

type errorBody struct {
	Code      apperr.Kind `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
	Current   string      `json:"current_status,omitempty"`
	Attempted string      `json:"attempted_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Code: kind, Message: apperr.Message(err), Retryable: apperr.Retryable(kind)}
	var te *booking.TransitionError
	if errors.As(err, &te) {
		body.Current = string(te.Current)
		body.Attempted = string(te.Attempted)
	}
	status := apperr.HTTPStatus(kind)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "code", kind, "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "malformed request body", err)
	}
	return nil
}
