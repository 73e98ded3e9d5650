package errs

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPStatus maps an error from the pipeline to a response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAccountingInconsistent):
		return http.StatusInternalServerError
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuthorization), errors.Is(err, ErrInsufficientBalance):
		return http.StatusForbidden
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

// WriteHTTP writes a JSON error body. Internal errors are not echoed back.
func WriteHTTP(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	body := errorBody{Error: err.Error()}
	if code == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		body.Required, body.Available = &ib.Required, &ib.Available
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
