package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ms-payouts/internal/apperr"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func SuccessResponse(message string, data any) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(code apperr.Code, message string) APIResponse {
	return APIResponse{
		Success:   false,
		Error:     &APIError{Code: string(code), Message: message},
		Timestamp: time.Now(),
	}
}

// ErrorFor maps err to a status and envelope. Outside development the
// message is the generic public text for the code.
func ErrorFor(err error, development bool) (int, APIResponse) {
	code := apperr.CodeOf(err)
	msg := apperr.PublicMessage(code)
	var e *apperr.Error
	if errors.As(err, &e) && e.PublicError != "" {
		msg = e.PublicError
	}
	if development {
		msg = err.Error()
	}
	return apperr.HTTPStatus(code), ErrorResponse(code, msg)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, err error, development bool) {
	status, body := ErrorFor(err, development)
	WriteJSON(w, status, body)
}
