// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// Envelope is the standard API response shape.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Count   *int   `json:"count,omitempty"`
}

// JSON writes a success envelope with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Success: true, Data: data}); err != nil {
		http.Error(w, `{"success":false,"code":"INTERNAL","message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 success envelope.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 success envelope.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// List writes a 200 success envelope with a count field.
func List(w http.ResponseWriter, data any, count int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Data: data, Count: &count})
}

// Error writes a failure envelope using the error's kind for the status.
func Error(w http.ResponseWriter, err error) {
	appErr := apperrors.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Message: appErr.Message,
		Code:    string(appErr.Kind),
	})
}
