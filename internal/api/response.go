package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"spendguard/internal/guard"
	"spendguard/internal/intent"
	"spendguard/internal/kernel"
	"spendguard/internal/ledger"
	"spendguard/internal/service"
)

// Error codes that are not guard denial codes.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeIntentExpired       = "INTENT_EXPIRED"
	CodeEvaluationTimeout   = "EVALUATION_TIMEOUT"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInternal            = "INTERNAL"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message, Details: details})
}

// WriteJSON writes a JSON success body.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// classify maps a domain error onto an HTTP status and envelope code.
func classify(err error) (int, string) {
	var denied *kernel.DeniedError
	switch {
	case errors.As(err, &denied):
		return http.StatusForbidden, string(denied.Code)
	case errors.Is(err, kernel.ErrInvalidAttempt):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, guard.ErrInvalidConfig):
		return http.StatusBadRequest, CodeInvalidConfig
	case errors.Is(err, intent.ErrIntentNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, kernel.ErrGuardNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, intent.ErrIntentAlreadyResolved),
		errors.Is(err, kernel.ErrDuplicateAttempt),
		errors.Is(err, ledger.ErrEntryFinalized):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, intent.ErrIntentExpired):
		return http.StatusGone, CodeIntentExpired
	case errors.Is(err, kernel.ErrEvaluationTimeout):
		return http.StatusServiceUnavailable, CodeEvaluationTimeout
	case errors.Is(err, service.ErrInsufficientBalance):
		return http.StatusInternalServerError, CodeInsufficientBalance
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
