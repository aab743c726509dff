package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/af-corp/operator-gateway/internal/types"
)

// APIError is the envelope for requests rejected before reaching a provider.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	WriteJSON(w, requestID, statusCode, APIError{
		Error: APIErrorBody{
			Message:   message,
			Type:      errType,
			Code:      code,
			RequestID: requestID,
		},
	})
}

// WriteJSON writes v as the JSON response body.
func WriteJSON(w http.ResponseWriter, requestID string, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteResult writes an operation result with the status code its kind maps to.
// created is used for successful operations that create a resource.
func WriteResult(w http.ResponseWriter, requestID string, res types.Result, created bool) {
	status := StatusFor(res)
	if created && status == http.StatusOK {
		status = http.StatusCreated
	}
	WriteJSON(w, requestID, status, res)
}

// StatusFor maps a result to its HTTP status code.
func StatusFor(res types.Result) int {
	if res.OK() {
		return http.StatusOK
	}
	switch res.Kind {
	case types.KindInvalidRequest, types.KindUnsupported, types.KindMismatch:
		return http.StatusBadRequest
	case types.KindPolicyDenied, types.KindLimitExceeded:
		return http.StatusForbidden
	case types.KindVendorRejected:
		return http.StatusUnprocessableEntity
	case types.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", "invalid_api_key", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "invalid_request_error", "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}
