package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/af-corp/operator-gateway/internal/types"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req_123", http.StatusBadRequest, "invalid_request_error", "bad_request", "test message")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	if rid := w.Header().Get("X-Request-ID"); rid != "req_123" {
		t.Errorf("expected X-Request-ID req_123, got %s", rid)
	}

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Error.Message != "test message" {
		t.Errorf("expected message 'test message', got %q", resp.Error.Message)
	}
	if resp.Error.Type != "invalid_request_error" {
		t.Errorf("expected type 'invalid_request_error', got %q", resp.Error.Type)
	}
	if resp.Error.RequestID != "req_123" {
		t.Errorf("expected request_id 'req_123', got %q", resp.Error.RequestID)
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAuthError(w, "req_456", "Invalid key")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != "invalid_api_key" {
		t.Errorf("expected code 'invalid_api_key', got %q", resp.Error.Code)
	}
}

func TestWriteRateLimitError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRateLimitError(w, "req_789", "Slow down")

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		res  types.Result
		want int
	}{
		{types.Success("ok"), http.StatusOK},
		{types.Failure(types.KindInvalidRequest, "x", ""), http.StatusBadRequest},
		{types.Failure(types.KindUnsupported, "x", ""), http.StatusBadRequest},
		{types.Failure(types.KindMismatch, "x", ""), http.StatusBadRequest},
		{types.Failure(types.KindPolicyDenied, "x", ""), http.StatusForbidden},
		{types.Failure(types.KindLimitExceeded, "x", ""), http.StatusForbidden},
		{types.Failure(types.KindVendorRejected, "x", ""), http.StatusUnprocessableEntity},
		{types.Failure(types.KindUnavailable, "x", ""), http.StatusServiceUnavailable},
		{types.Failure(types.KindTransport, "x", ""), http.StatusBadGateway},
		{types.Failure(types.KindProtocolParse, "x", ""), http.StatusBadGateway},
		{types.Failure(types.KindAuthentication, "x", ""), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.res); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.res.Kind, got, tt.want)
		}
	}
}

func TestWriteResult(t *testing.T) {
	w := httptest.NewRecorder()
	WriteResult(w, "req_1", types.Success("User created"), true)
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	WriteResult(w, "req_2", types.Failure(types.KindVendorRejected, "Failed to recharge", "Insufficient balance"), true)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"status":"failure"`) || !strings.Contains(body, `"error":"Insufficient balance"`) {
		t.Errorf("unexpected body: %s", body)
	}
	if strings.Contains(body, "vendor_rejected") {
		t.Error("error kind is internal and must not be serialized")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "given")
	h.ServeHTTP(w, r)
	if seen != "given" || w.Header().Get("X-Request-ID") != "given" {
		t.Errorf("request id not propagated: %q", seen)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(seen, "req_") {
		t.Errorf("expected generated id, got %q", seen)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_cli")
	if got := RequestID(ctx); got != "req_cli" {
		t.Errorf("expected req_cli, got %q", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("expected empty id on bare context, got %q", got)
	}
}
