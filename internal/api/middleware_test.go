package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xkonjin/relay-service/internal/domain"
)

func protectedHandler(apiKey string) http.Handler {
	var next http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return InternalAPIKeyMiddleware(apiKey)(next)
}

func TestInternalAPIKeyMiddleware(t *testing.T) {
	cases := []struct {
		name       string
		configured string
		presented  string
		wantStatus int
	}{
		{"matching key", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong key", "s3cret", "nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"unconfigured key disables the surface", "", "anything", http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/gas/balance", nil)
			if tc.presented != "" {
				req.Header.Set("X-Internal-API-Key", tc.presented)
			}
			rec := httptest.NewRecorder()
			protectedHandler(tc.configured).ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/claims/abc", nil)
	req.RemoteAddr = "10.0.0.9:4242"
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.9")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestExecutionStatusCode(t *testing.T) {
	cases := []struct {
		name   string
		result domain.ExecutionResult
		want   int
	}{
		{"success", domain.ExecutionResult{Status: domain.ExecutionSuccess}, http.StatusOK},
		{"timeout pending", domain.ExecutionResult{Status: domain.ExecutionTimeoutPending}, http.StatusAccepted},
		{"replay conflict", domain.ExecutionResult{Status: domain.ExecutionRejected, Code: domain.CodeAlreadyUsed}, http.StatusConflict},
		{"claim conflict", domain.ExecutionResult{Status: domain.ExecutionRejected, Code: domain.CodeAlreadyClaimed}, http.StatusConflict},
		{"validation reject", domain.ExecutionResult{Status: domain.ExecutionRejected, Code: domain.CodeExpired}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := executionStatusCode(&tc.result); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestParseOptionalAmount(t *testing.T) {
	if amount, ok := parseOptionalAmount(""); !ok || amount != nil {
		t.Fatal("empty amount must parse to nil")
	}
	if amount, ok := parseOptionalAmount("12000000"); !ok || amount.String() != "12000000" {
		t.Fatalf("expected 12000000, got ok=%v amount=%v", ok, amount)
	}
	for _, bad := range []string{"0", "-5", "1.5", "abc"} {
		if _, ok := parseOptionalAmount(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
