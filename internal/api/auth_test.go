package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAuthenticator_JWT(t *testing.T) {
	const secret = "test-secret"
	auth := NewAuthenticator(secret, "slots")
	user := uuid.New()

	valid, err := IssueToken(secret, "slots", user, []string{"operator"}, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	wrongIssuer, _ := IssueToken(secret, "other", user, nil, time.Minute)
	wrongKey, _ := IssueToken("other-secret", "slots", user, nil, time.Minute)
	expired, _ := IssueToken(secret, "slots", user, nil, -time.Minute)

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{name: "valid", header: "Bearer " + valid, wantCode: http.StatusOK},
		{name: "missing", header: "", wantCode: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", wantCode: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + wrongIssuer, wantCode: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + wrongKey, wantCode: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bool
			h := auth.Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c, ok := CallerFromContext(r.Context())
				got = ok && c.UserID == user && c.IsOperator()
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantCode == http.StatusOK && !got {
				t.Error("expected operator caller in context")
			}
		})
	}
}

func TestAuthenticator_JWTModeIgnoresDevHeaders(t *testing.T) {
	auth := NewAuthenticator("secret", "")
	h := auth.Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticator_OptionalRejectsBadCredentials(t *testing.T) {
	auth := NewAuthenticator("", "")
	h := auth.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	anon := httptest.NewRecorder()
	h.ServeHTTP(anon, httptest.NewRequest(http.MethodGet, "/", nil))
	if anon.Code != http.StatusOK {
		t.Errorf("anonymous: expected 200, got %d", anon.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "not-a-uuid")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	if bad.Code != http.StatusUnauthorized {
		t.Errorf("bad header: expected 401, got %d", bad.Code)
	}
}

func TestSplitRoles(t *testing.T) {
	got := splitRoles(" Operator, ,vet")
	if len(got) != 2 || got[0] != "operator" || got[1] != "vet" {
		t.Errorf("unexpected roles %v", got)
	}
}
