package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddlewareRoundTrip(t *testing.T) {
	auth := NewAuthMiddleware("test-secret")

	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, 42)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}

	var gotUserID int64
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			t.Errorf("user id missing from context")
		}
		gotUserID = userID
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	if gotUserID != 42 {
		t.Errorf("user id = %d, want 42", gotUserID)
	}
}

func TestAuthMiddlewareBearerToken(t *testing.T) {
	auth := NewAuthMiddleware("test-secret")

	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+auth.issueToken(7))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	auth := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("handler must not be called")
	}))

	tests := []struct {
		name  string
		token string
	}{
		{name: "no token", token: ""},
		{name: "garbage", token: "garbage"},
		{name: "bad signature", token: "42.deadbeef"},
		{name: "foreign key", token: other.issueToken(42)},
		{name: "non numeric user", token: "abc.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}

			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)

			if resp.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.Code)
			}
		})
	}
}
