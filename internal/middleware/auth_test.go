package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/orderledger/internal/auth"
)

func TestIdentifyFromHeaders(t *testing.T) {
	var got auth.AuthContext
	var ok bool
	handler := Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = auth.FromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, " u_1 ")
	req.Header.Set(HeaderUserName, "Alice")
	req.Header.Set(HeaderUserEmail, "alice@example.com")
	req.Header.Set(HeaderUserPhone, "555-0100")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !ok {
		t.Fatal("expected AuthContext")
	}
	if got.UserID != "u_1" {
		t.Errorf("UserID = %q, want u_1", got.UserID)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("Email = %q", got.Email)
	}
	if got.Phone != "555-0100" {
		t.Errorf("Phone = %q", got.Phone)
	}
}

func TestIdentifyAnonymous(t *testing.T) {
	reached := false
	handler := Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		if _, ok := auth.FromContext(r.Context()); ok {
			t.Error("anonymous request should have no AuthContext")
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserEmail, "alice@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !reached {
		t.Fatal("handler not reached")
	}
}

func TestRequireUser(t *testing.T) {
	handler := Identify(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "u_1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("identified: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequireAdmin(t *testing.T) {
	handler := Identify(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "u_1")
	req.Header.Set(HeaderUserRole, "member")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("member: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req.Header.Set(HeaderUserRole, "admin")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin: status = %d, want %d", rec.Code, http.StatusOK)
	}
}
