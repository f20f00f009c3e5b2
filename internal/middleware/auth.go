package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/orderledger/internal/auth"
)

// Identity headers set by the trusted gateway in front of this service.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
	HeaderUserPhone = "X-User-Phone"
	HeaderUserRole  = "X-User-Role"
)

// Identify populates AuthContext from the gateway identity headers. Requests
// without a user id pass through anonymously.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ac := auth.AuthContext{
			UserID: userID,
			Name:   strings.TrimSpace(r.Header.Get(HeaderUserName)),
			Email:  strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
			Phone:  strings.TrimSpace(r.Header.Get(HeaderUserPhone)),
			Role:   strings.TrimSpace(r.Header.Get(HeaderUserRole)),
		}
		ctx := auth.WithAuth(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.UserID(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "sign in required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin checks that the identified user has the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
