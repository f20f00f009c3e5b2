// Package auth carries the caller's identity through request contexts.
// Identity is asserted upstream by the gateway; this service never
// authenticates anyone itself.
package auth

import (
	"context"

	"github.com/dukerupert/orderledger/internal/model"
)

type contextKey struct{}

type AuthContext struct {
	UserID string
	Name   string
	Email  string
	Phone  string
	Role   string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

// UserID returns the identified user's id, or "" for an anonymous caller.
func UserID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.UserID
}

// Profile returns the caller's contact details. known is false for anonymous
// callers.
func Profile(ctx context.Context) (profile model.CustomerProfile, known bool) {
	ac, ok := FromContext(ctx)
	if !ok || ac.UserID == "" {
		return model.CustomerProfile{}, false
	}
	return model.CustomerProfile{
		UserID: ac.UserID,
		Name:   ac.Name,
		Email:  ac.Email,
		Phone:  ac.Phone,
	}, true
}

func IsAdmin(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Role == "admin"
}
